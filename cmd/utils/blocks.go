package utils

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"

	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
)

// InspectBlocks opens the configured databases read side and writes a table
// of the stored blocks with from <= height <= to.
func InspectBlocks(ctx context.Context, w io.Writer, from, to uint64, logger *log.Logger) error {
	dbs, err := rawdb.Open(rawdb.OpenOptions{
		Type:      viper.GetString(DBEngineFlag.Name),
		Directory: viper.GetString(DataDirFlag.Name),
		Cache:     databaseCache,
		Handles:   databaseHandles,
	}, logger)
	if err != nil {
		return err
	}
	defer dbs.Close()

	blocks, err := dbs.Blocks.GetBlocksFromTo(ctx, from, to)
	if err != nil {
		return err
	}
	height, err := dbs.Blocks.GetCurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	WriteBlockTable(w, blocks, height)
	return nil
}

// WriteBlockTable renders blocks as a table, one row per block.
func WriteBlockTable(w io.Writer, blocks []*types.Block, height uint64) {
	rows := make([][]string, 0, len(blocks))
	var txs int
	for _, block := range blocks {
		var failed int
		for _, tx := range block.Transactions {
			if !tx.Status {
				failed++
			}
		}
		txs += len(block.Transactions)
		rows = append(rows, []string{
			fmt.Sprint(block.Height),
			fmt.Sprint(len(block.Transactions)),
			fmt.Sprint(failed),
			block.FromStateRoot.TerminalString(),
			block.ToStateRoot.TerminalString(),
			block.Hash.TerminalString(),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Height", "Txs", "Failed", "From root", "To root", "Hash"})
	table.SetFooter([]string{"", fmt.Sprint(txs), "", "", "Stored", fmt.Sprint(height)})
	table.AppendBulk(rows)
	table.Render()
}
