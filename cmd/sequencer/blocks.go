package main

import (
	"context"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/dominant-strategies/go-sequencer/cmd/utils"
	"github.com/dominant-strategies/go-sequencer/log"
)

var (
	blocksFrom uint64
	blocksTo   uint64
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "prints the stored blocks",
	Long: `prints a summary of the blocks stored in the data directory. The sequencer
must not be running against the same data directory.`,
	RunE:                       runBlocks,
	SilenceUsage:               true,
	SuggestionsMinimumDistance: 2,
	Example:                    `sequencer blocks --from=10 --to=20`,
}

func init() {
	rootCmd.AddCommand(blocksCmd)

	for _, flag := range utils.DatabaseFlags {
		utils.CreateAndBindFlag(flag, blocksCmd)
	}
	blocksCmd.Flags().Uint64Var(&blocksFrom, "from", 0, "first height to print")
	blocksCmd.Flags().Uint64Var(&blocksTo, "to", math.MaxUint64, "last height to print")
}

func runBlocks(cmd *cobra.Command, args []string) error {
	return utils.InspectBlocks(context.Background(), os.Stdout, blocksFrom, blocksTo, log.Global)
}
