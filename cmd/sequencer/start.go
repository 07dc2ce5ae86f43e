package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dominant-strategies/go-sequencer/cmd/utils"
	"github.com/dominant-strategies/go-sequencer/core/trigger"
	"github.com/dominant-strategies/go-sequencer/log"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the sequencer",
	Long: `starts the sequencer daemon. The daemon accepts transactions, produces
blocks on the configured trigger and proves them through the task queue.
With --trigger=event a block is produced on every SIGUSR1, with
--trigger=manual on every SIGUSR1 as well, synchronously.`,
	RunE:                       runStart,
	SilenceUsage:               true,
	SuggestionsMinimumDistance: 2,
	Example:                    `sequencer start --log-level=debug --block-interval=2s`,
}

func init() {
	rootCmd.AddCommand(startCmd)

	for _, flagGroup := range utils.Flags {
		for _, flag := range flagGroup {
			utils.CreateAndBindFlag(flag, startCmd)
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	log.Global.Info("Starting go-sequencer")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan struct{}, 1)
	node, err := utils.MakeSequencer(events, log.Global)
	if err != nil {
		log.Global.WithField("error", err).Fatal("error creating sequencer")
	}
	if err := node.Start(ctx); err != nil {
		log.Global.WithField("error", err).Fatal("error starting sequencer")
	}

	produce := make(chan os.Signal, 1)
	signal.Notify(produce, syscall.SIGUSR1)
	defer signal.Stop(produce)

	// wait for a SIGINT or SIGTERM signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-produce:
			switch t := node.Trigger.(type) {
			case *trigger.ManualTrigger:
				if block, err := t.ProduceBlock(ctx); err != nil {
					log.Global.WithField("error", err).Error("manual block production failed")
				} else if block != nil {
					log.Global.WithFields(log.Fields{"height": block.Height, "hash": block.Hash}).Info("manual block produced")
				}
			default:
				if viper.GetString(utils.TriggerFlag.Name) == trigger.Event {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			}
		case <-ch:
			log.Global.Warn("Received 'stop' signal, shutting down gracefully...")
			cancel()
			if err := node.Stop(); err != nil {
				log.Global.WithField("error", err).Error("error stopping sequencer")
			}
			log.Global.Warn("Sequencer is offline")
			return nil
		}
	}
}
