package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dominant-strategies/go-sequencer/cmd/utils"
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/log"
)

var workerID string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "runs a remote proving worker",
	Long: `connects to the websocket task queue of a sequencer started with
--queue-backend=websocket and computes pipeline tasks for it. The worker
authenticates with a token signed with --queue-secret.`,
	RunE:                       runWorker,
	SilenceUsage:               true,
	SuggestionsMinimumDistance: 2,
	Example:                    `sequencer worker --queue-host=10.0.0.2 --queue-secret=s3cret`,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	for _, flag := range utils.QueueFlags {
		utils.CreateAndBindFlag(flag, workerCmd)
	}
	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "identifier of this worker, random when empty")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerID == "" {
		workerID = common.RandomID(8)
	}
	logger := log.Global
	logger.WithFields(log.Fields{
		"worker": workerID,
		"queue":  utils.QueueConfig().Addr(),
	}).Info("Starting remote worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, client, err := utils.MakeWorker(workerID, logger)
	if err != nil {
		return err
	}
	if utils.QueueConfig().Secret == "" {
		logger.Warn("No queue secret configured, connecting unauthenticated")
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Warn("Received 'stop' signal, shutting down gracefully...")
	if err := pool.Close(); err != nil {
		logger.WithField("error", err).Error("error closing worker pool")
	}
	return client.Close()
}
