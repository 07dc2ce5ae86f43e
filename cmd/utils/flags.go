package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dominant-strategies/go-sequencer/common/constants"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var GlobalFlags = []Flag{
	ConfigDirFlag,
	DataDirFlag,
	LogLevelFlag,
	SaveConfigFlag,
}

var DatabaseFlags = []Flag{
	DBEngineFlag,
	TreeHeightFlag,
	PruneOnStartupFlag,
	MempoolJournalFlag,
}

var ProductionFlags = []Flag{
	TriggerFlag,
	BlockIntervalFlag,
	SettlementIntervalFlag,
	AllowEmptyBlocksFlag,
	StateTransitionBatchSizeFlag,
	MaxTaskRetriesFlag,
	FlowDeadlineFlag,
}

var QueueFlags = []Flag{
	QueueBackendFlag,
	QueueHostFlag,
	QueuePortFlag,
	QueueSecretFlag,
	SimulatedDurationFlag,
	WorkerConcurrencyFlag,
}

var MetricsFlags = []Flag{
	MetricsEnabledFlag,
	MetricsPortFlag,
}

// Flags are all flags of the start command, grouped.
var Flags = [][]Flag{
	DatabaseFlags,
	ProductionFlags,
	QueueFlags,
	MetricsFlags,
}

var (
	// ****************************************
	// **                                    **
	// **         GLOBAL FLAGS               **
	// **                                    **
	// ****************************************
	ConfigDirFlag = Flag{
		Name:         "config-dir",
		Abbreviation: "c",
		Value:        xdg.ConfigHome + "/" + constants.APP_NAME + "/",
		Usage:        "config directory" + generateEnvDoc("config-dir"),
	}

	DataDirFlag = Flag{
		Name:         "data-dir",
		Abbreviation: "d",
		Value:        xdg.DataHome + "/" + constants.APP_NAME + "/",
		Usage:        "data directory" + generateEnvDoc("data-dir"),
	}

	LogLevelFlag = Flag{
		Name:         "log-level",
		Abbreviation: "l",
		Value:        "info",
		Usage:        "log level (trace, debug, info, warn, error, fatal, panic)" + generateEnvDoc("log-level"),
	}

	SaveConfigFlag = Flag{
		Name:         "save-config",
		Abbreviation: "S",
		Value:        false,
		Usage:        "save/update config file with current config parameters" + generateEnvDoc("save-config"),
	}

	// ****************************************
	// **                                    **
	// **         DATABASE FLAGS             **
	// **                                    **
	// ****************************************
	DBEngineFlag = Flag{
		Name:  "db-engine",
		Value: rawdb.DBLeveldb,
		Usage: "backing database (leveldb, pebble, memory)" + generateEnvDoc("db-engine"),
	}

	TreeHeightFlag = Flag{
		Name:  "tree-height",
		Value: 256,
		Usage: "height of the state Merkle tree" + generateEnvDoc("tree-height"),
	}

	PruneOnStartupFlag = Flag{
		Name:  "prune-on-startup",
		Value: false,
		Usage: "delete all blocks, batches and state before starting" + generateEnvDoc("prune-on-startup"),
	}

	MempoolJournalFlag = Flag{
		Name:  "mempool-journal",
		Value: true,
		Usage: "persist pending transactions across restarts" + generateEnvDoc("mempool-journal"),
	}

	// ****************************************
	// **                                    **
	// **         PRODUCTION FLAGS           **
	// **                                    **
	// ****************************************
	TriggerFlag = Flag{
		Name:  "trigger",
		Value: "timed",
		Usage: "block trigger (manual, timed, event)" + generateEnvDoc("trigger"),
	}

	BlockIntervalFlag = Flag{
		Name:  "block-interval",
		Value: 5 * time.Second,
		Usage: "cadence of the timed trigger" + generateEnvDoc("block-interval"),
	}

	SettlementIntervalFlag = Flag{
		Name:  "settlement-interval",
		Value: 30 * time.Second,
		Usage: "cadence of batch settlement, 0 disables it" + generateEnvDoc("settlement-interval"),
	}

	AllowEmptyBlocksFlag = Flag{
		Name:  "allow-empty-blocks",
		Value: false,
		Usage: "produce blocks when the mempool is empty" + generateEnvDoc("allow-empty-blocks"),
	}

	StateTransitionBatchSizeFlag = Flag{
		Name:  "st-batch-size",
		Value: 4,
		Usage: "state transitions per transition-proving task" + generateEnvDoc("st-batch-size"),
	}

	MaxTaskRetriesFlag = Flag{
		Name:  "max-task-retries",
		Value: 0,
		Usage: "times a failed task is retried before the block is aborted" + generateEnvDoc("max-task-retries"),
	}

	FlowDeadlineFlag = Flag{
		Name:  "flow-deadline",
		Value: 2 * time.Minute,
		Usage: "time a block's proofs may take before the block is aborted" + generateEnvDoc("flow-deadline"),
	}

	// ****************************************
	// **                                    **
	// **         QUEUE FLAGS                **
	// **                                    **
	// ****************************************
	QueueBackendFlag = Flag{
		Name:  "queue-backend",
		Value: "local",
		Usage: "task queue backend (local, websocket)" + generateEnvDoc("queue-backend"),
	}

	QueueHostFlag = Flag{
		Name:  "queue-host",
		Value: "127.0.0.1",
		Usage: "websocket queue host" + generateEnvDoc("queue-host"),
	}

	QueuePortFlag = Flag{
		Name:  "queue-port",
		Value: 8547,
		Usage: "websocket queue port" + generateEnvDoc("queue-port"),
	}

	QueueSecretFlag = Flag{
		Name:  "queue-secret",
		Value: "",
		Usage: "secret remote workers sign their tokens with, empty disables auth" + generateEnvDoc("queue-secret"),
	}

	SimulatedDurationFlag = Flag{
		Name:  "simulated-duration",
		Value: time.Duration(0),
		Usage: "artificial latency added to every task and proof" + generateEnvDoc("simulated-duration"),
	}

	WorkerConcurrencyFlag = Flag{
		Name:  "worker-concurrency",
		Value: 1,
		Usage: "handlers per queue in a worker" + generateEnvDoc("worker-concurrency"),
	}

	// ****************************************
	// **                                    **
	// **         METRICS FLAGS              **
	// **                                    **
	// ****************************************
	MetricsEnabledFlag = Flag{
		Name:  "metrics-enabled",
		Value: false,
		Usage: "enable prometheus metrics" + generateEnvDoc("metrics-enabled"),
	}

	MetricsPortFlag = Flag{
		Name:  "metrics-port",
		Value: 2112,
		Usage: "port of the metrics endpoint" + generateEnvDoc("metrics-port"),
	}
)

func CreateAndBindFlag(flag Flag, cmd *cobra.Command) {
	switch val := flag.Value.(type) {
	case string:
		cmd.PersistentFlags().StringP(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case bool:
		cmd.PersistentFlags().BoolP(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case []string:
		cmd.PersistentFlags().StringSliceP(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case time.Duration:
		cmd.PersistentFlags().DurationP(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case int:
		cmd.PersistentFlags().IntP(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case int64:
		cmd.PersistentFlags().Int64P(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	case uint64:
		cmd.PersistentFlags().Uint64P(flag.GetName(), flag.GetAbbreviation(), val, flag.GetUsage())
	default:
		log.Global.Error("Flag type not supported: " + flag.GetName() + ", " + fmt.Sprintf("%T", val))
	}
	viper.BindPFlag(flag.GetName(), cmd.PersistentFlags().Lookup(flag.GetName()))
}

// helper function that given a cobra flag name, returns the corresponding
// help legend for the equivalent environment variable
func generateEnvDoc(flag string) string {
	return fmt.Sprintf(" [%s]", envVar(flag))
}

func envVar(flag string) string {
	return constants.ENV_PREFIX + "_" + strings.ReplaceAll(strings.ToUpper(flag), "-", "_")
}
