package utils

import (
	"time"

	"github.com/dominant-strategies/go-sequencer/core/mempool"
	"github.com/dominant-strategies/go-sequencer/core/production"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/trigger"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/prover"
	"github.com/dominant-strategies/go-sequencer/sequencer"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/taskqueue/wsqueue"
	"github.com/dominant-strategies/go-sequencer/tasks"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/dominant-strategies/go-sequencer/worker"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	QueueBackendLocal     = "local"
	QueueBackendWebsocket = "websocket"

	// database tuning, not worth a flag
	databaseCache   = 64
	databaseHandles = 64
)

// Node is a composed sequencer together with the handles the CLI drives it
// through.
type Node struct {
	*sequencer.Sequencer
	Producer *production.BlockProducer
	Trigger  trigger.Trigger
}

// QueueConfig reads the websocket queue settings.
func QueueConfig() wsqueue.Config {
	return wsqueue.Config{
		Host:   viper.GetString(QueueHostFlag.Name),
		Port:   viper.GetInt(QueuePortFlag.Name),
		Secret: viper.GetString(QueueSecretFlag.Name),
	}
}

// MakeSequencer builds every component from the viper configuration and
// wires them into a sequencer. events feeds the event trigger and may be nil
// for the others.
func MakeSequencer(events <-chan struct{}, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Global
	}
	dbs, err := rawdb.Open(rawdb.OpenOptions{
		Type:      viper.GetString(DBEngineFlag.Name),
		Directory: viper.GetString(DataDirFlag.Name),
		Cache:     databaseCache,
		Handles:   databaseHandles,
		Journal:   viper.GetBool(MempoolJournalFlag.Name),
	}, logger)
	if err != nil {
		return nil, err
	}
	node, err := makeSequencer(dbs, events, logger)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	return node, nil
}

func makeSequencer(dbs *rawdb.Databases, events <-chan struct{}, logger *log.Logger) (*Node, error) {
	height := viper.GetInt(TreeHeightFlag.Name)
	rt, err := runtime.New(height, logger, runtime.DefaultModules()...)
	if err != nil {
		return nil, err
	}
	cache, err := trie.NewCachedMerkleTreeStore(dbs.Tree, height, logger)
	if err != nil {
		return nil, err
	}

	var journal mempool.Journal
	if dbs.Journal != nil {
		journal = dbs.Journal
	}
	pool, err := mempool.New(mempool.DefaultConfig, journal, logger)
	if err != nil {
		return nil, err
	}

	proofs, local := localProving(viper.GetDuration(SimulatedDurationFlag.Name), logger)
	pipeline := tasks.NewPipeline(proofs, logger)

	var (
		tq      taskqueue.TaskQueue = local
		server  *wsqueue.Server
		modules []sequencer.Module
	)
	switch backend := viper.GetString(QueueBackendFlag.Name); backend {
	case QueueBackendLocal:
	case QueueBackendWebsocket:
		server = wsqueue.NewServer(local, QueueConfig(), logger)
		tq = server
	default:
		return nil, errors.Errorf("unknown queue-backend %v", backend)
	}
	coordinator := taskqueue.NewCoordinator(local, taskqueue.CoordinatorConfig{
		MaxTaskRetries: viper.GetInt(MaxTaskRetriesFlag.Name),
		FlowDeadline:   viper.GetDuration(FlowDeadlineFlag.Name),
	}, logger)

	producer, err := production.New(production.Config{
		AllowEmptyBlocks:         viper.GetBool(AllowEmptyBlocksFlag.Name),
		StateTransitionBatchSize: viper.GetInt(StateTransitionBatchSizeFlag.Name),
	}, pool, rt, cache, dbs.Blocks, coordinator, pipeline, logger)
	if err != nil {
		return nil, err
	}

	registry := sequencer.NewRegistry()
	settlement := sequencer.NewSettlementModule(registry, sequencer.SimulatedSettler{}, logger)
	trig, err := trigger.New(viper.GetString(TriggerFlag.Name), producer, settlement, trigger.TimedConfig{
		BlockInterval:      viper.GetDuration(BlockIntervalFlag.Name),
		SettlementInterval: viper.GetDuration(SettlementIntervalFlag.Name),
	}, events, logger)
	if err != nil {
		return nil, err
	}

	modules = append(modules,
		sequencer.NewMetricsModule(viper.GetBool(MetricsEnabledFlag.Name), viper.GetInt(MetricsPortFlag.Name)),
		sequencer.NewDatabaseModule(dbs, viper.GetBool(PruneOnStartupFlag.Name), logger),
		sequencer.NewMempoolModule(pool),
		sequencer.NewQueueModule(tq, server, coordinator),
	)
	// with a websocket queue the proving is left to remote workers
	if server == nil {
		workers, err := worker.NewPool(local, worker.Config{
			Concurrency: viper.GetInt(WorkerConcurrencyFlag.Name),
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := workers.Register(pipeline.Runnables()...); err != nil {
			return nil, err
		}
		modules = append(modules, sequencer.NewWorkerModule(workers))
	}
	modules = append(modules,
		settlement,
		sequencer.NewProductionModule(producer, trig),
	)

	return &Node{
		Sequencer: sequencer.New(registry, pool, runtime.NewValidator(rt), modules, logger),
		Producer:  producer,
		Trigger:   trig,
	}, nil
}

// localProving creates the prover and task queue of the sequencer process.
// The simulated latency is charged once per task by the local queue; remote
// workers never run through it and charge it in their prover instead.
func localProving(simulated time.Duration, logger *log.Logger) (*prover.SimulatedProver, *taskqueue.LocalTaskQueue) {
	return prover.NewSimulatedProver(0), taskqueue.NewLocalTaskQueue(simulated, logger)
}

// MakeWorker builds a remote worker process: a worker pool running every
// pipeline stage against the websocket queue of a sequencer.
func MakeWorker(workerID string, logger *log.Logger) (*worker.Pool, *wsqueue.Client, error) {
	if logger == nil {
		logger = log.Global
	}
	client := wsqueue.NewClient(QueueConfig(), workerID, logger)
	pipeline := tasks.NewPipeline(prover.NewSimulatedProver(viper.GetDuration(SimulatedDurationFlag.Name)), logger)
	pool, err := worker.NewPool(client, worker.Config{
		Concurrency: viper.GetInt(WorkerConcurrencyFlag.Name),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Register(pipeline.Runnables()...); err != nil {
		return nil, nil, err
	}
	return pool, client, nil
}
