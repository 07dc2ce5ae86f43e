package sequencer

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/core/mempool"
	"github.com/dominant-strategies/go-sequencer/core/production"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/trigger"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/taskqueue/wsqueue"
	"github.com/dominant-strategies/go-sequencer/worker"
)

// DatabaseModule owns the databases. It optionally prunes them on start and
// closes them, releasing the datadir lock, on stop.
type DatabaseModule struct {
	dbs    *rawdb.Databases
	prune  bool
	logger *log.Logger
}

func NewDatabaseModule(dbs *rawdb.Databases, prune bool, logger *log.Logger) *DatabaseModule {
	if logger == nil {
		logger = log.Global
	}
	return &DatabaseModule{dbs: dbs, prune: prune, logger: logger}
}

func (m *DatabaseModule) Name() string { return "database" }

func (m *DatabaseModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{
		"storage":   m.dbs.Blocks,
		"treeStore": m.dbs.Tree,
	}
}

func (m *DatabaseModule) Start(ctx context.Context) error {
	if !m.prune {
		return nil
	}
	m.logger.Warn("Pruning databases on startup")
	return m.dbs.Prune(ctx)
}

func (m *DatabaseModule) Stop() error { return m.dbs.Close() }

// MempoolModule exposes the mempool to the other modules.
type MempoolModule struct {
	pool *mempool.Mempool
}

func NewMempoolModule(pool *mempool.Mempool) *MempoolModule { return &MempoolModule{pool: pool} }

func (m *MempoolModule) Name() string { return "mempool" }

func (m *MempoolModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{"mempool": m.pool}
}

func (m *MempoolModule) Start(ctx context.Context) error { return nil }

// MetricsModule serves the prometheus endpoint when metrics are enabled.
type MetricsModule struct {
	enabled bool
	port    int
}

func NewMetricsModule(enabled bool, port int) *MetricsModule {
	return &MetricsModule{enabled: enabled, port: port}
}

func (m *MetricsModule) Name() string { return "metrics" }

func (m *MetricsModule) Dependencies() map[string]Dependency { return nil }

func (m *MetricsModule) Start(ctx context.Context) error {
	if m.enabled {
		metrics_config.EnableMetrics()
		metrics_config.StartProcessMetrics(m.port)
	}
	return nil
}

// QueueModule owns the task queue the pipeline runs on. With a websocket
// server the queue also accepts remote workers.
type QueueModule struct {
	tq          taskqueue.TaskQueue
	server      *wsqueue.Server
	coordinator *taskqueue.Coordinator
}

// NewQueueModule wraps tq; server may be nil for a local-only queue.
func NewQueueModule(tq taskqueue.TaskQueue, server *wsqueue.Server, coordinator *taskqueue.Coordinator) *QueueModule {
	return &QueueModule{tq: tq, server: server, coordinator: coordinator}
}

func (m *QueueModule) Name() string { return "taskqueue" }

func (m *QueueModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{
		"taskQueue":   m.tq,
		"coordinator": m.coordinator,
	}
}

func (m *QueueModule) Start(ctx context.Context) error {
	if m.server != nil {
		return m.server.Start()
	}
	return nil
}

func (m *QueueModule) Stop() error {
	m.coordinator.Close()
	// the server closes the queue it brokers for
	if m.server != nil {
		return m.server.Close()
	}
	return m.tq.Close()
}

// WorkerModule runs an in-process worker pool.
type WorkerModule struct {
	pool *worker.Pool
}

func NewWorkerModule(pool *worker.Pool) *WorkerModule { return &WorkerModule{pool: pool} }

func (m *WorkerModule) Name() string { return "worker" }

func (m *WorkerModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{"workerPool": m.pool}
}

func (m *WorkerModule) Start(ctx context.Context) error { return m.pool.Start(ctx) }

func (m *WorkerModule) Stop() error { return m.pool.Close() }

// ProductionModule runs the block producer under its trigger.
type ProductionModule struct {
	producer *production.BlockProducer
	trigger  trigger.Trigger
}

func NewProductionModule(producer *production.BlockProducer, t trigger.Trigger) *ProductionModule {
	return &ProductionModule{producer: producer, trigger: t}
}

func (m *ProductionModule) Name() string { return "production" }

func (m *ProductionModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{
		"producer": m.producer,
		"trigger":  m.trigger,
	}
}

func (m *ProductionModule) Start(ctx context.Context) error { return m.trigger.Start(ctx) }

func (m *ProductionModule) Stop() error {
	err := m.trigger.Stop()
	m.producer.Close()
	return err
}
