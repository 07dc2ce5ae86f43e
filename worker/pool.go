// Package worker runs pipeline tasks on behalf of a task queue.
package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/common/timedcache"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrPoolStarted   = errors.New("worker pool already started")
)

// Config are the configuration parameters of a worker pool.
type Config struct {
	// Concurrency is the number of handlers per registered task.
	Concurrency int
	// DedupeSize and DedupeTTL bound the memory of completed task ids used to
	// answer redelivered tasks without recomputing them.
	DedupeSize int
	DedupeTTL  time.Duration
}

var DefaultConfig = Config{
	Concurrency: 1,
	DedupeSize:  4096,
	DedupeTTL:   10 * time.Minute,
}

func (config *Config) sanitize(logger *log.Logger) Config {
	conf := *config
	if conf.Concurrency < 1 {
		logger.WithFields(log.Fields{
			"provided": conf.Concurrency,
			"updated":  DefaultConfig.Concurrency,
		}).Warn("Sanitizing invalid worker concurrency")
		conf.Concurrency = DefaultConfig.Concurrency
	}
	if conf.DedupeSize < 1 {
		conf.DedupeSize = DefaultConfig.DedupeSize
	}
	if conf.DedupeTTL <= 0 {
		conf.DedupeTTL = DefaultConfig.DedupeTTL
	}
	return conf
}

// Pool registers tasks as workers on a TaskQueue.
type Pool struct {
	tq     taskqueue.TaskQueue
	config Config
	logger *log.Logger

	mu        sync.Mutex
	tasks     map[string]taskqueue.Runnable
	order     []string
	closers   []io.Closer
	started   bool
	completed *timedcache.TimedCache[string, taskqueue.TaskPayload]

	computed *prometheus.CounterVec
	replayed *prometheus.CounterVec
}

func NewPool(tq taskqueue.TaskQueue, config Config, logger *log.Logger) (*Pool, error) {
	if logger == nil {
		logger = log.Global
	}
	config = (&config).sanitize(logger)
	completed, err := timedcache.New[string, taskqueue.TaskPayload](config.DedupeSize, config.DedupeTTL)
	if err != nil {
		return nil, err
	}
	return &Pool{
		tq:        tq,
		config:    config,
		logger:    logger,
		tasks:     make(map[string]taskqueue.Runnable),
		completed: completed,
		computed:  metrics_config.NewCounterVec("worker_tasks_computed", "Tasks computed by this worker", "task", "status"),
		replayed:  metrics_config.NewCounterVec("worker_tasks_replayed", "Redelivered tasks answered from memory", "task"),
	}, nil
}

// Register adds tasks to the pool. Names must be unique.
func (p *Pool) Register(tasks ...taskqueue.Runnable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	for _, t := range tasks {
		if _, ok := p.tasks[t.Name()]; ok {
			return errors.Wrap(ErrDuplicateTask, t.Name())
		}
		p.tasks[t.Name()] = t
		p.order = append(p.order, t.Name())
	}
	return nil
}

// Start prepares every registered task and then creates its workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	for _, name := range p.order {
		if err := p.tasks[name].Prepare(ctx); err != nil {
			return errors.Wrapf(err, "prepare task %s", name)
		}
	}
	for _, name := range p.order {
		handler := p.handler(p.tasks[name])
		for i := 0; i < p.config.Concurrency; i++ {
			closer, err := p.tq.CreateWorker(name, handler)
			if err != nil {
				p.closeLocked()
				return errors.Wrapf(err, "create %s worker", name)
			}
			p.closers = append(p.closers, closer)
		}
	}
	p.started = true
	p.logger.WithFields(log.Fields{
		"tasks":       p.order,
		"concurrency": p.config.Concurrency,
	}).Info("Worker pool started")
	return nil
}

// handler answers a task it has already completed with the stored result.
// Error results are not stored, a retried task is computed again.
func (p *Pool) handler(r taskqueue.Runnable) taskqueue.Handler {
	name := r.Name()
	return func(ctx context.Context, task taskqueue.TaskPayload) taskqueue.TaskPayload {
		if result, ok := p.completed.Get(task.TaskID); ok {
			p.replayed.WithLabelValues(name).Inc()
			return result
		}
		start := time.Now()
		result := r.Handle(ctx, task)
		p.computed.WithLabelValues(name, result.Status).Inc()
		logger := p.logger.WithFields(log.Fields{
			"task":    name,
			"flowId":  task.FlowID,
			"taskId":  task.TaskID,
			"elapsed": time.Since(start),
		})
		if result.Failed() {
			logger.WithField("err", result.Payload).Warn("Task failed")
			return result
		}
		logger.Debug("Task computed")
		p.completed.Add(task.TaskID, result)
		return result
	}
}

// Close stops every worker of the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Pool) closeLocked() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}
