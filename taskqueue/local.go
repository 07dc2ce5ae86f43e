package taskqueue

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// LocalTaskQueue runs queues and workers inside the sequencer process. Every
// registered worker is one goroutine pulling from its queue. It also serves as
// the broker behind remote transports, which lease tasks with Take and hand
// results back with Complete.
type LocalTaskQueue struct {
	simulatedDuration time.Duration
	logger            *log.Logger

	mu     sync.Mutex
	queues map[string]*localQueue
	done   chan struct{}
	closed bool

	pendingGauge *prometheus.GaugeVec
}

// NewLocalTaskQueue creates an in-process task queue. A non zero
// simulatedDuration delays every task by that much before its handler runs.
func NewLocalTaskQueue(simulatedDuration time.Duration, logger *log.Logger) *LocalTaskQueue {
	if logger == nil {
		logger = log.Global
	}
	return &LocalTaskQueue{
		simulatedDuration: simulatedDuration,
		logger:            logger,
		queues:            make(map[string]*localQueue),
		done:              make(chan struct{}),
		pendingGauge:      metrics_config.NewGaugeVec("taskqueue_pending", "Tasks waiting for a worker per queue"),
	}
}

// SimulatedDuration returns the delay added to every task.
func (q *LocalTaskQueue) SimulatedDuration() time.Duration { return q.simulatedDuration }

type localQueue struct {
	name   string
	parent *LocalTaskQueue

	mu        sync.Mutex
	tasks     []TaskPayload
	ready     chan struct{} // closed and replaced whenever a task is pushed
	callbacks []CompletionCallback
}

func (q *LocalTaskQueue) queue(name string) (*localQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	lq, ok := q.queues[name]
	if !ok {
		lq = &localQueue{name: name, parent: q, ready: make(chan struct{})}
		q.queues[name] = lq
	}
	return lq, nil
}

func (q *LocalTaskQueue) GetQueue(ctx context.Context, name string) (Queue, error) {
	return q.queue(name)
}

// CreateWorker starts a goroutine executing tasks of the named queue until the
// returned closer is closed.
func (q *LocalTaskQueue) CreateWorker(name string, handler Handler) (io.Closer, error) {
	lq, err := q.queue(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &localWorker{cancel: cancel, exited: make(chan struct{})}
	go func() {
		defer close(w.exited)
		for {
			task, err := lq.take(ctx)
			if err != nil {
				return
			}
			if q.simulatedDuration > 0 {
				select {
				case <-time.After(q.simulatedDuration):
				case <-ctx.Done():
					lq.requeue(task)
					return
				}
			}
			lq.complete(RunHandler(ctx, handler, task, q.logger))
		}
	}()
	q.logger.WithField("queue", name).Debug("Local worker registered")
	return w, nil
}

// Take blocks until a task of the named queue is available and removes it.
func (q *LocalTaskQueue) Take(ctx context.Context, name string) (TaskPayload, error) {
	lq, err := q.queue(name)
	if err != nil {
		return TaskPayload{}, err
	}
	return lq.take(ctx)
}

// Requeue puts a leased task back at the head of its queue.
func (q *LocalTaskQueue) Requeue(task TaskPayload) {
	if lq, err := q.queue(task.Name); err == nil {
		lq.requeue(task)
	}
}

// Complete delivers the result of a leased task to the queue's callbacks.
func (q *LocalTaskQueue) Complete(result TaskPayload) {
	if lq, err := q.queue(result.Name); err == nil {
		lq.complete(result)
	}
}

// Close stops handing out tasks. Blocked Take calls return ErrQueueClosed.
func (q *LocalTaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (lq *localQueue) Name() string { return lq.name }

// AddTask appends payload to the queue. The payload's name is forced to the
// queue name and a task id is minted when missing.
func (lq *localQueue) AddTask(ctx context.Context, payload TaskPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload.Name = lq.name
	if payload.TaskID == "" {
		payload.TaskID = common.RandomID(8)
	}
	payload.Status = ""
	lq.mu.Lock()
	lq.tasks = append(lq.tasks, payload)
	lq.signal()
	lq.mu.Unlock()
	return payload.TaskID, nil
}

func (lq *localQueue) OnCompleted(cb CompletionCallback) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.callbacks = append(lq.callbacks, cb)
}

// Close drops the queue's callbacks. Queued tasks stay for other users of
// the same queue name.
func (lq *localQueue) Close() error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.callbacks = nil
	return nil
}

// signal wakes every waiting taker. Callers hold lq.mu.
func (lq *localQueue) signal() {
	close(lq.ready)
	lq.ready = make(chan struct{})
	lq.parent.pendingGauge.WithLabelValues(lq.name).Set(float64(len(lq.tasks)))
}

func (lq *localQueue) take(ctx context.Context) (TaskPayload, error) {
	for {
		lq.mu.Lock()
		if len(lq.tasks) > 0 {
			task := lq.tasks[0]
			lq.tasks[0] = TaskPayload{}
			lq.tasks = lq.tasks[1:]
			lq.parent.pendingGauge.WithLabelValues(lq.name).Set(float64(len(lq.tasks)))
			lq.mu.Unlock()
			return task, nil
		}
		ready := lq.ready
		lq.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return TaskPayload{}, ctx.Err()
		case <-lq.parent.done:
			return TaskPayload{}, ErrQueueClosed
		}
	}
}

func (lq *localQueue) requeue(task TaskPayload) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.tasks = append([]TaskPayload{task}, lq.tasks...)
	lq.signal()
}

func (lq *localQueue) complete(result TaskPayload) {
	lq.mu.Lock()
	callbacks := append([]CompletionCallback(nil), lq.callbacks...)
	lq.mu.Unlock()
	for _, cb := range callbacks {
		cb(result)
	}
}

type localWorker struct {
	cancel context.CancelFunc
	exited chan struct{}
}

func (w *localWorker) Close() error {
	w.cancel()
	<-w.exited
	return nil
}

// RunHandler runs handler on task and normalizes its result: the name, flow
// and task ids of the input are kept, a missing status counts as success and a
// panic becomes an error result.
func RunHandler(ctx context.Context, handler Handler, task TaskPayload, logger *log.Logger) (result TaskPayload) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(log.Fields{
				"queue":  task.Name,
				"flowId": task.FlowID,
				"taskId": task.TaskID,
				"panic":  r,
			}).Error("Task handler panicked")
			result = errorResult(task, errors.Errorf("handler panicked: %v", r))
		}
	}()
	result = handler(ctx, task)
	result.Name, result.FlowID, result.TaskID = task.Name, task.FlowID, task.TaskID
	if result.Status == "" {
		result.Status = StatusSuccess
	}
	return result
}
