package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/pkg/errors"
)

var (
	ErrTaskFailed       = errors.New("task failed")
	ErrFlowDeadline     = errors.New("flow deadline exceeded")
	ErrNothingToReduce  = errors.New("nothing to reduce")
	ErrCoordinatorClose = errors.New("coordinator closed")
)

// CoordinatorConfig are the configuration parameters of the flow coordinator.
type CoordinatorConfig struct {
	// MaxTaskRetries is how many times an errored task is added again before
	// its flow fails.
	MaxTaskRetries int
	// FlowDeadline bounds the lifetime of a flow.
	FlowDeadline time.Duration
}

// DefaultCoordinatorConfig contains the default configurations for the coordinator.
var DefaultCoordinatorConfig = CoordinatorConfig{
	MaxTaskRetries: 0,
	FlowDeadline:   2 * time.Minute,
}

func (config *CoordinatorConfig) sanitize(logger *log.Logger) CoordinatorConfig {
	conf := *config
	if conf.MaxTaskRetries < 0 {
		logger.WithFields(log.Fields{
			"provided": conf.MaxTaskRetries,
			"updated":  DefaultCoordinatorConfig.MaxTaskRetries,
		}).Warn("Sanitizing invalid max task retries")
		conf.MaxTaskRetries = DefaultCoordinatorConfig.MaxTaskRetries
	}
	if conf.FlowDeadline <= 0 {
		logger.WithFields(log.Fields{
			"provided": conf.FlowDeadline,
			"updated":  DefaultCoordinatorConfig.FlowDeadline,
		}).Warn("Sanitizing invalid flow deadline")
		conf.FlowDeadline = DefaultCoordinatorConfig.FlowDeadline
	}
	return conf
}

// Coordinator correlates task completions with the flows that issued them.
// It subscribes once to every queue it pushes to and routes results by flow
// id, then by task id.
type Coordinator struct {
	tq     TaskQueue
	config CoordinatorConfig
	logger *log.Logger

	mu     sync.Mutex
	queues map[string]Queue
	flows  map[string]*Flow
}

func NewCoordinator(tq TaskQueue, config CoordinatorConfig, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Global
	}
	return &Coordinator{
		tq:     tq,
		config: (&config).sanitize(logger),
		logger: logger,
		queues: make(map[string]Queue),
		flows:  make(map[string]*Flow),
	}
}

func (c *Coordinator) queue(ctx context.Context, name string) (Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queues == nil {
		return nil, ErrCoordinatorClose
	}
	if q, ok := c.queues[name]; ok {
		return q, nil
	}
	q, err := c.tq.GetQueue(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "get queue %s", name)
	}
	q.OnCompleted(c.route)
	c.queues[name] = q
	return q, nil
}

func (c *Coordinator) route(result TaskPayload) {
	c.mu.Lock()
	f, ok := c.flows[result.FlowID]
	c.mu.Unlock()
	if !ok {
		c.logger.WithFields(log.Fields{
			"queue":  result.Name,
			"flowId": result.FlowID,
			"taskId": result.TaskID,
		}).Debug("Dropping completion of an unknown flow")
		return
	}
	f.deliver(result)
}

// NewFlow starts a flow bounded by the configured deadline.
func (c *Coordinator) NewFlow(ctx context.Context) *Flow {
	ctx, cancel := context.WithTimeout(ctx, c.config.FlowDeadline)
	f := &Flow{
		ID:          common.RandomID(16),
		coordinator: c,
		ctx:         ctx,
		cancel:      cancel,
		waiting:     make(map[string]waiter),
	}
	c.mu.Lock()
	c.flows[f.ID] = f
	c.mu.Unlock()
	return f
}

// Close closes every queue the coordinator subscribed to.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, q := range c.queues {
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.queues = nil
	return first
}

type completion struct {
	pos    int
	result TaskPayload
}

type waiter struct {
	pos  int
	done chan<- completion
}

// Flow is the set of tasks issued for one purpose, typically one block. All
// of its tasks carry its id.
type Flow struct {
	ID string

	coordinator *Coordinator
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.Mutex
	waiting map[string]waiter
}

// Context is cancelled when the flow's deadline passes or it is closed.
func (f *Flow) Context() context.Context {
	return f.ctx
}

// Close detaches the flow. Later completions of its tasks are dropped.
func (f *Flow) Close() {
	f.cancel()
	f.coordinator.mu.Lock()
	delete(f.coordinator.flows, f.ID)
	f.coordinator.mu.Unlock()
	f.mu.Lock()
	f.waiting = make(map[string]waiter)
	f.mu.Unlock()
}

// deliver hands a result to the RunTasks call waiting for it. Each task id is
// delivered once, so redelivered duplicates are ignored.
func (f *Flow) deliver(result TaskPayload) {
	f.mu.Lock()
	w, ok := f.waiting[result.TaskID]
	delete(f.waiting, result.TaskID)
	f.mu.Unlock()
	if ok {
		w.done <- completion{pos: w.pos, result: result}
	}
}

func (f *Flow) submit(q Queue, payload TaskPayload, pos int, done chan<- completion) error {
	payload.TaskID = common.RandomID(8)
	f.mu.Lock()
	f.waiting[payload.TaskID] = waiter{pos: pos, done: done}
	f.mu.Unlock()
	if _, err := q.AddTask(f.ctx, payload); err != nil {
		f.mu.Lock()
		delete(f.waiting, payload.TaskID)
		f.mu.Unlock()
		return errors.Wrapf(err, "add %s task", q.Name())
	}
	return nil
}

func (f *Flow) deadlineError(name string) error {
	if errors.Is(f.ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrFlowDeadline, "flow %s waiting for %s", f.ID, name)
	}
	return f.ctx.Err()
}

// RunTasks pushes one task per input to the task's queue and returns the
// results in input order, whatever order they complete in. An errored task
// is added again with the same payload until the retry budget runs out, at
// which point the whole call fails with ErrTaskFailed.
func RunTasks[I, O any](f *Flow, task Task[I, O], inputs []I) ([]O, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	name := task.Name()
	q, err := f.coordinator.queue(f.ctx, name)
	if err != nil {
		return nil, err
	}
	logger := f.coordinator.logger.WithFields(log.Fields{"flowId": f.ID, "queue": name})

	// every position has at most one task outstanding, and every task
	// completes at most once
	done := make(chan completion, len(inputs))
	payloads := make([]TaskPayload, len(inputs))
	for i, input := range inputs {
		enc, err := task.InputSerializer().ToJSON(input)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s input %d", name, i)
		}
		payloads[i] = TaskPayload{Name: name, Payload: enc, FlowID: f.ID}
		if err := f.submit(q, payloads[i], i, done); err != nil {
			return nil, err
		}
	}

	var (
		results   = make([]O, len(inputs))
		attempts  = make([]int, len(inputs))
		remaining = len(inputs)
	)
	for remaining > 0 {
		select {
		case c := <-done:
			if c.result.Failed() {
				if attempts[c.pos] < f.coordinator.config.MaxTaskRetries {
					attempts[c.pos]++
					logger.WithFields(log.Fields{
						"position": c.pos,
						"attempt":  attempts[c.pos],
						"err":      c.result.Payload,
					}).Warn("Retrying failed task")
					if err := f.submit(q, payloads[c.pos], c.pos, done); err != nil {
						return nil, err
					}
					continue
				}
				return nil, errors.Wrapf(ErrTaskFailed, "%s task %d of flow %s: %s", name, c.pos, f.ID, c.result.Payload)
			}
			out, err := task.ResultSerializer().FromJSON(c.result.Payload)
			if err != nil {
				return nil, errors.Wrapf(ErrTaskFailed, "%s task %d of flow %s: decode result: %v", name, c.pos, f.ID, err)
			}
			results[c.pos] = out
			remaining--
		case <-f.ctx.Done():
			return nil, f.deadlineError(name)
		}
	}
	logger.WithField("tasks", len(inputs)).Debug("Tasks completed")
	return results, nil
}

// Reduce folds items into one through the reduction task. Each round pairs
// neighbours, (0,1), (2,3) and so on, reducing the pairs in parallel; an odd
// last item is carried to the next round unchanged. The relative order of
// items is never changed, so non commutative merges stay correct.
func Reduce[T any](f *Flow, task Task[Pair[T], T], items []T) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrNothingToReduce
	}
	for len(items) > 1 {
		pairs := make([]Pair[T], len(items)/2)
		for i := range pairs {
			pairs[i] = Pair[T]{First: items[2*i], Second: items[2*i+1]}
		}
		reduced, err := RunTasks(f, task, pairs)
		if err != nil {
			return zero, err
		}
		if len(items)%2 == 1 {
			reduced = append(reduced, items[len(items)-1])
		}
		items = reduced
	}
	return items[0], nil
}
