// Package taskqueue distributes pipeline work to workers. A TaskQueue hands
// out named queues to the sequencer and lets workers register handlers on
// them; a Flow groups the tasks of one block production cycle.
package taskqueue

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	ErrQueueClosed  = errors.New("queue closed")
	ErrNotSupported = errors.New("operation not supported by this task queue")
)

// TaskPayload is the unit travelling between the sequencer and workers. The
// same shape carries the task input and, with Status set, its result.
type TaskPayload struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
	FlowID  string `json:"flowId"`
	TaskID  string `json:"taskId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Failed reports whether the payload is an error result.
func (p TaskPayload) Failed() bool {
	return p.Status == StatusError
}

// Handler computes the result of a task. Delivery is at least once, so
// handlers must be idempotent.
type Handler func(ctx context.Context, task TaskPayload) TaskPayload

// CompletionCallback is invoked with the result of every completed task.
type CompletionCallback func(result TaskPayload)

// Queue is one named FIFO queue.
type Queue interface {
	Name() string
	AddTask(ctx context.Context, payload TaskPayload) (string, error)
	OnCompleted(cb CompletionCallback)
	Close() error
}

// TaskQueue creates queues and registers workers on them. Tasks added before
// any worker registers are held until one does.
type TaskQueue interface {
	GetQueue(ctx context.Context, name string) (Queue, error)
	CreateWorker(name string, handler Handler) (io.Closer, error)
	Close() error
}

// Serializer converts task inputs and results to and from the payload string.
type Serializer[T any] interface {
	ToJSON(v T) (string, error)
	FromJSON(s string) (T, error)
}

// JSONSerializer is a Serializer for any json encodable type.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) ToJSON(v T) (string, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func (JSONSerializer[T]) FromJSON(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// Task is a pipeline stage executed by workers.
type Task[I, O any] interface {
	Name() string
	Prepare(ctx context.Context) error
	Compute(ctx context.Context, input I) (O, error)
	InputSerializer() Serializer[I]
	ResultSerializer() Serializer[O]
}

// Pair is the input of a reduction task.
type Pair[T any] struct {
	First  T `json:"first"`
	Second T `json:"second"`
}

// Runnable is a task with its types erased, as registered with a worker.
type Runnable interface {
	Name() string
	Prepare(ctx context.Context) error
	Handle(ctx context.Context, task TaskPayload) TaskPayload
}

type boundTask[I, O any] struct {
	Task[I, O]
}

// Bind erases the types of task so workers can run it from payloads.
func Bind[I, O any](task Task[I, O]) Runnable {
	return boundTask[I, O]{task}
}

func (b boundTask[I, O]) Handle(ctx context.Context, task TaskPayload) TaskPayload {
	result := task
	input, err := b.InputSerializer().FromJSON(task.Payload)
	if err != nil {
		return errorResult(task, errors.Wrap(err, "decode input"))
	}
	output, err := b.Compute(ctx, input)
	if err != nil {
		return errorResult(task, err)
	}
	if result.Payload, err = b.ResultSerializer().ToJSON(output); err != nil {
		return errorResult(task, errors.Wrap(err, "encode result"))
	}
	result.Status = StatusSuccess
	return result
}

func errorResult(task TaskPayload, err error) TaskPayload {
	task.Payload = err.Error()
	task.Status = StatusError
	return task
}
