package worker

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

type doubleTask struct {
	calls    atomic.Int32
	prepared atomic.Bool
}

func (t *doubleTask) Name() string { return "double" }
func (t *doubleTask) Prepare(ctx context.Context) error {
	t.prepared.Store(true)
	return nil
}
func (t *doubleTask) Compute(ctx context.Context, in int) (int, error) {
	t.calls.Add(1)
	if in < 0 {
		return 0, errors.New("negative")
	}
	return 2 * in, nil
}
func (t *doubleTask) InputSerializer() taskqueue.Serializer[int]  { return taskqueue.JSONSerializer[int]{} }
func (t *doubleTask) ResultSerializer() taskqueue.Serializer[int] { return taskqueue.JSONSerializer[int]{} }

func collect(t *testing.T, q taskqueue.Queue) <-chan taskqueue.TaskPayload {
	ch := make(chan taskqueue.TaskPayload, 8)
	q.OnCompleted(func(r taskqueue.TaskPayload) { ch <- r })
	return ch
}

func next(t *testing.T, ch <-chan taskqueue.TaskPayload) taskqueue.TaskPayload {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return taskqueue.TaskPayload{}
	}
}

func TestPoolDedupesRedelivery(t *testing.T) {
	ctx := context.Background()
	tq := taskqueue.NewLocalTaskQueue(0, nil)
	defer tq.Close()

	task := new(doubleTask)
	pool, err := NewPool(tq, DefaultConfig, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Register(taskqueue.Bind[int, int](task)))
	require.NoError(t, pool.Start(ctx))
	defer pool.Close()
	require.True(t, task.prepared.Load())

	q, err := tq.GetQueue(ctx, "double")
	require.NoError(t, err)
	results := collect(t, q)

	for i := 0; i < 2; i++ {
		_, err := q.AddTask(ctx, taskqueue.TaskPayload{TaskID: "same", Payload: "21", FlowID: "f"})
		require.NoError(t, err)
		r := next(t, results)
		require.Equal(t, "42", r.Payload)
		require.Equal(t, "same", r.TaskID)
	}
	require.Equal(t, int32(1), task.calls.Load())

	// failures are computed again on redelivery
	for i := 0; i < 2; i++ {
		_, err := q.AddTask(ctx, taskqueue.TaskPayload{TaskID: "bad", Payload: "-1", FlowID: "f"})
		require.NoError(t, err)
		require.True(t, next(t, results).Failed())
	}
	require.Equal(t, int32(3), task.calls.Load())
}

func TestPoolRegistration(t *testing.T) {
	tq := taskqueue.NewLocalTaskQueue(0, nil)
	defer tq.Close()
	pool, err := NewPool(tq, Config{Concurrency: 0}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.Concurrency, pool.config.Concurrency)

	task := new(doubleTask)
	require.NoError(t, pool.Register(taskqueue.Bind[int, int](task)))
	require.ErrorIs(t, pool.Register(taskqueue.Bind[int, int](task)), ErrDuplicateTask)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Close()
	require.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)
}
