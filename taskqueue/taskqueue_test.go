package taskqueue

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

// concatTask joins its pair, which makes the result depend on operand order.
type concatTask struct {
	jitter bool
	fail   func(in Pair[string]) bool
}

func (concatTask) Name() string                      { return "concat" }
func (concatTask) Prepare(ctx context.Context) error { return nil }
func (concatTask) InputSerializer() Serializer[Pair[string]] {
	return JSONSerializer[Pair[string]]{}
}
func (concatTask) ResultSerializer() Serializer[string] { return JSONSerializer[string]{} }

func (t concatTask) Compute(ctx context.Context, in Pair[string]) (string, error) {
	if t.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	if t.fail != nil && t.fail(in) {
		return "", errors.New("boom")
	}
	return in.First + in.Second, nil
}

func startWorkers(t *testing.T, tq TaskQueue, r Runnable, n int) {
	for i := 0; i < n; i++ {
		w, err := tq.CreateWorker(r.Name(), r.Handle)
		require.NoError(t, err)
		t.Cleanup(func() { w.Close() })
	}
}

func newTestCoordinator(t *testing.T, config CoordinatorConfig) (*LocalTaskQueue, *Coordinator) {
	tq := NewLocalTaskQueue(0, nil)
	t.Cleanup(func() { tq.Close() })
	return tq, NewCoordinator(tq, config, nil)
}

func TestReducePreservesOrder(t *testing.T) {
	tq, c := newTestCoordinator(t, DefaultCoordinatorConfig)
	task := concatTask{jitter: true}
	startWorkers(t, tq, Bind[Pair[string], string](task), 4)

	letters := strings.Split("abcdefgh", "")
	for _, n := range []int{1, 2, 3, 5, 8} {
		f := c.NewFlow(context.Background())
		got, err := Reduce[string](f, task, letters[:n])
		f.Close()
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, strings.Join(letters[:n], ""), got, "n=%d", n)
	}
}

func TestReduceEmpty(t *testing.T) {
	_, c := newTestCoordinator(t, DefaultCoordinatorConfig)
	f := c.NewFlow(context.Background())
	defer f.Close()
	_, err := Reduce[string](f, concatTask{}, nil)
	require.ErrorIs(t, err, ErrNothingToReduce)
}

func TestRunTasksHeldUntilWorker(t *testing.T) {
	tq, c := newTestCoordinator(t, DefaultCoordinatorConfig)
	task := concatTask{}
	f := c.NewFlow(context.Background())
	defer f.Close()

	type out struct {
		res []string
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := RunTasks[Pair[string], string](f, task, []Pair[string]{{"a", "b"}, {"c", "d"}})
		ch <- out{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	startWorkers(t, tq, Bind[Pair[string], string](task), 1)

	r := <-ch
	require.NoError(t, r.err)
	require.Equal(t, []string{"ab", "cd"}, r.res)
}

func TestRunTasksRetries(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	failOnce := func(in Pair[string]) bool {
		mu.Lock()
		defer mu.Unlock()
		seen[in.First]++
		return seen[in.First] == 1
	}

	tq, c := newTestCoordinator(t, CoordinatorConfig{MaxTaskRetries: 1, FlowDeadline: time.Minute})
	task := concatTask{fail: failOnce}
	startWorkers(t, tq, Bind[Pair[string], string](task), 2)

	f := c.NewFlow(context.Background())
	defer f.Close()
	res, err := RunTasks[Pair[string], string](f, task, []Pair[string]{{"a", "1"}, {"b", "2"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b2"}, res)
}

func TestRunTasksFailsWithoutRetries(t *testing.T) {
	tq, c := newTestCoordinator(t, DefaultCoordinatorConfig)
	task := concatTask{fail: func(in Pair[string]) bool { return in.First == "x" }}
	startWorkers(t, tq, Bind[Pair[string], string](task), 1)

	f := c.NewFlow(context.Background())
	defer f.Close()
	_, err := RunTasks[Pair[string], string](f, task, []Pair[string]{{"a", "1"}, {"x", "2"}})
	require.ErrorIs(t, err, ErrTaskFailed)
	require.Contains(t, err.Error(), "boom")
}

func TestFlowDeadline(t *testing.T) {
	_, c := newTestCoordinator(t, CoordinatorConfig{FlowDeadline: 30 * time.Millisecond})
	f := c.NewFlow(context.Background())
	defer f.Close()
	_, err := RunTasks[Pair[string], string](f, concatTask{}, []Pair[string]{{"a", "b"}})
	require.ErrorIs(t, err, ErrFlowDeadline)
}

func TestRunHandlerRecoversPanics(t *testing.T) {
	task := TaskPayload{Name: "q", FlowID: "f", TaskID: "t", Payload: "{}"}
	res := RunHandler(context.Background(), func(ctx context.Context, p TaskPayload) TaskPayload {
		panic("bad")
	}, task, log.Global)
	require.True(t, res.Failed())
	require.Equal(t, "f", res.FlowID)
	require.Equal(t, "t", res.TaskID)

	res = RunHandler(context.Background(), func(ctx context.Context, p TaskPayload) TaskPayload {
		return TaskPayload{Payload: "ok"}
	}, task, log.Global)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "q", res.Name)
}

func TestLocalQueueFIFOAndRequeue(t *testing.T) {
	ctx := context.Background()
	tq := NewLocalTaskQueue(0, nil)
	defer tq.Close()
	q, err := tq.GetQueue(ctx, "fifo")
	require.NoError(t, err)
	for _, p := range []string{"1", "2", "3"} {
		_, err := q.AddTask(ctx, TaskPayload{Payload: p, FlowID: "f"})
		require.NoError(t, err)
	}
	first, err := tq.Take(ctx, "fifo")
	require.NoError(t, err)
	require.Equal(t, "1", first.Payload)
	require.Equal(t, "fifo", first.Name)

	tq.Requeue(first)
	again, err := tq.Take(ctx, "fifo")
	require.NoError(t, err)
	require.Equal(t, first.TaskID, again.TaskID)

	second, err := tq.Take(ctx, "fifo")
	require.NoError(t, err)
	require.Equal(t, "2", second.Payload)

	require.NoError(t, tq.Close())
	_, err = tq.Take(ctx, "fifo")
	require.ErrorIs(t, err, ErrQueueClosed)
}
