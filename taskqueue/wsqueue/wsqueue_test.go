package wsqueue

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef"

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

func startServer(t *testing.T) (*Server, Config) {
	srv := NewServer(taskqueue.NewLocalTaskQueue(0, nil), Config{Host: "127.0.0.1", Port: 0, Secret: testSecret}, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return srv, Config{Host: host, Port: p, Secret: testSecret}
}

func upper(ctx context.Context, task taskqueue.TaskPayload) taskqueue.TaskPayload {
	task.Payload = task.Payload + "!"
	return task
}

func waitResult(t *testing.T, ch <-chan taskqueue.TaskPayload) taskqueue.TaskPayload {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return taskqueue.TaskPayload{}
	}
}

func TestRemoteWorkerRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, config := startServer(t)

	q, err := srv.GetQueue(ctx, "shout")
	require.NoError(t, err)
	results := make(chan taskqueue.TaskPayload, 1)
	q.OnCompleted(func(r taskqueue.TaskPayload) { results <- r })

	taskID, err := q.AddTask(ctx, taskqueue.TaskPayload{Payload: "hi", FlowID: "flow"})
	require.NoError(t, err)

	client := NewClient(config, "worker-1", nil)
	defer client.Close()
	_, err = client.CreateWorker("shout", upper)
	require.NoError(t, err)

	r := waitResult(t, results)
	require.Equal(t, taskID, r.TaskID)
	require.Equal(t, "flow", r.FlowID)
	require.Equal(t, "hi!", r.Payload)
	require.Equal(t, taskqueue.StatusSuccess, r.Status)
}

// A task leased by a connection that drops is handed to the next worker.
func TestDroppedWorkerRequeues(t *testing.T) {
	ctx := context.Background()
	srv, config := startServer(t)

	q, err := srv.GetQueue(ctx, "shout")
	require.NoError(t, err)
	results := make(chan taskqueue.TaskPayload, 1)
	q.OnCompleted(func(r taskqueue.TaskPayload) { results <- r })
	taskID, err := q.AddTask(ctx, taskqueue.TaskPayload{Payload: "again", FlowID: "flow"})
	require.NoError(t, err)

	token, err := NewWorkerToken(testSecret, "flaky", time.Minute)
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+queuePathPrefix+"shout", header)
	require.NoError(t, err)
	var leased taskqueue.TaskPayload
	require.NoError(t, conn.ReadJSON(&leased))
	require.Equal(t, taskID, leased.TaskID)
	require.NoError(t, conn.Close())

	client := NewClient(config, "steady", nil)
	defer client.Close()
	_, err = client.CreateWorker("shout", upper)
	require.NoError(t, err)

	r := waitResult(t, results)
	require.Equal(t, taskID, r.TaskID)
	require.Equal(t, "again!", r.Payload)
}

func TestWorkerTokens(t *testing.T) {
	request := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/queues/x", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return r
	}

	good, err := NewWorkerToken(testSecret, "w", time.Minute)
	require.NoError(t, err)
	id, err := verifyWorkerToken(testSecret, request(good))
	require.NoError(t, err)
	require.Equal(t, "w", id)

	_, err = verifyWorkerToken(testSecret, request(""))
	require.ErrorIs(t, err, ErrUnauthorized)

	forged, err := NewWorkerToken("other secret", "w", time.Minute)
	require.NoError(t, err)
	_, err = verifyWorkerToken(testSecret, request(forged))
	require.ErrorIs(t, err, ErrUnauthorized)

	expired, err := NewWorkerToken(testSecret, "w", -time.Minute)
	require.NoError(t, err)
	_, err = verifyWorkerToken(testSecret, request(expired))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	srv, _ := startServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+queuePathPrefix+"shout", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
