package wsqueue

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	tokenTTL       = 24 * time.Hour
	minReconnect   = 500 * time.Millisecond
	maxReconnect   = 30 * time.Second
	handshakeLimit = 10 * time.Second
)

// Client is the worker side TaskQueue. It can only create workers; each one
// keeps a connection to the server open, reconnecting with backoff, and
// executes the tasks it is sent.
type Client struct {
	config   Config
	workerID string
	logger   *log.Logger
	dialer   websocket.Dialer

	mu      sync.Mutex
	workers []*remoteWorker
}

func NewClient(config Config, workerID string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Global
	}
	return &Client{
		config:   config,
		workerID: workerID,
		logger:   logger,
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeLimit},
	}
}

// GetQueue is not available to workers.
func (c *Client) GetQueue(ctx context.Context, name string) (taskqueue.Queue, error) {
	return nil, taskqueue.ErrNotSupported
}

func (c *Client) queueURL(name string) string {
	u := url.URL{Scheme: "ws", Host: c.config.Addr(), Path: queuePathPrefix + name}
	return u.String()
}

func (c *Client) header() (http.Header, error) {
	header := make(http.Header)
	if c.config.Secret == "" {
		return header, nil
	}
	token, err := NewWorkerToken(c.config.Secret, c.workerID, tokenTTL)
	if err != nil {
		return nil, errors.Wrap(err, "sign worker token")
	}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// CreateWorker connects a worker for the named queue. It returns once the
// worker loop is running; connection failures are retried in the background.
func (c *Client) CreateWorker(name string, handler taskqueue.Handler) (io.Closer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &remoteWorker{cancel: cancel, exited: make(chan struct{})}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()

	go func() {
		defer close(w.exited)
		logger := c.logger.WithFields(log.Fields{"queue": name, "server": c.config.Addr()})
		backoff := minReconnect
		for {
			err := c.serve(ctx, name, handler, logger)
			if ctx.Err() != nil {
				return
			}
			logger.WithFields(log.Fields{"err": err, "retry": backoff}).Warn("Worker connection lost")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(2*backoff, maxReconnect)
		}
	}()
	return w, nil
}

func (c *Client) serve(ctx context.Context, name string, handler taskqueue.Handler, logger *log.Entry) error {
	header, err := c.header()
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.queueURL(name), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.Wrap(ErrUnauthorized, "server rejected worker token")
		}
		return errors.Wrap(err, "dial task queue")
	}
	defer conn.Close()
	logger.Info("Worker connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	// reads happen on their own goroutine so pings are answered while a
	// task is computing
	tasks := make(chan taskqueue.TaskPayload)
	readErr := make(chan error, 1)
	go func() {
		for {
			var task taskqueue.TaskPayload
			if err := conn.ReadJSON(&task); err != nil {
				readErr <- err
				return
			}
			select {
			case tasks <- task:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case task := <-tasks:
			result := taskqueue.RunHandler(connCtx, handler, task, c.logger)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(result); err != nil {
				return errors.Wrap(err, "send result")
			}
		case err := <-readErr:
			return err
		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// Close stops every worker of the client.
func (c *Client) Close() error {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
	return nil
}

type remoteWorker struct {
	cancel context.CancelFunc
	exited chan struct{}
}

func (w *remoteWorker) Close() error {
	w.cancel()
	<-w.exited
	return nil
}
