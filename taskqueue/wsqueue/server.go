// Package wsqueue carries the task queue protocol over websockets so workers
// can run in other processes. The sequencer runs the Server; remote worker
// processes run a Client.
//
// A worker connects to /queues/<name> with a bearer token and is then sent
// one task at a time as a JSON TaskPayload, answering each with its result.
package wsqueue

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	queuePathPrefix = "/queues/"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config are the configuration parameters of the server and its clients.
type Config struct {
	Host   string
	Port   int
	Secret string
}

var DefaultConfig = Config{
	Host: "127.0.0.1",
	Port: 8547,
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server is a TaskQueue whose queues are drained by remote workers as well as
// any local ones. Tasks are brokered by a LocalTaskQueue; a connection leases
// one task at a time and puts it back at the head of its queue if it drops
// before answering.
type Server struct {
	*taskqueue.LocalTaskQueue

	config   Config
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(broker *taskqueue.LocalTaskQueue, config Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Global
	}
	if config.Secret == "" {
		logger.Warn("Task queue secret is empty, remote workers are not authenticated")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		LocalTaskQueue: broker,
		config:         config,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens on the configured address and serves workers in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return errors.Wrap(err, "listen for workers")
	}
	mux := http.NewServeMux()
	mux.Handle(queuePathPrefix, s)
	s.mu.Lock()
	s.listener = listener
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: writeWait}
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("err", err).Error("Task queue server stopped")
		}
	}()
	s.logger.WithField("addr", listener.Addr().String()).Info("Task queue server started")
	return nil
}

// Addr is the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr()
	}
	return s.listener.Addr().String()
}

// ServeHTTP upgrades an authenticated worker connection and feeds it tasks
// of the queue named by the path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, queuePathPrefix)
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	workerID := r.RemoteAddr
	if s.config.Secret != "" {
		id, err := verifyWorkerToken(s.config.Secret, r)
		if err != nil {
			s.logger.WithFields(log.Fields{"remote": r.RemoteAddr, "err": err}).Warn("Rejecting worker")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		workerID = id
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("err", err).Error("Worker upgrade failed")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveWorker(conn, name, workerID)
	}()
}

func (s *Server) serveWorker(conn *websocket.Conn, name, workerID string) {
	logger := s.logger.WithFields(log.Fields{"queue": name, "worker": workerID})
	logger.Info("Remote worker connected")
	defer logger.Info("Remote worker disconnected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer conn.Close()

	results := make(chan taskqueue.TaskPayload)
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			var result taskqueue.TaskPayload
			if err := conn.ReadJSON(&result); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.WithField("err", err).Debug("Worker read failed")
				}
				return
			}
			select {
			case results <- result:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		task, err := s.Take(ctx, name)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(task); err != nil {
			logger.WithFields(log.Fields{"taskId": task.TaskID, "err": err}).Warn("Requeueing task of a failed worker")
			s.Requeue(task)
			return
		}
		if !s.awaitResult(ctx, results, task, logger) {
			return
		}
	}
}

// awaitResult waits for the answer to the task in flight on a connection. A
// task whose connection drops first goes back to the head of its queue.
func (s *Server) awaitResult(ctx context.Context, results <-chan taskqueue.TaskPayload, task taskqueue.TaskPayload, logger *log.Entry) bool {
	for {
		select {
		case result := <-results:
			if result.TaskID != task.TaskID {
				logger.WithField("taskId", result.TaskID).Debug("Ignoring result of a task not in flight")
				continue
			}
			result.Name, result.FlowID = task.Name, task.FlowID
			s.Complete(result)
			return true
		case <-ctx.Done():
			logger.WithField("taskId", task.TaskID).Warn("Requeueing task of a dropped worker")
			s.Requeue(task)
			return false
		}
	}
}

// Close stops the server, drops worker connections and closes the broker.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.wg.Wait()
	if cerr := s.LocalTaskQueue.Close(); err == nil {
		err = cerr
	}
	return err
}
