// Package sequencer composes the sequencing components into one node. The
// composition root builds every component and hands the sequencer a static
// table of modules; the sequencer owns their lifecycle.
package sequencer

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/mempool"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/pkg/errors"
)

const stopTimeout = 5 * time.Second

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyStarted     = errors.New("sequencer already started")
	// ErrStopped is returned by Start once the sequencer has been stopped.
	// Modules release their resources on Stop, so a sequencer runs once.
	ErrStopped = errors.New("sequencer stopped")
)

// Sequencer accepts transactions and runs the modules that turn them into
// blocks.
type Sequencer struct {
	registry  *Registry
	modules   []Module
	mempool   *mempool.Mempool
	validator *runtime.Validator
	logger    *log.Logger

	mu      sync.Mutex
	started []Module
	running bool
	stopped bool
}

// New creates a sequencer over the given modules, started in table order.
// A nil registry gets a fresh one.
func New(registry *Registry, pool *mempool.Mempool, validator *runtime.Validator, modules []Module, logger *log.Logger) *Sequencer {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = log.Global
	}
	return &Sequencer{
		registry:  registry,
		modules:   modules,
		mempool:   pool,
		validator: validator,
		logger:    logger,
	}
}

func (s *Sequencer) Registry() *Registry { return s.registry }

// Start registers the dependencies of every module and starts it. If a
// module fails to start the ones already running are stopped again. A
// sequencer cannot be restarted: Start after Stop or a failed Start returns
// ErrStopped.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStopped
	}
	for _, m := range s.modules {
		for key, dep := range m.Dependencies() {
			if err := s.registry.Register(key, dep); err != nil {
				s.stopLocked()
				return errors.Wrapf(err, "module %s", m.Name())
			}
		}
		start := time.Now()
		if err := m.Start(ctx); err != nil {
			s.stopLocked()
			return errors.Wrapf(err, "start module %s", m.Name())
		}
		s.started = append(s.started, m)
		s.logger.WithFields(log.Fields{
			"module":  m.Name(),
			"elapsed": common.PrettyDuration(time.Since(start)),
		}).Info("Started module")
	}
	s.running = true
	return nil
}

// Stop stops the started modules in reverse order.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return s.stopLocked()
}

func (s *Sequencer) stopLocked() error {
	s.stopped = true
	var allErrors []error
	for i := len(s.started) - 1; i >= 0; i-- {
		m := s.started[i]
		stopper, ok := m.(Stopper)
		if !ok {
			continue
		}
		if err := stopWithTimeout(stopper, stopTimeout); err != nil {
			s.logger.WithFields(log.Fields{"module": m.Name(), "err": err}).Error("Error during shutdown")
			allErrors = append(allErrors, err)
			continue
		}
		s.logger.WithField("module", m.Name()).Debug("Stopped module")
	}
	s.started = nil
	if len(allErrors) > 0 {
		return errors.Errorf("errors during shutdown: %v", allErrors)
	}
	return nil
}

func stopWithTimeout(stopper Stopper, timeout time.Duration) error {
	errs := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Global.WithFields(log.Fields{
					"error":      r,
					"stacktrace": string(debug.Stack()),
				}).Error("Module panicked during shutdown")
				errs <- errors.Errorf("panic: %v", r)
			}
		}()
		errs <- stopper.Stop()
	}()
	select {
	case err := <-errs:
		return err
	case <-time.After(timeout):
		return errors.New("timeout during shutdown")
	}
}

// SubmitTransaction validates tx and hands it to the mempool. Validation
// failures are returned as ErrInvalidTransaction; a valid transaction the
// mempool does not admit (duplicate, full pool) is reported with
// admitted false and no error.
func (s *Sequencer) SubmitTransaction(tx *types.PendingTransaction) (commitment common.Hash, admitted bool, err error) {
	if ok, reason := s.validator.Validate(tx); !ok {
		return s.mempool.Commitment(), false, errors.Wrap(ErrInvalidTransaction, reason)
	}
	commitment, admitted = s.mempool.Add(tx)
	return commitment, admitted, nil
}
