// Package trigger decides when blocks are produced. Every trigger goes
// through the producer's overlap guard, so a trigger firing while a cycle is
// in flight does nothing.
package trigger

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dominant-strategies/go-sequencer/core/production"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Manual = "manual"
	Timed  = "timed"
	Event  = "event"
)

var (
	ErrUnknownTrigger = errors.New("unknown block trigger")
	ErrStarted        = errors.New("trigger already started")
)

// Producer is the view of the block producer triggers need.
type Producer interface {
	IsProducingBlock() bool
	ProduceBlock(ctx context.Context) (*types.Block, error)
	LastCycleDuration() time.Duration
}

// Settlement is run on the settlement tick of the timed trigger.
type Settlement interface {
	Settle(ctx context.Context) error
}

// Trigger is a source of block production cycles.
type Trigger interface {
	Start(ctx context.Context) error
	Stop() error
}

var skippedCounter = metrics_config.NewCounterVec("trigger_skipped", "Trigger firings skipped while a cycle was in flight", "trigger")

// fire runs one cycle unless one is already in flight. A cycle started by
// someone else between the check and the call is reported by the producer
// and ignored here.
func fire(ctx context.Context, p Producer, name string, logger *log.Logger) (*types.Block, error) {
	if p.IsProducingBlock() {
		skippedCounter.WithLabelValues(name).Inc()
		logger.WithField("trigger", name).Debug("Block production in flight, skipping")
		return nil, nil
	}
	block, err := p.ProduceBlock(ctx)
	if errors.Is(err, production.ErrProductionInFlight) {
		skippedCounter.WithLabelValues(name).Inc()
		return nil, nil
	}
	return block, err
}

// ManualTrigger produces a block whenever asked.
type ManualTrigger struct {
	producer Producer
	logger   *log.Logger
}

func NewManualTrigger(producer Producer, logger *log.Logger) *ManualTrigger {
	if logger == nil {
		logger = log.Global
	}
	return &ManualTrigger{producer: producer, logger: logger}
}

// ProduceBlock runs one cycle and returns its block. It returns nil without
// error when a cycle is already in flight or there was nothing to produce.
func (t *ManualTrigger) ProduceBlock(ctx context.Context) (*types.Block, error) {
	return fire(ctx, t.producer, Manual, t.logger)
}

func (t *ManualTrigger) Start(ctx context.Context) error { return nil }
func (t *ManualTrigger) Stop() error                     { return nil }

// loop is the goroutine bookkeeping shared by the looping triggers.
type loop struct {
	mu     sync.Mutex
	exitCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

func (l *loop) start(ctx context.Context, run func(ctx context.Context, exit <-chan struct{})) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exitCh != nil {
		return ErrStarted
	}
	exit := make(chan struct{})
	l.exitCh = exit
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithFields(log.Fields{
					"error":      r,
					"stacktrace": string(debug.Stack()),
				}).Error("Trigger loop panicked")
			}
		}()
		// stopping the trigger never cancels a cycle in flight
		run(context.WithoutCancel(ctx), exit)
	}()
	return nil
}

// stop ends the loop and waits for the cycle in flight, if any.
func (l *loop) stop() error {
	l.mu.Lock()
	if l.exitCh != nil {
		close(l.exitCh)
		l.exitCh = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// TimedConfig are the cadences of the timed trigger.
type TimedConfig struct {
	BlockInterval      time.Duration
	SettlementInterval time.Duration // zero disables settlement ticks
}

var DefaultTimedConfig = TimedConfig{
	BlockInterval:      5 * time.Second,
	SettlementInterval: 30 * time.Second,
}

func (config *TimedConfig) sanitize(logger *log.Logger) TimedConfig {
	conf := *config
	if conf.BlockInterval <= 0 {
		logger.WithFields(log.Fields{
			"provided": conf.BlockInterval,
			"updated":  DefaultTimedConfig.BlockInterval,
		}).Warn("Sanitizing invalid block interval")
		conf.BlockInterval = DefaultTimedConfig.BlockInterval
	}
	if conf.SettlementInterval < 0 {
		conf.SettlementInterval = 0
	}
	return conf
}

// TimedTrigger produces a block every BlockInterval. The wait after a cycle
// is the interval minus the time that cycle took, so a slow cycle is
// followed by the next one immediately rather than queueing up ticks.
type TimedTrigger struct {
	loop
	producer   Producer
	settlement Settlement
	config     TimedConfig

	settleTimer prometheus.Histogram
}

// NewTimedTrigger creates a timed trigger. settlement may be nil.
func NewTimedTrigger(producer Producer, settlement Settlement, config TimedConfig, logger *log.Logger) *TimedTrigger {
	if logger == nil {
		logger = log.Global
	}
	return &TimedTrigger{
		loop:        loop{logger: logger},
		producer:    producer,
		settlement:  settlement,
		config:      (&config).sanitize(logger),
		settleTimer: metrics_config.NewHistogram("settlement_seconds", "Duration of settlement runs"),
	}
}

// nextWait is max(0, interval - lastCycle).
func nextWait(interval, lastCycle time.Duration) time.Duration {
	return max(0, interval-lastCycle)
}

func (t *TimedTrigger) Start(ctx context.Context) error {
	return t.loop.start(ctx, t.run)
}

func (t *TimedTrigger) Stop() error { return t.loop.stop() }

func (t *TimedTrigger) run(ctx context.Context, exit <-chan struct{}) {
	blockTimer := time.NewTimer(t.config.BlockInterval)
	defer blockTimer.Stop()

	var settleCh <-chan time.Time
	if t.settlement != nil && t.config.SettlementInterval > 0 {
		ticker := time.NewTicker(t.config.SettlementInterval)
		defer ticker.Stop()
		settleCh = ticker.C
	}

	for {
		select {
		case <-blockTimer.C:
			if _, err := fire(ctx, t.producer, Timed, t.logger); err != nil {
				t.logger.WithField("err", err).Warn("Timed block production failed")
			}
			blockTimer.Reset(nextWait(t.config.BlockInterval, t.producer.LastCycleDuration()))
		case <-settleCh:
			start := time.Now()
			if err := t.settlement.Settle(ctx); err != nil {
				t.logger.WithField("err", err).Warn("Settlement failed")
			}
			t.settleTimer.Observe(time.Since(start).Seconds())
		case <-exit:
			return
		}
	}
}

// EventTrigger produces a block for every signal received on its channel.
// Its cycles run one at a time: a signal sent during a cycle stays buffered
// in the channel and fires once that cycle ends. With a 1-buffered channel
// and non-blocking sends a burst collapses into a single follow-up cycle.
type EventTrigger struct {
	loop
	producer Producer
	events   <-chan struct{}
}

func NewEventTrigger(producer Producer, events <-chan struct{}, logger *log.Logger) *EventTrigger {
	if logger == nil {
		logger = log.Global
	}
	return &EventTrigger{loop: loop{logger: logger}, producer: producer, events: events}
}

func (t *EventTrigger) Start(ctx context.Context) error {
	return t.loop.start(ctx, t.run)
}

func (t *EventTrigger) Stop() error { return t.loop.stop() }

func (t *EventTrigger) run(ctx context.Context, exit <-chan struct{}) {
	for {
		select {
		case _, ok := <-t.events:
			if !ok {
				return
			}
			if _, err := fire(ctx, t.producer, Event, t.logger); err != nil {
				t.logger.WithField("err", err).Warn("Event block production failed")
			}
		case <-exit:
			return
		}
	}
}

// New builds the trigger of the given kind. events is only used by the
// event trigger.
func New(kind string, producer Producer, settlement Settlement, config TimedConfig, events <-chan struct{}, logger *log.Logger) (Trigger, error) {
	switch kind {
	case Manual:
		return NewManualTrigger(producer, logger), nil
	case Timed:
		return NewTimedTrigger(producer, settlement, config, logger), nil
	case Event:
		return NewEventTrigger(producer, events, logger), nil
	}
	return nil, errors.Wrap(ErrUnknownTrigger, kind)
}
