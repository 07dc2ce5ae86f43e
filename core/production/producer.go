// Package production turns pending transactions into proven blocks. One
// cycle runs Idle -> Building -> AwaitingProofs -> Sealing -> Idle and at
// most one cycle is in flight at any time.
package production

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/mempool"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/event"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/tasks"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrProductionInFlight is returned when a cycle is started while another
	// one runs. Triggers check IsProducingBlock first, so seeing it is a bug.
	ErrProductionInFlight = errors.New("block production already in flight")

	ErrHeightMismatch = errors.New("tree height differs from runtime height")
)

// Config are the configuration parameters of block production.
type Config struct {
	// AllowEmptyBlocks makes a cycle with nothing to include seal an empty
	// block instead of producing nothing.
	AllowEmptyBlocks bool
	// StateTransitionBatchSize is the number of transitions proven per
	// transition-proving task.
	StateTransitionBatchSize int
}

// DefaultConfig contains the default configurations for block production.
var DefaultConfig = Config{
	AllowEmptyBlocks:         false,
	StateTransitionBatchSize: 4,
}

func (config *Config) sanitize(logger *log.Logger) Config {
	conf := *config
	if conf.StateTransitionBatchSize < 1 {
		logger.WithFields(log.Fields{
			"provided": conf.StateTransitionBatchSize,
			"updated":  DefaultConfig.StateTransitionBatchSize,
		}).Warn("Sanitizing invalid state transition batch size")
		conf.StateTransitionBatchSize = DefaultConfig.StateTransitionBatchSize
	}
	return conf
}

// BlockProducer runs block production cycles.
type BlockProducer struct {
	config      Config
	mempool     *mempool.Mempool
	runtime     *runtime.Runtime
	cache       *trie.CachedMerkleTreeStore
	storage     rawdb.BlockStorage
	coordinator *taskqueue.Coordinator
	pipeline    *tasks.Pipeline
	logger      *log.Logger

	producing atomic.Bool
	state     atomic.Int32
	lastCycle atomic.Int64 // duration of the last cycle in nanoseconds

	blockFeed  event.Feed[*types.Block]
	cycleTimes *RollingAverage

	producedCounter prometheus.Counter
	failedCounter   prometheus.Counter
	heightGauge     prometheus.Gauge
	cycleTimer      prometheus.Histogram
}

// New creates a block producer over the main tree cache.
func New(config Config, pool *mempool.Mempool, rt *runtime.Runtime, cache *trie.CachedMerkleTreeStore,
	storage rawdb.BlockStorage, coordinator *taskqueue.Coordinator, pipeline *tasks.Pipeline, logger *log.Logger) (*BlockProducer, error) {
	if logger == nil {
		logger = log.Global
	}
	if cache.IsVirtual() {
		return nil, errors.New("block production needs the root tree cache")
	}
	if cache.Height() != rt.Height() {
		return nil, errors.Wrapf(ErrHeightMismatch, "tree %d, runtime %d", cache.Height(), rt.Height())
	}
	return &BlockProducer{
		config:          (&config).sanitize(logger),
		mempool:         pool,
		runtime:         rt,
		cache:           cache,
		storage:         storage,
		coordinator:     coordinator,
		pipeline:        pipeline,
		logger:          logger,
		cycleTimes:      NewRollingAverage(20),
		producedCounter: metrics_config.NewCounter("blocks_produced", "Blocks sealed by the producer"),
		failedCounter:   metrics_config.NewCounter("block_cycles_failed", "Block production cycles aborted"),
		heightGauge:     metrics_config.NewGauge("block_height", "Height of the next block"),
		cycleTimer:      metrics_config.NewHistogram("block_cycle_seconds", "Duration of block production cycles"),
	}, nil
}

// IsProducingBlock reports whether a cycle is in flight.
func (p *BlockProducer) IsProducingBlock() bool { return p.producing.Load() }

// State returns the phase of the cycle in flight, Idle when there is none.
func (p *BlockProducer) State() State { return State(p.state.Load()) }

func (p *BlockProducer) setState(s State) { p.state.Store(int32(s)) }

// LastCycleDuration is how long the most recent cycle took.
func (p *BlockProducer) LastCycleDuration() time.Duration {
	return time.Duration(p.lastCycle.Load())
}

// SubscribeBlocks delivers every sealed block to ch. Delivery is best effort:
// a full channel misses the block.
func (p *BlockProducer) SubscribeBlocks(ch chan<- *types.Block) event.Subscription {
	return p.blockFeed.Subscribe(ch)
}

// ProduceBlock runs one full cycle. It returns the sealed block, or nil when
// there was nothing to include and empty blocks are not allowed. Any error
// leaves storage, tree and height as they were.
func (p *BlockProducer) ProduceBlock(ctx context.Context) (*types.Block, error) {
	if !p.producing.CompareAndSwap(false, true) {
		return nil, ErrProductionInFlight
	}
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		p.lastCycle.Store(int64(elapsed))
		p.cycleTimes.Add(elapsed)
		p.cycleTimer.Observe(elapsed.Seconds())
		p.setState(Idle)
		p.producing.Store(false)
	}()

	p.setState(Building)
	work, err := p.build(ctx)
	if err != nil {
		p.failedCounter.Inc()
		p.logger.WithField("err", err).Error("Failed to build block")
		return nil, err
	}
	if work == nil {
		return nil, nil
	}
	logger := p.logger.WithFields(log.Fields{
		"height": work.header.Height,
		"txs":    len(work.header.Transactions),
	})

	p.setState(AwaitingProofs)
	flow := p.coordinator.NewFlow(ctx)
	defer flow.Close()
	logger = logger.WithField("flowId", flow.ID)
	proof, err := p.prove(flow, work)
	if err != nil {
		work.virtual.Discard()
		p.failedCounter.Inc()
		logger.WithField("err", err).Error("Block production aborted")
		return nil, err
	}

	p.setState(Sealing)
	if err := p.seal(ctx, work, proof); err != nil {
		p.failedCounter.Inc()
		logger.WithField("err", err).Error("Failed to seal block")
		return nil, err
	}
	p.producedCounter.Inc()
	p.heightGauge.Set(float64(work.header.Height + 1))
	logger.WithFields(log.Fields{
		"hash":    work.header.Hash,
		"root":    work.header.ToStateRoot,
		"elapsed": common.PrettyDuration(time.Since(start)),
		"average": common.PrettyDuration(p.cycleTimes.Average()),
	}).Info("Sealed new block")
	return work.header, nil
}

// seal commits the cycle's tree writes and persists block and batch. It is
// all or nothing: on any failure the tree is reverted to the pre-cycle state
// and the transactions stay in the mempool.
func (p *BlockProducer) seal(ctx context.Context, work *cycle, proof *types.Proof) error {
	undo, err := work.virtual.MergeIntoParentWithUndo(ctx)
	if err != nil {
		work.virtual.Discard()
		return errors.Wrap(err, "merge state")
	}
	if err := p.cache.Commit(ctx); err != nil {
		return p.revert(ctx, undo, errors.Wrap(err, "commit state"))
	}
	batch := &types.Batch{Height: work.header.Height, BlockHash: work.header.Hash, Proof: proof}
	if err := p.storage.PushBlockWithBatch(ctx, work.header, batch); err != nil {
		return p.revert(ctx, undo, errors.Wrap(err, "store block"))
	}
	p.mempool.RemoveTxs(append(work.header.TxHashes(), work.dropped...))
	p.blockFeed.Send(work.header)
	return nil
}

// revert undoes a merged cycle and returns cause. The revert runs even when
// ctx is already cancelled.
func (p *BlockProducer) revert(ctx context.Context, undo *trie.MergeUndo, cause error) error {
	if err := undo.Revert(context.WithoutCancel(ctx)); err != nil {
		p.logger.WithFields(log.Fields{"err": err, "cause": cause}).Error("Failed to revert state, retrying on next commit")
	}
	return cause
}

// Close ends block subscriptions.
func (p *BlockProducer) Close() {
	p.blockFeed.Close()
}
