package sequencer

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Settler submits a proven batch to the settlement layer and returns the
// hash of the settlement transaction.
type Settler interface {
	Settle(ctx context.Context, batch *types.Batch) (common.Hash, error)
}

// SimulatedSettler settles instantly, deriving the transaction hash from the
// batch.
type SimulatedSettler struct{}

func (SimulatedSettler) Settle(ctx context.Context, batch *types.Batch) (common.Hash, error) {
	if batch.Proof == nil {
		return common.Hash{}, errors.Errorf("batch %d has no proof", batch.Height)
	}
	return crypto.KeccakHashes(common.Uint64ToHash(batch.Height), batch.BlockHash, batch.Proof.Digest), nil
}

// SettlementModule settles every unsettled batch each time it is ticked.
// The block storage is resolved from the registry when the module starts,
// so a module registering "storage" must come before it.
type SettlementModule struct {
	registry *Registry
	settler  Settler
	storage  rawdb.BlockStorage
	logger   *log.Logger

	settledCounter prometheus.Counter
}

func NewSettlementModule(registry *Registry, settler Settler, logger *log.Logger) *SettlementModule {
	if logger == nil {
		logger = log.Global
	}
	return &SettlementModule{
		registry:       registry,
		settler:        settler,
		logger:         logger,
		settledCounter: metrics_config.NewCounter("batches_settled", "Batches recorded as settled"),
	}
}

func (m *SettlementModule) Name() string { return "settlement" }

func (m *SettlementModule) Dependencies() map[string]Dependency {
	return map[string]Dependency{"settlement": m}
}

func (m *SettlementModule) Start(ctx context.Context) error {
	storage, err := Resolve[rawdb.BlockStorage](m.registry, "storage")
	if err != nil {
		return err
	}
	m.storage = storage
	return nil
}

// Settle settles the unsettled batches in height order and stops at the
// first failure, so a batch is never settled before the one below it.
func (m *SettlementModule) Settle(ctx context.Context) error {
	if m.storage == nil {
		return errors.New("settlement module not started")
	}
	batches, err := m.storage.GetUnsettledBatches(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		txHash, err := m.settler.Settle(ctx, batch)
		if err != nil {
			return errors.Wrapf(err, "settle batch %d", batch.Height)
		}
		if err := m.storage.SetSettlementHash(ctx, batch.Height, txHash); err != nil {
			return err
		}
		m.settledCounter.Inc()
		m.logger.WithFields(log.Fields{
			"height":     batch.Height,
			"settlement": txHash,
		}).Info("Settled batch")
	}
	return nil
}
