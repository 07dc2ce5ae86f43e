// Package mempool holds admitted transactions in arrival order together with
// a running commitment over them.
package mempool

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/metrics_config"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Journal persists admitted transactions across restarts.
type Journal interface {
	Insert(tx *types.PendingTransaction) error
	Remove(hashes []common.Hash) error
	Load() ([]*types.PendingTransaction, error)
}

// Config are the configuration parameters of the mempool.
type Config struct {
	// MaxPending bounds the number of pending transactions. Submissions
	// beyond it are not admitted.
	MaxPending int
}

// DefaultConfig contains the default configurations for the mempool.
var DefaultConfig = Config{
	MaxPending: 8192,
}

// sanitize checks the provided user configurations and changes anything that's
// unreasonable or unworkable.
func (config *Config) sanitize(logger *log.Logger) Config {
	conf := *config
	if conf.MaxPending < 1 {
		logger.WithFields(log.Fields{
			"provided": conf.MaxPending,
			"updated":  DefaultConfig.MaxPending,
		}).Warn("Sanitizing invalid mempool max pending")
		conf.MaxPending = DefaultConfig.MaxPending
	}
	return conf
}

// Mempool is an ordered pool of signature checked transactions. The
// commitment is a hash chain over admitted transaction hashes, starting at
// the zero hash:
//
//	c' = keccak(c ‖ tx.Hash())
//
// It only ever moves forward; removing included transactions leaves it as is.
type Mempool struct {
	config  Config
	journal Journal
	logger  *log.Logger

	mu         sync.RWMutex
	pending    *orderedmap.OrderedMap[common.Hash, *types.PendingTransaction]
	commitment *types.HashList

	admittedCounter prometheus.Counter
	rejectedCounter *prometheus.CounterVec
	pendingGauge    prometheus.Gauge
}

// New creates a mempool. With a journal, journaled transactions are admitted
// again in their original order.
func New(config Config, journal Journal, logger *log.Logger) (*Mempool, error) {
	if logger == nil {
		logger = log.Global
	}
	config = (&config).sanitize(logger)
	m := &Mempool{
		config:          config,
		journal:         journal,
		logger:          logger,
		pending:         orderedmap.New[common.Hash, *types.PendingTransaction](),
		commitment:      types.NewHashList(common.Hash{}),
		admittedCounter: metrics_config.NewCounter("mempool_admitted", "Transactions admitted to the mempool"),
		rejectedCounter: metrics_config.NewCounterVec("mempool_rejected", "Transactions refused by the mempool", "reason"),
		pendingGauge:    metrics_config.NewGauge("mempool_pending", "Transactions waiting for inclusion"),
	}
	if journal != nil {
		txs, err := journal.Load()
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			m.add(tx, false)
		}
		logger.WithFields(log.Fields{
			"journaled": len(txs),
			"pending":   m.Len(),
		}).Info("Loaded mempool journal")
	}
	return m, nil
}

// Add admits tx and returns the resulting commitment. Transactions with an
// invalid signature, duplicates and submissions to a full pool are dropped
// without error; admitted reports which happened.
func (m *Mempool) Add(tx *types.PendingTransaction) (commitment common.Hash, admitted bool) {
	return m.add(tx, true)
}

func (m *Mempool) add(tx *types.PendingTransaction, journal bool) (common.Hash, bool) {
	if err := tx.VerifySignature(); err != nil {
		m.reject(tx, "signature")
		return m.Commitment(), false
	}
	hash := tx.Hash()

	m.mu.Lock()
	if _, dup := m.pending.Get(hash); dup {
		m.mu.Unlock()
		m.reject(tx, "duplicate")
		return m.Commitment(), false
	}
	if m.pending.Len() >= m.config.MaxPending {
		m.mu.Unlock()
		m.reject(tx, "full")
		return m.Commitment(), false
	}
	m.pending.Set(hash, tx)
	commitment := m.commitment.Push(hash).Commitment()
	pending := m.pending.Len()
	m.mu.Unlock()

	if journal && m.journal != nil {
		if err := m.journal.Insert(tx); err != nil {
			m.logger.WithFields(log.Fields{
				"hash": hash,
				"err":  err,
			}).Error("Failed to journal transaction")
		}
	}
	m.admittedCounter.Inc()
	m.pendingGauge.Set(float64(pending))
	m.logger.WithFields(log.Fields{
		"hash":       hash,
		"nonce":      tx.Nonce,
		"commitment": commitment,
	}).Debug("Admitted transaction")
	return commitment, true
}

func (m *Mempool) reject(tx *types.PendingTransaction, reason string) {
	m.rejectedCounter.WithLabelValues(reason).Inc()
	m.logger.WithFields(log.Fields{
		"hash":   tx.Hash(),
		"reason": reason,
	}).Debug("Dropped transaction")
}

// GetTxs returns a snapshot of the pending transactions in admission order
// and the current commitment. The slice is fresh on every call.
func (m *Mempool) GetTxs() ([]*types.PendingTransaction, common.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := make([]*types.PendingTransaction, 0, m.pending.Len())
	for pair := m.pending.Oldest(); pair != nil; pair = pair.Next() {
		txs = append(txs, pair.Value)
	}
	return txs, m.commitment.Commitment()
}

// RemoveTxs drops the transactions with the given hashes and returns how many
// were pending. The commitment is not touched.
func (m *Mempool) RemoveTxs(hashes []common.Hash) int {
	if len(hashes) == 0 {
		return 0
	}
	included := mapset.NewThreadUnsafeSet()
	for _, h := range hashes {
		included.Add(h)
	}

	m.mu.Lock()
	var removed []common.Hash
	for pair := m.pending.Oldest(); pair != nil; {
		next := pair.Next()
		if included.Contains(pair.Key) {
			m.pending.Delete(pair.Key)
			removed = append(removed, pair.Key)
		}
		pair = next
	}
	pending := m.pending.Len()
	m.mu.Unlock()

	if len(removed) > 0 && m.journal != nil {
		if err := m.journal.Remove(removed); err != nil {
			m.logger.WithField("err", err).Error("Failed to update mempool journal")
		}
	}
	m.pendingGauge.Set(float64(pending))
	return len(removed)
}

// Has reports whether a transaction with the given hash is pending.
func (m *Mempool) Has(hash common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending.Get(hash)
	return ok
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending.Len()
}

// Commitment returns the current head of the commitment chain.
func (m *Mempool) Commitment() common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitment.Commitment()
}
