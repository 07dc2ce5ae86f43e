package rawdb

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/pkg/errors"
)

// TxJournal persists pending transactions in admission order so the mempool
// can be rebuilt after a restart.
type TxJournal struct {
	db KeyValueStore

	mu  sync.Mutex
	seq uint64
}

// NewTxJournal opens the journal kept in db, continuing its sequence.
func NewTxJournal(db KeyValueStore) (*TxJournal, error) {
	j := &TxJournal{db: db}
	it := db.NewIterator(mempoolTxPrefix, nil)
	defer it.Release()
	for it.Next() {
		if key := it.Key(); len(key) == len(mempoolTxPrefix)+8 {
			j.seq = binary.BigEndian.Uint64(key[len(mempoolTxPrefix):]) + 1
		}
	}
	return j, it.Error()
}

// Insert appends tx.
func (j *TxJournal) Insert(tx *types.PendingTransaction) error {
	enc, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "encode journal tx")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	batch := j.db.NewBatch()
	batch.Put(mempoolTxKey(j.seq), enc)
	batch.Put(mempoolTxSeqKey(tx.Hash()), encodeBlockNumber(j.seq))
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "write journal tx")
	}
	j.seq++
	return nil
}

// Remove drops the given transactions; unknown hashes are ignored.
func (j *TxJournal) Remove(hashes []common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	batch := j.db.NewBatch()
	for _, h := range hashes {
		enc, err := j.db.Get(mempoolTxSeqKey(h))
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		batch.Delete(mempoolTxKey(binary.BigEndian.Uint64(enc)))
		batch.Delete(mempoolTxSeqKey(h))
	}
	return batch.Write()
}

// Load returns the journaled transactions in insertion order.
func (j *TxJournal) Load() ([]*types.PendingTransaction, error) {
	it := j.db.NewIterator(mempoolTxPrefix, nil)
	defer it.Release()

	var txs []*types.PendingTransaction
	for it.Next() {
		tx := new(types.PendingTransaction)
		if err := json.Unmarshal(it.Value(), tx); err != nil {
			return nil, errors.Wrap(err, "decode journal tx")
		}
		txs = append(txs, tx)
	}
	return txs, it.Error()
}
