package rawdb

import (
	"context"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
)

// defaultCleanCacheSize is the fastcache budget for clean tree nodes, in MB.
const defaultCleanCacheSize = 32

// KVTreeStore is a trie.AsyncMerkleTreeStore on a KeyValueStore (leveldb or
// pebble). Staged writes go into one engine batch that is written on Commit.
// Committed nodes are kept in a fastcache so hot paths near the root are not
// read from disk on every preload.
type KVTreeStore struct {
	db     KeyValueStore
	clean  *fastcache.Cache
	logger *log.Logger

	mu    sync.Mutex
	batch Batch
	// staged mirrors the batch so the clean cache is updated on commit
	staged []trie.MerkleTreeNode
}

// NewKVTreeStore wraps db. cacheSize is in MB; zero selects the default.
func NewKVTreeStore(db KeyValueStore, cacheSize int, logger *log.Logger) *KVTreeStore {
	if cacheSize <= 0 {
		cacheSize = defaultCleanCacheSize
	}
	if logger == nil {
		logger = log.Global
	}
	return &KVTreeStore{
		db:     db,
		clean:  fastcache.New(cacheSize * 1024 * 1024),
		logger: logger,
	}
}

// NewLevelDBTreeStore opens a leveldb backed tree store at dir.
func NewLevelDBTreeStore(dir string, cache, handles int, logger *log.Logger) (*KVTreeStore, error) {
	db, err := NewLevelDB(dir, cache, handles)
	if err != nil {
		return nil, err
	}
	return NewKVTreeStore(db, cache, logger), nil
}

// NewPebbleTreeStore opens a pebble backed tree store at dir.
func NewPebbleTreeStore(dir string, cache, handles int, logger *log.Logger) (*KVTreeStore, error) {
	db, err := NewPebbleDB(dir, cache, handles)
	if err != nil {
		return nil, err
	}
	return NewKVTreeStore(db, cache, logger), nil
}

func (s *KVTreeStore) OpenTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		// a previous transaction failed before commit
		s.batch.Reset()
	} else {
		s.batch = s.db.NewBatch()
	}
	s.staged = s.staged[:0]
	return nil
}

func (s *KVTreeStore) WriteNodes(ctx context.Context, nodes []trie.MerkleTreeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return trie.ErrNoTransaction
	}
	for _, n := range nodes {
		if err := s.batch.Put(treeNodeKey(n.NodeKey), n.Value.Bytes()); err != nil {
			return errors.Wrap(err, "stage tree node")
		}
	}
	s.staged = append(s.staged, nodes...)
	return nil
}

func (s *KVTreeStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return trie.ErrNoTransaction
	}
	size := s.batch.ValueSize()
	if err := s.batch.Write(); err != nil {
		return errors.Wrap(err, "write tree batch")
	}
	for _, n := range s.staged {
		s.clean.Set(treeNodeKey(n.NodeKey), n.Value.Bytes())
	}
	s.logger.WithFields(log.Fields{
		"nodes": len(s.staged),
		"size":  common.StorageSize(size),
	}).Debug("Wrote tree nodes")
	s.batch = nil
	s.staged = nil
	return nil
}

func (s *KVTreeStore) GetNodes(ctx context.Context, keys []trie.NodeKey) ([]common.Hash, []bool, error) {
	values := make([]common.Hash, len(keys))
	found := make([]bool, len(keys))
	for i, nk := range keys {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		key := treeNodeKey(nk)
		if enc, ok := s.clean.HasGet(nil, key); ok {
			values[i], found[i] = common.BytesToHash(enc), true
			continue
		}
		enc, err := s.db.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, nil, errors.Wrapf(err, "read %s", nk)
		}
		values[i], found[i] = common.BytesToHash(enc), true
		s.clean.Set(key, enc)
	}
	return values, found, nil
}

// Close releases the clean cache and the engine.
func (s *KVTreeStore) Close() error {
	s.clean.Reset()
	return s.db.Close()
}
