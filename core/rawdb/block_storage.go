package rawdb

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrHeightMismatch = errors.New("block height does not extend the chain")
)

// blockCacheLimit is the number of recent blocks kept decoded in memory.
const blockCacheLimit = 256

// BlockStorage persists sealed blocks and their batches. Heights are dense:
// block n can only be pushed once blocks 0..n-1 are stored.
type BlockStorage interface {
	PushBlock(ctx context.Context, block *types.Block) error
	// PushBlockWithBatch stores a sealed block and its batch atomically:
	// either both are stored or neither is.
	PushBlockWithBatch(ctx context.Context, block *types.Block, batch *types.Batch) error
	GetBlockAt(ctx context.Context, height uint64) (*types.Block, error)
	// GetBlocksFromTo returns the stored blocks with from <= height <= to.
	GetBlocksFromTo(ctx context.Context, from, to uint64) ([]*types.Block, error)
	// GetCurrentBlockHeight is the number of stored blocks, which is also
	// the height of the next block.
	GetCurrentBlockHeight(ctx context.Context) (uint64, error)
	// GetLatestBlock returns nil when no block is stored.
	GetLatestBlock(ctx context.Context) (*types.Block, error)
	PruneDatabase(ctx context.Context) error

	PushBatch(ctx context.Context, batch *types.Batch) error
	GetBatchAt(ctx context.Context, height uint64) (*types.Batch, error)
	SetSettlementHash(ctx context.Context, height uint64, txHash common.Hash) error
	GetUnsettledBatches(ctx context.Context) ([]*types.Batch, error)
}

// KVBlockStorage is a BlockStorage on a KeyValueStore, fronted by an LRU of
// decoded blocks.
type KVBlockStorage struct {
	db     KeyValueStore
	cache  *lru.Cache[uint64, *types.Block]
	logger *log.Logger

	mu sync.Mutex // serialises writers
}

func NewKVBlockStorage(db KeyValueStore, logger *log.Logger) (*KVBlockStorage, error) {
	cache, err := lru.New[uint64, *types.Block](blockCacheLimit)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Global
	}
	s := &KVBlockStorage{db: db, cache: cache, logger: logger}
	if err := s.checkVersion(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewLevelDBBlockStorage opens leveldb at dir.
func NewLevelDBBlockStorage(dir string, cache, handles int, logger *log.Logger) (*KVBlockStorage, error) {
	db, err := NewLevelDB(dir, cache, handles)
	if err != nil {
		return nil, err
	}
	return NewKVBlockStorage(db, logger)
}

// DB exposes the underlying store, shared with the mempool journal.
func (s *KVBlockStorage) DB() KeyValueStore { return s.db }

func (s *KVBlockStorage) checkVersion() error {
	enc, err := s.db.Get(databaseVersionKey)
	if errors.Is(err, ErrNotFound) {
		return s.db.Put(databaseVersionKey, encodeBlockNumber(dbVersion))
	} else if err != nil {
		return err
	}
	if v := binary.BigEndian.Uint64(enc); v != dbVersion {
		return errors.Errorf("database version %d, expected %d", v, dbVersion)
	}
	return nil
}

func (s *KVBlockStorage) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	enc, err := s.db.Get(headBlockHeightKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(enc), nil
}

func (s *KVBlockStorage) PushBlock(ctx context.Context, block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	if err := s.putBlock(ctx, b, block); err != nil {
		return err
	}
	if err := b.Write(); err != nil {
		return errors.Wrap(err, "write block")
	}
	s.cache.Add(block.Height, block)
	return nil
}

func (s *KVBlockStorage) PushBlockWithBatch(ctx context.Context, block *types.Block, batch *types.Batch) error {
	if batch.Height != block.Height {
		return errors.Errorf("batch height %d for block %d", batch.Height, block.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	if err := s.putBlock(ctx, b, block); err != nil {
		return err
	}
	if err := putBatch(b, batch); err != nil {
		return err
	}
	if err := b.Write(); err != nil {
		return errors.Wrap(err, "write block")
	}
	s.cache.Add(block.Height, block)
	return nil
}

// putBlock stages block as the new chain head. Callers hold s.mu.
func (s *KVBlockStorage) putBlock(ctx context.Context, b Batch, block *types.Block) error {
	next, err := s.GetCurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	if block.Height != next {
		return errors.Wrapf(ErrHeightMismatch, "got %d, next is %d", block.Height, next)
	}
	enc, err := types.EncodeBlock(block)
	if err != nil {
		return errors.Wrap(err, "encode block")
	}
	b.Put(blockKey(block.Height), enc)
	b.Put(blockHashKey(block.Hash), encodeBlockNumber(block.Height))
	b.Put(headBlockHeightKey, encodeBlockNumber(block.Height+1))
	return nil
}

func (s *KVBlockStorage) GetBlockAt(ctx context.Context, height uint64) (*types.Block, error) {
	if b, ok := s.cache.Get(height); ok {
		return b, nil
	}
	enc, err := s.db.Get(blockKey(height))
	if errors.Is(err, ErrNotFound) {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	} else if err != nil {
		return nil, err
	}
	b, err := types.DecodeBlock(enc)
	if err != nil {
		return nil, errors.Wrapf(err, "decode block %d", height)
	}
	s.cache.Add(height, b)
	return b, nil
}

// GetBlockNumber resolves a block hash to its height.
func (s *KVBlockStorage) GetBlockNumber(ctx context.Context, hash common.Hash) (uint64, error) {
	enc, err := s.db.Get(blockHashKey(hash))
	if errors.Is(err, ErrNotFound) {
		return 0, errors.Wrapf(ErrBlockNotFound, "hash %s", hash)
	} else if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(enc), nil
}

func (s *KVBlockStorage) GetBlocksFromTo(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	current, err := s.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if current == 0 || from > to || from >= current {
		return nil, nil
	}
	to = min(to, current-1)
	blocks := make([]*types.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := s.GetBlockAt(ctx, h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (s *KVBlockStorage) GetLatestBlock(ctx context.Context) (*types.Block, error) {
	current, err := s.GetCurrentBlockHeight(ctx)
	if err != nil || current == 0 {
		return nil, err
	}
	return s.GetBlockAt(ctx, current-1)
}

func (s *KVBlockStorage) PushBatch(ctx context.Context, batch *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	if err := putBatch(b, batch); err != nil {
		return err
	}
	return b.Write()
}

func putBatch(b Batch, batch *types.Batch) error {
	enc, err := types.EncodeBatch(batch)
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	b.Put(batchKey(batch.Height), enc)
	if batch.Settled() {
		b.Delete(unsettledKey(batch.Height))
	} else {
		b.Put(unsettledKey(batch.Height), nil)
	}
	return nil
}

func (s *KVBlockStorage) GetBatchAt(ctx context.Context, height uint64) (*types.Batch, error) {
	enc, err := s.db.Get(batchKey(height))
	if errors.Is(err, ErrNotFound) {
		return nil, errors.Wrapf(ErrBatchNotFound, "height %d", height)
	} else if err != nil {
		return nil, err
	}
	return types.DecodeBatch(enc)
}

func (s *KVBlockStorage) SetSettlementHash(ctx context.Context, height uint64, txHash common.Hash) error {
	batch, err := s.GetBatchAt(ctx, height)
	if err != nil {
		return err
	}
	batch.SettlementTxHash = &txHash
	return s.PushBatch(ctx, batch)
}

func (s *KVBlockStorage) GetUnsettledBatches(ctx context.Context) ([]*types.Batch, error) {
	it := s.db.NewIterator(unsettledPrefix, nil)
	defer it.Release()

	var batches []*types.Batch
	for it.Next() {
		key := it.Key()
		if len(key) != len(unsettledPrefix)+8 {
			continue
		}
		batch, err := s.GetBatchAt(ctx, binary.BigEndian.Uint64(key[len(unsettledPrefix):]))
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, it.Error()
}

// PruneDatabase deletes every block, batch and the chain head.
func (s *KVBlockStorage) PruneDatabase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	deleted := 0
	for _, prefix := range [][]byte{blockPrefix, blockHashPrefix, batchPrefix, unsettledPrefix} {
		it := s.db.NewIterator(prefix, nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
			deleted++
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
	}
	batch.Delete(headBlockHeightKey)
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "prune blocks")
	}
	s.cache.Purge()
	s.logger.WithField("entries", deleted).Info("Pruned block storage")
	return nil
}

func (s *KVBlockStorage) Close() error { return s.db.Close() }
