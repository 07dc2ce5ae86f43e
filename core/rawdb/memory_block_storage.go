package rawdb

import (
	"context"
	"sort"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/pkg/errors"
)

// MemoryBlockStorage is a BlockStorage that lives only as long as the
// process, used with the memory db engine and in tests.
type MemoryBlockStorage struct {
	mu      sync.RWMutex
	blocks  []*types.Block
	batches map[uint64]*types.Batch
}

func NewMemoryBlockStorage() *MemoryBlockStorage {
	return &MemoryBlockStorage{batches: make(map[uint64]*types.Batch)}
}

func (s *MemoryBlockStorage) PushBlock(ctx context.Context, block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block.Height != uint64(len(s.blocks)) {
		return errors.Wrapf(ErrHeightMismatch, "got %d, next is %d", block.Height, len(s.blocks))
	}
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *MemoryBlockStorage) PushBlockWithBatch(ctx context.Context, block *types.Block, batch *types.Batch) error {
	if batch.Height != block.Height {
		return errors.Errorf("batch height %d for block %d", batch.Height, block.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if block.Height != uint64(len(s.blocks)) {
		return errors.Wrapf(ErrHeightMismatch, "got %d, next is %d", block.Height, len(s.blocks))
	}
	s.blocks = append(s.blocks, block)
	cpy := *batch
	s.batches[batch.Height] = &cpy
	return nil
}

func (s *MemoryBlockStorage) GetBlockAt(ctx context.Context, height uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height >= uint64(len(s.blocks)) {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	return s.blocks[height], nil
}

func (s *MemoryBlockStorage) GetBlocksFromTo(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := uint64(len(s.blocks))
	if n == 0 || from > to || from >= n {
		return nil, nil
	}
	to = min(to, n-1)
	out := make([]*types.Block, to-from+1)
	copy(out, s.blocks[from:to+1])
	return out, nil
}

func (s *MemoryBlockStorage) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}

func (s *MemoryBlockStorage) GetLatestBlock(ctx context.Context) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	return s.blocks[len(s.blocks)-1], nil
}

func (s *MemoryBlockStorage) PruneDatabase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = nil
	s.batches = make(map[uint64]*types.Batch)
	return nil
}

func (s *MemoryBlockStorage) PushBatch(ctx context.Context, batch *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *batch
	s.batches[batch.Height] = &cpy
	return nil
}

func (s *MemoryBlockStorage) GetBatchAt(ctx context.Context, height uint64) (*types.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[height]
	if !ok {
		return nil, errors.Wrapf(ErrBatchNotFound, "height %d", height)
	}
	cpy := *b
	return &cpy, nil
}

func (s *MemoryBlockStorage) SetSettlementHash(ctx context.Context, height uint64, txHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[height]
	if !ok {
		return errors.Wrapf(ErrBatchNotFound, "height %d", height)
	}
	b.SettlementTxHash = &txHash
	return nil
}

func (s *MemoryBlockStorage) GetUnsettledBatches(ctx context.Context) ([]*types.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Batch
	for _, b := range s.batches {
		if !b.Settled() {
			cpy := *b
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}
