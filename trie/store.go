package trie

import (
	"context"
	"sort"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/holiman/uint256"
)

// MerkleTreeStore is the synchronous node store a SparseMerkleTree is
// evaluated over. Absent nodes resolve to the zero hash of their level.
type MerkleTreeStore interface {
	GetNode(key *uint256.Int, level int) (common.Hash, error)
	SetNode(key *uint256.Int, level int, value common.Hash) error
}

// AsyncMerkleTreeStore is a persistent node store. Every batch of writes is
// bracketed by OpenTransaction and Commit.
type AsyncMerkleTreeStore interface {
	OpenTransaction(ctx context.Context) error
	WriteNodes(ctx context.Context, nodes []MerkleTreeNode) error
	Commit(ctx context.Context) error
	// GetNodes returns the value of every key in order, with found[i] false
	// for nodes the store has never seen.
	GetNodes(ctx context.Context, keys []NodeKey) (values []common.Hash, found []bool, err error)
}

// MemoryMerkleTreeStore is a map backed synchronous store.
type MemoryMerkleTreeStore struct {
	mu    sync.RWMutex
	nodes map[NodeKey]common.Hash
}

func NewMemoryMerkleTreeStore() *MemoryMerkleTreeStore {
	return &MemoryMerkleTreeStore{nodes: make(map[NodeKey]common.Hash)}
}

func (s *MemoryMerkleTreeStore) GetNode(key *uint256.Int, level int) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.nodes[NewNodeKey(key, level)]; ok {
		return v, nil
	}
	return ZeroHash(level), nil
}

func (s *MemoryMerkleTreeStore) SetNode(key *uint256.Int, level int, value common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[NewNodeKey(key, level)] = value
	return nil
}

// MemoryAsyncStore is an in-memory AsyncMerkleTreeStore. Writes are staged
// until Commit and then applied at once.
type MemoryAsyncStore struct {
	mu     sync.RWMutex
	nodes  map[NodeKey]common.Hash
	staged []MerkleTreeNode
	open   bool
}

func NewMemoryAsyncStore() *MemoryAsyncStore {
	return &MemoryAsyncStore{nodes: make(map[NodeKey]common.Hash)}
}

func (s *MemoryAsyncStore) OpenTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.staged = nil
	return nil
}

func (s *MemoryAsyncStore) WriteNodes(ctx context.Context, nodes []MerkleTreeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	s.staged = append(s.staged, nodes...)
	return nil
}

func (s *MemoryAsyncStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	for _, n := range s.staged {
		s.nodes[n.NodeKey] = n.Value
	}
	s.staged = nil
	s.open = false
	return nil
}

func (s *MemoryAsyncStore) GetNodes(ctx context.Context, keys []NodeKey) ([]common.Hash, []bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]common.Hash, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		values[i], found[i] = s.nodes[k]
	}
	return values, found, nil
}

// Len returns the number of committed nodes.
func (s *MemoryAsyncStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// SortNodes orders nodes by level then index so writes are deterministic.
func SortNodes(nodes []MerkleTreeNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeKey.Less(nodes[j].NodeKey) })
}
