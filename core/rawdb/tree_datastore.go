package rawdb

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/trie"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
)

// treeNamespace is the datastore key prefix of tree nodes.
var treeNamespace = ds.NewKey("/tree")

// DatastoreTreeStore is a trie.AsyncMerkleTreeStore on any go-datastore
// Batching implementation. With a map datastore it is the "memory" engine.
type DatastoreTreeStore struct {
	store ds.Batching

	mu    sync.Mutex
	batch ds.Batch
}

func NewDatastoreTreeStore(store ds.Batching) *DatastoreTreeStore {
	return &DatastoreTreeStore{store: store}
}

// NewMemoryTreeStore returns a tree store on a thread safe map datastore.
func NewMemoryTreeStore() *DatastoreTreeStore {
	return NewDatastoreTreeStore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func datastoreNodeKey(nk trie.NodeKey) ds.Key {
	return treeNamespace.ChildString(hex.EncodeToString(treeNodeKey(nk)))
}

func (s *DatastoreTreeStore) OpenTransaction(ctx context.Context) error {
	batch, err := s.store.Batch(ctx)
	if err != nil {
		return errors.Wrap(err, "open datastore batch")
	}
	s.mu.Lock()
	s.batch = batch
	s.mu.Unlock()
	return nil
}

func (s *DatastoreTreeStore) WriteNodes(ctx context.Context, nodes []trie.MerkleTreeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return trie.ErrNoTransaction
	}
	for _, n := range nodes {
		if err := s.batch.Put(ctx, datastoreNodeKey(n.NodeKey), n.Value.Bytes()); err != nil {
			return errors.Wrap(err, "stage tree node")
		}
	}
	return nil
}

func (s *DatastoreTreeStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return trie.ErrNoTransaction
	}
	if err := s.batch.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit datastore batch")
	}
	s.batch = nil
	return nil
}

func (s *DatastoreTreeStore) GetNodes(ctx context.Context, keys []trie.NodeKey) ([]common.Hash, []bool, error) {
	values := make([]common.Hash, len(keys))
	found := make([]bool, len(keys))
	for i, nk := range keys {
		enc, err := s.store.Get(ctx, datastoreNodeKey(nk))
		if errors.Is(err, ds.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, nil, errors.Wrapf(err, "read %s", nk)
		}
		values[i], found[i] = common.BytesToHash(enc), true
	}
	return values, found, nil
}

func (s *DatastoreTreeStore) Close() error {
	return s.store.Close()
}

// Prune deletes every tree node.
func (s *DatastoreTreeStore) Prune(ctx context.Context) error {
	res, err := s.store.Query(ctx, query.Query{Prefix: treeNamespace.String(), KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}
	batch, err := s.store.Batch(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, ds.NewKey(e.Key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}
