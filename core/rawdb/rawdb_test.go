package rawdb

import (
	"context"
	"os"
	"testing"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

func TestTreeNodeKeyRoundTrip(t *testing.T) {
	for _, level := range []int{0, 1, 127, 128, 255} {
		nk := trie.NewNodeKey(uint256.NewInt(0xdeadbeef), level)
		got, err := parseTreeNodeKey(treeNodeKey(nk))
		require.NoError(t, err)
		require.Equal(t, nk, got)
	}
	_, err := parseTreeNodeKey([]byte("nope"))
	require.ErrorIs(t, err, errInvalidNodeKey)
}

func treeStores(t *testing.T) map[string]TreeStore {
	return map[string]TreeStore{
		"leveldb": NewKVTreeStore(NewMemoryLevelDB(), 1, nil),
		"pebble":  NewKVTreeStore(NewMemoryPebbleDB(), 1, nil),
		"memory":  NewMemoryTreeStore(),
	}
}

func TestTreeStores(t *testing.T) {
	ctx := context.Background()
	for name, store := range treeStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			a := trie.NewNodeKey(uint256.NewInt(1), 0)
			b := trie.NewNodeKey(uint256.NewInt(1), 1)

			require.ErrorIs(t, store.WriteNodes(ctx, nil), trie.ErrNoTransaction)

			require.NoError(t, store.OpenTransaction(ctx))
			require.NoError(t, store.WriteNodes(ctx, []trie.MerkleTreeNode{{NodeKey: a, Value: common.Uint64ToHash(7)}}))
			// staged writes are not visible yet
			_, found, err := store.GetNodes(ctx, []trie.NodeKey{a})
			require.NoError(t, err)
			require.False(t, found[0])
			require.NoError(t, store.Commit(ctx))

			values, found, err := store.GetNodes(ctx, []trie.NodeKey{a, b})
			require.NoError(t, err)
			require.Equal(t, []bool{true, false}, found)
			require.Equal(t, common.Uint64ToHash(7), values[0])

			require.NoError(t, store.Prune(ctx))
			_, found, err = store.GetNodes(ctx, []trie.NodeKey{a})
			require.NoError(t, err)
			require.False(t, found[0])
		})
	}
}

// The cache over a persistent store survives being rebuilt from it.
func TestCachedTreeOverLevelDB(t *testing.T) {
	ctx := context.Background()
	store := NewKVTreeStore(NewMemoryLevelDB(), 1, nil)
	defer store.Close()

	cache, err := trie.NewCachedMerkleTreeStore(store, 32, nil)
	require.NoError(t, err)
	keys := []*uint256.Int{uint256.NewInt(3), uint256.NewInt(1 << 20)}
	require.NoError(t, cache.PreloadKeys(ctx, keys))
	for i, k := range keys {
		require.NoError(t, cache.SetLeaf(k, common.Uint64ToHash(uint64(i+1))))
	}
	root, err := cache.Root()
	require.NoError(t, err)
	require.NoError(t, cache.Commit(ctx))

	again, err := trie.NewCachedMerkleTreeStore(store, 32, nil)
	require.NoError(t, err)
	require.NoError(t, again.PreloadKeys(ctx, keys))
	got, err := again.Root()
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func testBlock(height uint64, parent common.Hash) *types.Block {
	return (&types.Block{
		Height:             height,
		ParentHash:         parent,
		NetworkStateBefore: types.NetworkState{Block: types.CurrentBlock{Height: height}},
	}).Seal()
}

func blockStorages(t *testing.T) map[string]BlockStorage {
	kv, err := NewKVBlockStorage(NewMemoryLevelDB(), nil)
	require.NoError(t, err)
	return map[string]BlockStorage{
		"kv":     kv,
		"memory": NewMemoryBlockStorage(),
	}
}

func TestBlockStorage(t *testing.T) {
	ctx := context.Background()
	for name, s := range blockStorages(t) {
		t.Run(name, func(t *testing.T) {
			latest, err := s.GetLatestBlock(ctx)
			require.NoError(t, err)
			require.Nil(t, latest)

			var parent common.Hash
			for h := uint64(0); h < 4; h++ {
				b := testBlock(h, parent)
				require.NoError(t, s.PushBlock(ctx, b))
				parent = b.Hash
			}
			require.ErrorIs(t, s.PushBlock(ctx, testBlock(7, parent)), ErrHeightMismatch)

			height, err := s.GetCurrentBlockHeight(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(4), height)

			latest, err = s.GetLatestBlock(ctx)
			require.NoError(t, err)
			require.Equal(t, parent, latest.Hash)

			blocks, err := s.GetBlocksFromTo(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, blocks, 3)
			require.Equal(t, uint64(1), blocks[0].Height)
			require.Equal(t, blocks[0].Hash, blocks[1].ParentHash)

			_, err = s.GetBlockAt(ctx, 9)
			require.ErrorIs(t, err, ErrBlockNotFound)

			require.NoError(t, s.PruneDatabase(ctx))
			height, err = s.GetCurrentBlockHeight(ctx)
			require.NoError(t, err)
			require.Zero(t, height)
		})
	}
}

func TestBatchSettlement(t *testing.T) {
	ctx := context.Background()
	for name, s := range blockStorages(t) {
		t.Run(name, func(t *testing.T) {
			for h := uint64(0); h < 3; h++ {
				require.NoError(t, s.PushBatch(ctx, &types.Batch{Height: h, BlockHash: common.Uint64ToHash(h)}))
			}
			unsettled, err := s.GetUnsettledBatches(ctx)
			require.NoError(t, err)
			require.Len(t, unsettled, 3)

			settlement := common.Uint64ToHash(99)
			require.NoError(t, s.SetSettlementHash(ctx, 1, settlement))
			batch, err := s.GetBatchAt(ctx, 1)
			require.NoError(t, err)
			require.True(t, batch.Settled())
			require.Equal(t, settlement, *batch.SettlementTxHash)

			unsettled, err = s.GetUnsettledBatches(ctx)
			require.NoError(t, err)
			require.Equal(t, []uint64{0, 2}, []uint64{unsettled[0].Height, unsettled[1].Height})

			require.ErrorIs(t, s.SetSettlementHash(ctx, 5, settlement), ErrBatchNotFound)
		})
	}
}

func TestPushBlockWithBatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range blockStorages(t) {
		t.Run(name, func(t *testing.T) {
			b0 := testBlock(0, common.Hash{})
			require.NoError(t, s.PushBlockWithBatch(ctx, b0, &types.Batch{Height: 0, BlockHash: b0.Hash}))

			// a rejected block leaves its batch unstored
			b2 := testBlock(2, b0.Hash)
			err := s.PushBlockWithBatch(ctx, b2, &types.Batch{Height: 2, BlockHash: b2.Hash})
			require.ErrorIs(t, err, ErrHeightMismatch)
			_, err = s.GetBatchAt(ctx, 2)
			require.ErrorIs(t, err, ErrBatchNotFound)

			b1 := testBlock(1, b0.Hash)
			require.Error(t, s.PushBlockWithBatch(ctx, b1, &types.Batch{Height: 0, BlockHash: b1.Hash}))
			height, err := s.GetCurrentBlockHeight(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(1), height)

			batch, err := s.GetBatchAt(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, b0.Hash, batch.BlockHash)
			unsettled, err := s.GetUnsettledBatches(ctx)
			require.NoError(t, err)
			require.Len(t, unsettled, 1)
		})
	}
}

func TestTxJournal(t *testing.T) {
	db := NewMemoryLevelDB()
	journal, err := NewTxJournal(db)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	var txs []*types.PendingTransaction
	for n := uint64(0); n < 3; n++ {
		tx, err := types.SignTx(types.NewTransaction(common.Uint64ToHash(1), n, key.PublicKey()), key)
		require.NoError(t, err)
		require.NoError(t, journal.Insert(tx))
		txs = append(txs, tx)
	}
	require.NoError(t, journal.Remove([]common.Hash{txs[1].Hash(), common.Uint64ToHash(5)}))

	// reopening continues the sequence after the last entry
	reopened, err := NewTxJournal(db)
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Equal(t, types.Transactions{txs[0], txs[2]}.Hashes(), types.Transactions(loaded).Hashes())
	require.NoError(t, loaded[1].VerifySignature())
}

func TestOpenLocksDatadir(t *testing.T) {
	dir := t.TempDir()
	dbs, err := Open(OpenOptions{Type: DBLeveldb, Directory: dir, Journal: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, dbs.Journal)

	_, err = Open(OpenOptions{Type: DBLeveldb, Directory: dir}, nil)
	require.Error(t, err)
	require.NoError(t, dbs.Close())

	// an existing leveldb cannot be reopened as pebble
	_, err = Open(OpenOptions{Type: DBPebble, Directory: dir}, nil)
	require.Error(t, err)
}
