package production

import (
	"context"
	"os"
	"sync/atomic"
	"testing"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/mempool"
	"github.com/dominant-strategies/go-sequencer/core/rawdb"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/prover"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/tasks"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/dominant-strategies/go-sequencer/worker"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testHeight = 32

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

type fixture struct {
	producer *BlockProducer
	mempool  *mempool.Mempool
	cache    *trie.CachedMerkleTreeStore
	backing  trie.AsyncMerkleTreeStore
	storage  rawdb.BlockStorage
	key      *crypto.PrivateKey
}

func newFixture(t *testing.T, config Config, p prover.Prover) *fixture {
	t.Helper()
	return newFixtureWithStorage(t, config, p, rawdb.NewMemoryBlockStorage())
}

func newFixtureWithStorage(t *testing.T, config Config, p prover.Prover, storage rawdb.BlockStorage) *fixture {
	t.Helper()
	rt, err := runtime.New(testHeight, nil, runtime.DefaultModules()...)
	require.NoError(t, err)
	backing := trie.NewMemoryAsyncStore()
	cache, err := trie.NewCachedMerkleTreeStore(backing, testHeight, nil)
	require.NoError(t, err)
	pool, err := mempool.New(mempool.DefaultConfig, nil, nil)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tq := taskqueue.NewLocalTaskQueue(0, nil)
	pipeline := tasks.NewPipeline(p, nil)
	workers, err := worker.NewPool(tq, worker.Config{Concurrency: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, workers.Register(pipeline.Runnables()...))
	require.NoError(t, workers.Start(context.Background()))
	coordinator := taskqueue.NewCoordinator(tq, taskqueue.DefaultCoordinatorConfig, nil)
	t.Cleanup(func() {
		coordinator.Close()
		workers.Close()
		tq.Close()
	})

	producer, err := New(config, pool, rt, cache, storage, coordinator, pipeline, nil)
	require.NoError(t, err)
	return &fixture{producer: producer, mempool: pool, cache: cache, backing: backing, storage: storage, key: key}
}

func (f *fixture) submit(t *testing.T, method string, nonce uint64, args ...common.Hash) *types.PendingTransaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTransaction(runtime.MethodID("balances", method), nonce, f.key.PublicKey(), args...), f.key)
	require.NoError(t, err)
	_, admitted := f.mempool.Add(tx)
	require.True(t, admitted)
	return tx
}

func (f *fixture) height(t *testing.T) uint64 {
	t.Helper()
	h, err := f.storage.GetCurrentBlockHeight(context.Background())
	require.NoError(t, err)
	return h
}

func (f *fixture) root(t *testing.T) common.Hash {
	t.Helper()
	require.NoError(t, f.cache.PreloadKeys(context.Background(), nil))
	root, err := f.cache.Root()
	require.NoError(t, err)
	return root
}

// storedRoot reads the root from the backing store, bypassing the cache.
func (f *fixture) storedRoot(t *testing.T) common.Hash {
	t.Helper()
	fresh, err := trie.NewCachedMerkleTreeStore(f.backing, testHeight, nil)
	require.NoError(t, err)
	require.NoError(t, fresh.PreloadKeys(context.Background(), nil))
	root, err := fresh.Root()
	require.NoError(t, err)
	return root
}

// flakyStorage fails the next failures block writes.
type flakyStorage struct {
	*rawdb.MemoryBlockStorage
	failures atomic.Int32
}

func (s *flakyStorage) PushBlockWithBatch(ctx context.Context, block *types.Block, batch *types.Batch) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.MemoryBlockStorage.PushBlockWithBatch(ctx, block, batch)
}

func TestProduceBlockEndToEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig, prover.NewSimulatedProver(0))
	ctx := context.Background()
	me := f.key.PublicKey().Hash()

	mint := f.submit(t, "mint", 0, me, common.Uint64ToHash(100))
	transfer := f.submit(t, "transfer", 1, common.Uint64ToHash(0xbeef), common.Uint64ToHash(30))

	block, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, uint64(0), block.Height)
	require.Equal(t, common.Hashes{mint.Hash(), transfer.Hash()}, block.TxHashes())
	for _, tx := range block.Transactions {
		require.True(t, tx.Status, tx.StatusMessage)
	}
	require.Equal(t, trie.EmptyRoot(testHeight), block.FromStateRoot)
	require.NotEqual(t, block.FromStateRoot, block.ToStateRoot)
	require.Equal(t, block.ToStateRoot, f.root(t))
	require.Equal(t, block.FromStateRoot, block.NetworkStateDuring.Previous.RootHash)

	require.Equal(t, uint64(1), f.height(t))
	require.Zero(t, f.mempool.Len())
	require.Equal(t, Idle, f.producer.State())
	require.False(t, f.producer.IsProducingBlock())

	batch, err := f.storage.GetBatchAt(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, block.Hash, batch.BlockHash)
	require.NoError(t, prover.VerifyFor(ctx, prover.NewSimulatedProver(0), batch.Proof, tasks.BlockProofCircuit, tasks.BlockPublicInput(block)))

	// the next block chains onto the first
	f.submit(t, "mint", 2, me, common.Uint64ToHash(1))
	next, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Height)
	require.Equal(t, block.Hash, next.ParentHash)
	require.Equal(t, block.ToStateRoot, next.FromStateRoot)
	require.Equal(t, block.NetworkStateDuring, next.NetworkStateBefore)
	require.Equal(t, block.Hash, next.NetworkStateDuring.Previous.BlockHash)
	require.Equal(t, uint64(1), next.NetworkStateDuring.Block.Height)
}

func TestProduceBlockMoreTransitionsThanBatch(t *testing.T) {
	f := newFixture(t, Config{StateTransitionBatchSize: 1}, prover.NewSimulatedProver(0))
	for i := uint64(0); i < 5; i++ {
		f.submit(t, "mint", i, common.Uint64ToHash(i), common.Uint64ToHash(10))
	}
	block, err := f.producer.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.Len(t, block.Transactions, 5)
	require.Equal(t, block.ToStateRoot, f.root(t))
}

// A failing proof aborts the cycle without touching height, tree or mempool;
// the next cycle proves the same transactions.
func TestProduceBlockRetryAfterProofFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := prover.NewMockProver(ctrl)
	simulated := prover.NewSimulatedProver(0)
	var failing atomic.Bool
	mock.EXPECT().Prove(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, circuitID string, publicInput, witness []byte) (*types.Proof, error) {
			if circuitID == tasks.BlockProofCircuit && failing.Load() {
				return nil, errors.New("prover crashed")
			}
			return simulated.Prove(ctx, circuitID, publicInput, witness)
		}).AnyTimes()
	mock.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(simulated.Verify).AnyTimes()

	f := newFixture(t, DefaultConfig, mock)
	ctx := context.Background()
	me := f.key.PublicKey().Hash()
	for i := uint64(0); i < 5; i++ {
		f.submit(t, "mint", i, me, common.Uint64ToHash(1))
		_, err := f.producer.ProduceBlock(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), f.height(t))
	root := f.root(t)

	tx := f.submit(t, "mint", 5, me, common.Uint64ToHash(1))
	failing.Store(true)
	block, err := f.producer.ProduceBlock(ctx)
	require.ErrorIs(t, err, taskqueue.ErrTaskFailed)
	require.Nil(t, block)
	require.Equal(t, uint64(5), f.height(t))
	require.Equal(t, root, f.root(t))
	require.True(t, f.mempool.Has(tx.Hash()))
	require.Equal(t, Idle, f.producer.State())

	failing.Store(false)
	block, err = f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), block.Height)
	require.Equal(t, root, block.FromStateRoot)
	require.Equal(t, uint64(6), f.height(t))
	require.False(t, f.mempool.Has(tx.Hash()))
}

func TestStaleNoncesDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig, prover.NewSimulatedProver(0))
	ctx := context.Background()
	me := f.key.PublicKey().Hash()

	f.submit(t, "mint", 0, me, common.Uint64ToHash(1))
	_, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)

	stale := f.submit(t, "mint", 0, me, common.Uint64ToHash(2))
	future := f.submit(t, "mint", 3, me, common.Uint64ToHash(3))
	block, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Nil(t, block)
	require.Equal(t, uint64(1), f.height(t))
	require.False(t, f.mempool.Has(stale.Hash()))
	require.True(t, f.mempool.Has(future.Hash()))
}

func TestFailedMethodIncluded(t *testing.T) {
	f := newFixture(t, DefaultConfig, prover.NewSimulatedProver(0))
	f.submit(t, "transfer", 0, common.Uint64ToHash(1), common.Uint64ToHash(5))
	block, err := f.producer.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	require.False(t, block.Transactions[0].Status)
	require.Len(t, block.Transactions[0].ProtocolTransitions, 1)
	require.Empty(t, block.Transactions[0].StateTransitions)
}

func TestEmptyBlocks(t *testing.T) {
	f := newFixture(t, DefaultConfig, prover.NewSimulatedProver(0))
	block, err := f.producer.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.Nil(t, block)
	require.Zero(t, f.height(t))

	f = newFixture(t, Config{AllowEmptyBlocks: true}, prover.NewSimulatedProver(0))
	block, err = f.producer.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Empty(t, block.Transactions)
	require.Equal(t, block.FromStateRoot, block.ToStateRoot)
	require.True(t, block.TransactionsHash.IsZero())
	require.Equal(t, uint64(1), f.height(t))
}

func TestNewRejectsVirtualCache(t *testing.T) {
	rt, err := runtime.New(testHeight, nil, runtime.DefaultModules()...)
	require.NoError(t, err)
	cache, err := trie.NewCachedMerkleTreeStore(trie.NewMemoryAsyncStore(), testHeight, nil)
	require.NoError(t, err)
	_, err = New(DefaultConfig, nil, rt, cache.Virtualize(), rawdb.NewMemoryBlockStorage(), nil, nil, nil)
	require.Error(t, err)

	other, err := trie.NewCachedMerkleTreeStore(trie.NewMemoryAsyncStore(), testHeight+1, nil)
	require.NoError(t, err)
	_, err = New(DefaultConfig, nil, rt, other, rawdb.NewMemoryBlockStorage(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHeightMismatch)
}

func TestRollingAverage(t *testing.T) {
	ra := NewRollingAverage(2)
	require.Zero(t, ra.Average())
	ra.Add(10)
	ra.Add(20)
	require.EqualValues(t, 15, ra.Average())
	ra.Add(40)
	require.EqualValues(t, 30, ra.Average())
}

func TestSealStorageFailureKeepsTransactions(t *testing.T) {
	storage := &flakyStorage{MemoryBlockStorage: rawdb.NewMemoryBlockStorage()}
	f := newFixtureWithStorage(t, DefaultConfig, prover.NewSimulatedProver(0), storage)
	ctx := context.Background()
	me := f.key.PublicKey().Hash()

	// a failed first block leaves the empty tree behind
	storage.failures.Store(1)
	f.submit(t, "mint", 0, me, common.Uint64ToHash(100))
	_, err := f.producer.ProduceBlock(ctx)
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, f.height(t))
	require.Equal(t, trie.EmptyRoot(testHeight), f.root(t))
	require.Equal(t, trie.EmptyRoot(testHeight), f.storedRoot(t))
	require.Equal(t, 1, f.mempool.Len())
	require.Equal(t, Idle, f.producer.State())

	first, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, uint64(0), first.Height)
	require.Len(t, first.Transactions, 1)

	storage.failures.Store(1)
	tx := f.submit(t, "mint", 1, me, common.Uint64ToHash(5))
	_, err = f.producer.ProduceBlock(ctx)
	require.ErrorContains(t, err, "store block")
	require.Equal(t, uint64(1), f.height(t))
	require.Equal(t, first.ToStateRoot, f.root(t))
	require.Equal(t, first.ToStateRoot, f.storedRoot(t))
	require.Equal(t, 1, f.mempool.Len())

	next, err := f.producer.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, uint64(1), next.Height)
	require.Equal(t, common.Hashes{tx.Hash()}, next.TxHashes())
	require.True(t, next.Transactions[0].Status, next.Transactions[0].StatusMessage)
	require.Equal(t, first.ToStateRoot, next.FromStateRoot)
	require.Equal(t, next.ToStateRoot, f.storedRoot(t))
	require.Zero(t, f.mempool.Len())
}
