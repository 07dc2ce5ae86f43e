package types

import (
	"testing"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/stretchr/testify/require"
)

func signedTx(t *testing.T, key *crypto.PrivateKey, nonce uint64, args ...common.Hash) *PendingTransaction {
	t.Helper()
	tx, err := SignTx(NewTransaction(common.Uint64ToHash(42), nonce, key.PublicKey(), args...), key)
	require.NoError(t, err)
	return tx
}

func TestTransactionSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, key, 0, common.Uint64ToHash(1))
	require.NoError(t, tx.VerifySignature())

	tampered := *tx
	tampered.Nonce = 1
	require.ErrorIs(t, tampered.VerifySignature(), ErrInvalidSignature)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = SignTx(tx, other)
	require.Error(t, err)
}

func TestTransactionHashCoversArgs(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	a := signedTx(t, key, 0, common.Uint64ToHash(1))
	b := signedTx(t, key, 0, common.Uint64ToHash(2))
	require.NotEqual(t, a.Hash(), b.Hash())
	// the signature is not part of the hash
	c := *a
	c.Signature = common.Signature{}
	require.Equal(t, a.Hash(), c.Hash())
}

func TestHashListMatchesManualChain(t *testing.T) {
	a, b := common.Uint64ToHash(1), common.Uint64ToHash(2)
	want := crypto.KeccakHashes(crypto.KeccakHashes(common.Hash{}, a), b)
	require.Equal(t, want, ChainHashes(common.Hash{}, a, b))
	require.Equal(t, common.Hash{}, ChainHashes(common.Hash{}))
}

func TestOptionHashDistinguishesNone(t *testing.T) {
	require.NotEqual(t, None().Hash(), Some(common.Hash{}).Hash())
}

func TestBlockEncoding(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 0)
	block := (&Block{
		Height: 3,
		Transactions: []*ComputedBlockTransaction{{
			Tx:     tx,
			Status: true,
			StateTransitions: []StateTransition{{
				Path: common.Uint64ToHash(9), From: None(), To: Some(common.Uint64ToHash(5)),
			}},
		}},
		NetworkStateBefore: NetworkState{Block: CurrentBlock{Height: 3}},
	}).Seal()

	data, err := EncodeBlock(block)
	require.NoError(t, err)
	decoded, err := DecodeBlock(data)
	require.NoError(t, err)
	require.Equal(t, block.Hash, decoded.Hash)
	require.Equal(t, block.Hash, decoded.ComputeHash())
	require.Equal(t, common.Hashes{tx.Hash()}, decoded.TxHashes())
	require.NoError(t, decoded.Transactions[0].Tx.VerifySignature())
}
