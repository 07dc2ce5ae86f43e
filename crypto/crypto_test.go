package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/stretchr/testify/require"
)

func TestKeccak256Hash(t *testing.T) {
	// keccak256 of the empty string
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	require.Equal(t, want, hex.EncodeToString(Keccak256(nil)))
	require.Equal(t, want, Keccak256Hash().Hex()[2:])
	require.Equal(t, Keccak256Hash([]byte("ab")), Keccak256Hash([]byte("a"), []byte("b")))
}

func TestNodeHashIsOrderSensitive(t *testing.T) {
	a, b := common.Uint64ToHash(1), common.Uint64ToHash(2)
	require.NotEqual(t, NodeHash(a, b), NodeHash(b, a))
	require.Equal(t, NodeHash(a, b), NodeHash(a, b))
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	pub := key.PublicKey()
	require.NoError(t, ValidatePublicKey(pub))

	msg := Keccak256Hash([]byte("transfer"))
	sig, err := key.Sign(msg)
	require.NoError(t, err)
	require.True(t, VerifySignature(pub, msg, sig))

	other := Keccak256Hash([]byte("other"))
	require.False(t, VerifySignature(pub, other, sig))

	sig[0] ^= 0xff
	require.False(t, VerifySignature(pub, msg, sig))
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	again, err := HexToPrivateKey("0x" + hex.EncodeToString(key.Bytes()))
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), again.PublicKey())

	_, err = ToPrivateKey(make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
}
