package common

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestHashJSON(t *testing.T) {
	h := HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ff")
	require.Equal(t, byte(0xff), h[31])

	enc, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"0x00000000000000000000000000000000000000000000000000000000000000ff"`, string(enc))

	var dec Hash
	require.NoError(t, json.Unmarshal(enc, &dec))
	require.Equal(t, h, dec)

	require.Error(t, json.Unmarshal([]byte(`"0x00ff"`), &dec), "short hashes must be rejected")
}

func TestHashUint256(t *testing.T) {
	v := uint256.NewInt(1234567)
	h := Uint256ToHash(v)
	require.Equal(t, v, h.Uint256())
	require.Equal(t, Uint64ToHash(1234567), h)
	require.False(t, h.IsZero())
	require.True(t, Hash{}.IsZero())
}

func TestBytesToHashCropsFromLeft(t *testing.T) {
	b := make([]byte, 40)
	b[0] = 0xaa
	b[39] = 0x01
	h := BytesToHash(b)
	require.Equal(t, byte(0x01), h[31])
	require.NotEqual(t, byte(0xaa), h[0])
}

func TestRandomID(t *testing.T) {
	a, b := RandomID(8), RandomID(8)
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
}

func TestPrettyFormats(t *testing.T) {
	require.Equal(t, "1.234s", PrettyDuration(1234567890).String())
	require.Equal(t, "2.00 KiB", StorageSize(2048).String())
	require.Equal(t, "12.00 B", StorageSize(12).String())
}
