package crypto

import (
	"hash"

	"github.com/dominant-strategies/go-sequencer/common"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// KeccakState wraps sha3.state. In addition to the usual hash methods, it also supports
// Read to get a variable amount of data from the hash state. Read is faster than Sum
// because it doesn't copy the internal state, but also modifies the internal state.
type KeccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

// NewKeccakState creates a new KeccakState
func NewKeccakState() KeccakState {
	return sha3.NewLegacyKeccak256().(KeccakState)
}

// HashData hashes the provided data using the KeccakState and returns a 32 byte hash
func HashData(kh KeccakState, data []byte) (h common.Hash) {
	kh.Reset()
	kh.Write(data)
	kh.Read(h[:])
	return h
}

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	b := make([]byte, 32)
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b)
	}
	d.Read(b)
	return b
}

// Keccak256Hash calculates and returns the Keccak256 hash of the input data,
// converting it to an internal Hash data structure.
func Keccak256Hash(data ...[]byte) (h common.Hash) {
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b)
	}
	d.Read(h[:])
	return h
}

// KeccakHashes folds a list of words into one digest.
func KeccakHashes(hs ...common.Hash) common.Hash {
	d := NewKeccakState()
	for _, h := range hs {
		d.Write(h[:])
	}
	var out common.Hash
	d.Read(out[:])
	return out
}

// NodeHash is the two-to-one compression used for interior Merkle nodes.
func NodeHash(left, right common.Hash) common.Hash {
	var buf [2 * common.HashLength]byte
	copy(buf[:common.HashLength], left[:])
	copy(buf[common.HashLength:], right[:])
	return blake3.Sum256(buf[:])
}
