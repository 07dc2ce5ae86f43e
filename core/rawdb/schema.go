// Package rawdb contains the persistent stores of the sequencer: the Merkle
// tree node stores, block and batch storage and the mempool journal.
package rawdb

import (
	"encoding/binary"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The fields below define the low level database schema prefixing.
var (
	// databaseVersionKey tracks the current database version.
	databaseVersionKey = []byte("DatabaseVersion")

	// headBlockHeightKey tracks the height of the latest stored block.
	headBlockHeightKey = []byte("LastBlockHeight")

	// Data item prefixes (use single byte to avoid mixing data types).
	treeNodePrefix     = []byte("n") // treeNodePrefix + varint(level) + index (32 bytes) -> hash
	blockPrefix        = []byte("b") // blockPrefix + num (uint64 big endian) -> block
	blockHashPrefix    = []byte("H") // blockHashPrefix + hash -> num (uint64 big endian)
	batchPrefix        = []byte("B") // batchPrefix + num (uint64 big endian) -> batch
	unsettledPrefix    = []byte("u") // unsettledPrefix + num (uint64 big endian) -> nil
	mempoolTxPrefix    = []byte("m") // mempoolTxPrefix + seq (uint64 big endian) -> tx
	mempoolTxSeqPrefix = []byte("M") // mempoolTxSeqPrefix + tx hash -> seq
)

const dbVersion = 1

var errInvalidNodeKey = errors.New("invalid tree node key")

// encodeBlockNumber encodes a block number as big endian uint64
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// treeNodeKey = treeNodePrefix + varint(level) + index
func treeNodeKey(nk trie.NodeKey) []byte {
	key := make([]byte, 0, len(treeNodePrefix)+2+common.HashLength)
	key = append(key, treeNodePrefix...)
	key = protowire.AppendVarint(key, uint64(nk.Level))
	index := nk.Index.Bytes32()
	return append(key, index[:]...)
}

// parseTreeNodeKey is the inverse of treeNodeKey.
func parseTreeNodeKey(key []byte) (trie.NodeKey, error) {
	if len(key) <= len(treeNodePrefix) || string(key[:len(treeNodePrefix)]) != string(treeNodePrefix) {
		return trie.NodeKey{}, errInvalidNodeKey
	}
	rest := key[len(treeNodePrefix):]
	level, n := protowire.ConsumeVarint(rest)
	if n < 0 || level >= trie.MaxHeight || len(rest[n:]) != common.HashLength {
		return trie.NodeKey{}, errInvalidNodeKey
	}
	var nk trie.NodeKey
	nk.Level = uint8(level)
	nk.Index.SetBytes32(rest[n:])
	return nk, nil
}

// blockKey = blockPrefix + num (uint64 big endian)
func blockKey(number uint64) []byte {
	return append(append([]byte{}, blockPrefix...), encodeBlockNumber(number)...)
}

// blockHashKey = blockHashPrefix + hash
func blockHashKey(hash common.Hash) []byte {
	return append(append([]byte{}, blockHashPrefix...), hash.Bytes()...)
}

// batchKey = batchPrefix + num (uint64 big endian)
func batchKey(number uint64) []byte {
	return append(append([]byte{}, batchPrefix...), encodeBlockNumber(number)...)
}

// unsettledKey = unsettledPrefix + num (uint64 big endian)
func unsettledKey(number uint64) []byte {
	return append(append([]byte{}, unsettledPrefix...), encodeBlockNumber(number)...)
}

// mempoolTxKey = mempoolTxPrefix + seq (uint64 big endian)
func mempoolTxKey(seq uint64) []byte {
	return append(append([]byte{}, mempoolTxPrefix...), encodeBlockNumber(seq)...)
}

// mempoolTxSeqKey = mempoolTxSeqPrefix + hash
func mempoolTxSeqKey(hash common.Hash) []byte {
	return append(append([]byte{}, mempoolTxSeqPrefix...), hash.Bytes()...)
}
