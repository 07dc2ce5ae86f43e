package common

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Lengths of hashes and public keys in bytes.
const (
	// HashLength is the expected length of the hash
	HashLength = 32
	// PublicKeyLength is the length of an x-only schnorr public key
	PublicKeyLength = 32
	// SignatureLength is the length of a schnorr signature
	SignatureLength = 64
)

var (
	hashT      = reflect.TypeOf(Hash{})
	publicKeyT = reflect.TypeOf(PublicKey{})
	signatureT = reflect.TypeOf(Signature{})
)

// Hash represents a 32 byte digest. It is used for transaction hashes, tree
// node values and commitments alike.
type Hash [HashLength]byte

// BytesToHash sets b to hash.
// If b is larger than len(h), b will be cropped from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash sets byte representation of s to hash.
func HexToHash(s string) Hash {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}
	}
	return BytesToHash(b)
}

// Uint64ToHash left pads the big endian encoding of v.
func Uint64ToHash(v uint64) Hash {
	return Uint256ToHash(uint256.NewInt(v))
}

// Uint256ToHash encodes v as a 32 byte big endian word.
func Uint256ToHash(v *uint256.Int) Hash {
	return Hash(v.Bytes32())
}

// Bytes gets the byte representation of the underlying hash.
func (h Hash) Bytes() []byte { return h[:] }

// Uint256 interprets the hash as a big endian unsigned integer.
func (h Hash) Uint256() *uint256.Int { return new(uint256.Int).SetBytes32(h[:]) }

// Hex converts a hash to a hex string.
func (h Hash) Hex() string { return hexutil.Encode(h[:]) }

// IsZero reports whether every byte of h is zero.
func (h Hash) IsZero() bool { return h == Hash{} }

// TerminalString formats a shortened hash for console output during logging.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("%x..%x", h[:3], h[29:])
}

// String implements the stringer interface and is used also by the logger when
// doing full logging into a file.
func (h Hash) String() string {
	return h.Hex()
}

// Format implements fmt.Formatter.
// Hash supports the %v, %s, %q, %x and %X format verbs.
func (h Hash) Format(s fmt.State, c rune) {
	hexb := make([]byte, 2+len(h)*2)
	copy(hexb, "0x")
	hex.Encode(hexb[2:], h[:])

	switch c {
	case 'x', 'X':
		if !s.Flag('#') {
			hexb = hexb[2:]
		}
		if c == 'X' {
			hexb = bytes.ToUpper(hexb)
		}
		fallthrough
	case 'v', 's':
		s.Write(hexb)
	case 'q':
		q := []byte{'"'}
		s.Write(q)
		s.Write(hexb)
		s.Write(q)
	default:
		fmt.Fprintf(s, "%%!%c(hash=%x)", c, h[:])
	}
}

// UnmarshalText parses a hash in hex syntax.
func (h *Hash) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Hash", input, h[:])
}

// UnmarshalJSON parses a hash in hex syntax.
func (h *Hash) UnmarshalJSON(input []byte) error {
	return hexutil.UnmarshalFixedJSON(hashT, input, h[:])
}

// MarshalText returns the hex representation of h.
func (h Hash) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

// SetBytes sets the hash to the value of b.
// If b is larger than len(h), b will be cropped from the left.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > len(h) {
		b = b[len(b)-HashLength:]
	}

	copy(h[HashLength-len(b):], b)
}

// Hashes is a list of hashes with a convenience membership test.
type Hashes []Hash

// Contains reports whether h is part of the list.
func (hs Hashes) Contains(h Hash) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}

// PublicKey is an x-only (BIP-340) public key identifying a transaction sender.
type PublicKey [PublicKeyLength]byte

// BytesToPublicKey copies b into a public key, cropping from the left.
func BytesToPublicKey(b []byte) PublicKey {
	var pk PublicKey
	if len(b) > len(pk) {
		b = b[len(b)-PublicKeyLength:]
	}
	copy(pk[PublicKeyLength-len(b):], b)
	return pk
}

func (pk PublicKey) Bytes() []byte  { return pk[:] }
func (pk PublicKey) Hex() string    { return hexutil.Encode(pk[:]) }
func (pk PublicKey) String() string { return pk.Hex() }

// Hash returns the public key as a 32 byte word, used when the key is an
// argument or part of a state path.
func (pk PublicKey) Hash() Hash { return Hash(pk) }

func (pk *PublicKey) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("PublicKey", input, pk[:])
}

func (pk *PublicKey) UnmarshalJSON(input []byte) error {
	return hexutil.UnmarshalFixedJSON(publicKeyT, input, pk[:])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return hexutil.Bytes(pk[:]).MarshalText()
}

// Signature is a 64 byte schnorr signature.
type Signature [SignatureLength]byte

func (s Signature) Bytes() []byte { return s[:] }
func (s Signature) Hex() string   { return hexutil.Encode(s[:]) }

func (s *Signature) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Signature", input, s[:])
}

func (s *Signature) UnmarshalJSON(input []byte) error {
	return hexutil.UnmarshalFixedJSON(signatureT, input, s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s[:]).MarshalText()
}
