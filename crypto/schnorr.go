package crypto

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/pkg/errors"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

// PrivateKey signs transaction hashes with BIP-340 schnorr signatures.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &PrivateKey{key: key}, nil
}

// ToPrivateKey parses a 32 byte scalar.
func ToPrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, ErrInvalidPrivateKey
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	if key.Key.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return &PrivateKey{key: key}, nil
}

// HexToPrivateKey parses a hex encoded scalar, with or without 0x prefix.
func HexToPrivateKey(s string) (*PrivateKey, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPrivateKey, err.Error())
	}
	return ToPrivateKey(b)
}

// Bytes returns the 32 byte scalar.
func (k *PrivateKey) Bytes() []byte { return k.key.Serialize() }

// PublicKey returns the x-only public key.
func (k *PrivateKey) PublicKey() common.PublicKey {
	return common.BytesToPublicKey(schnorr.SerializePubKey(k.key.PubKey()))
}

// Sign produces a schnorr signature over a 32 byte digest.
func (k *PrivateKey) Sign(hash common.Hash) (common.Signature, error) {
	sig, err := schnorr.Sign(k.key, hash[:])
	if err != nil {
		return common.Signature{}, errors.Wrap(err, "schnorr sign")
	}
	var out common.Signature
	copy(out[:], sig.Serialize())
	return out, nil
}

// VerifySignature reports whether sig is a valid signature of hash by pub.
// Malformed keys or signatures verify as false.
func VerifySignature(pub common.PublicKey, hash common.Hash, sig common.Signature) bool {
	pk, err := schnorr.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return s.Verify(hash[:], pk)
}

// ValidatePublicKey checks that pub is a point on the curve.
func ValidatePublicKey(pub common.PublicKey) error {
	if _, err := schnorr.ParsePubKey(pub[:]); err != nil {
		return errors.Wrap(ErrInvalidPublicKey, err.Error())
	}
	return nil
}
