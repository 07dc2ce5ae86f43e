// Package types contains the data types shared by the mempool, the runtime
// and the block production pipeline.
package types

import (
	"encoding/binary"
	"fmt"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/pkg/errors"
)

var ErrInvalidSignature = errors.New("invalid transaction signature")

// PendingTransaction is a signed call of a runtime method. It is treated as
// immutable once signed; identity and ordering are by Hash.
type PendingTransaction struct {
	MethodID  common.Hash      `json:"methodId"`
	Nonce     uint64           `json:"nonce"`
	Sender    common.PublicKey `json:"sender"`
	Args      []common.Hash    `json:"args"`
	Signature common.Signature `json:"signature"`
}

// NewTransaction builds an unsigned transaction.
func NewTransaction(methodID common.Hash, nonce uint64, sender common.PublicKey, args ...common.Hash) *PendingTransaction {
	cpy := make([]common.Hash, len(args))
	copy(cpy, args)
	return &PendingTransaction{
		MethodID: methodID,
		Nonce:    nonce,
		Sender:   sender,
		Args:     cpy,
	}
}

// SignTx returns a signed copy of tx.
func SignTx(tx *PendingTransaction, key *crypto.PrivateKey) (*PendingTransaction, error) {
	if key.PublicKey() != tx.Sender {
		return nil, errors.Errorf("signer %s is not the sender %s", key.PublicKey(), tx.Sender)
	}
	sig, err := key.Sign(tx.Hash())
	if err != nil {
		return nil, err
	}
	cpy := *tx
	cpy.Args = append([]common.Hash(nil), tx.Args...)
	cpy.Signature = sig
	return &cpy, nil
}

// ArgsHash is the digest of the argument words.
func (tx *PendingTransaction) ArgsHash() common.Hash {
	return crypto.KeccakHashes(tx.Args...)
}

// Hash is the signable payload: keccak(methodId ‖ nonce ‖ sender ‖ argsHash).
func (tx *PendingTransaction) Hash() common.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	argsHash := tx.ArgsHash()
	return crypto.Keccak256Hash(tx.MethodID[:], nonce[:], tx.Sender[:], argsHash[:])
}

// VerifySignature checks the signature against the sender.
func (tx *PendingTransaction) VerifySignature() error {
	if !crypto.VerifySignature(tx.Sender, tx.Hash(), tx.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (tx *PendingTransaction) String() string {
	return fmt.Sprintf("tx{hash: %s, method: %s, nonce: %d, sender: %s}",
		tx.Hash().TerminalString(), tx.MethodID.TerminalString(), tx.Nonce, tx.Sender.Hash().TerminalString())
}

// Transactions is a PendingTransaction slice type for basic sorting.
type Transactions []*PendingTransaction

// Len returns the length of s.
func (s Transactions) Len() int { return len(s) }

// Hashes returns the hash of every transaction, in order.
func (s Transactions) Hashes() common.Hashes {
	hashes := make(common.Hashes, len(s))
	for i, tx := range s {
		hashes[i] = tx.Hash()
	}
	return hashes
}
