package types

import (
	"fmt"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/holiman/uint256"
)

// Option is a possibly absent state value.
type Option struct {
	IsSome bool        `json:"isSome"`
	Value  common.Hash `json:"value"`
}

func Some(v common.Hash) Option { return Option{IsSome: true, Value: v} }
func None() Option             { return Option{} }

// Hash commits to presence and value.
func (o Option) Hash() common.Hash {
	var flag common.Hash
	if o.IsSome {
		flag[common.HashLength-1] = 1
	}
	return crypto.KeccakHashes(flag, o.Value)
}

func (o Option) String() string {
	if !o.IsSome {
		return "none"
	}
	return o.Value.TerminalString()
}

// StateTransition records the value at a tree path before and after a step.
// A transition whose To is none only asserts the From value.
type StateTransition struct {
	Path common.Hash `json:"path"`
	From Option      `json:"from"`
	To   Option      `json:"to"`
}

// PathKey returns the path as a tree key.
func (st StateTransition) PathKey() *uint256.Int { return st.Path.Uint256() }

// IsWrite reports whether the transition changes state.
func (st StateTransition) IsWrite() bool { return st.To.IsSome }

// Hash is keccak over the path and both options.
func (st StateTransition) Hash() common.Hash {
	return crypto.KeccakHashes(st.Path, st.From.Hash(), st.To.Hash())
}

func (st StateTransition) String() string {
	return fmt.Sprintf("st{path: %s, from: %s, to: %s}", st.Path.TerminalString(), st.From, st.To)
}

// StateTransitionsHash chains the hash of every transition onto start.
func StateTransitionsHash(start common.Hash, sts []StateTransition) common.Hash {
	l := NewHashList(start)
	for _, st := range sts {
		l.Push(st.Hash())
	}
	return l.Commitment()
}
