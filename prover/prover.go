// Package prover is the boundary to the proof system. Circuits are opaque;
// a proof binds a circuit id to the public input it was generated for.
package prover

//go:generate mockgen -source=prover.go -destination=prover_mock.go -package=prover

import (
	"context"
	"time"

	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/pkg/errors"
)

var ErrCircuitMismatch = errors.New("proof is for a different circuit")

// Prover generates and checks proofs.
type Prover interface {
	Prove(ctx context.Context, circuitID string, publicInput []byte, witness []byte) (*types.Proof, error)
	Verify(ctx context.Context, proof *types.Proof, publicInput []byte) (bool, error)
}

// SimulatedProver produces digest proofs: keccak(circuitID ‖ publicInput).
// They verify only against the same public input, which is enough to check
// that the pipeline threads inputs through correctly.
type SimulatedProver struct {
	// Duration is added to every Prove call.
	Duration time.Duration
}

func NewSimulatedProver(duration time.Duration) *SimulatedProver {
	return &SimulatedProver{Duration: duration}
}

func digest(circuitID string, publicInput []byte) []byte {
	return crypto.Keccak256([]byte(circuitID), publicInput)
}

func (p *SimulatedProver) Prove(ctx context.Context, circuitID string, publicInput []byte, witness []byte) (*types.Proof, error) {
	if p.Duration > 0 {
		timer := time.NewTimer(p.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	d := digest(circuitID, publicInput)
	return &types.Proof{
		CircuitID:   circuitID,
		PublicInput: append([]byte(nil), publicInput...),
		Data:        d,
		Digest:      crypto.Keccak256Hash(d, witness),
	}, nil
}

func (p *SimulatedProver) Verify(ctx context.Context, proof *types.Proof, publicInput []byte) (bool, error) {
	if proof == nil {
		return false, nil
	}
	want := digest(proof.CircuitID, publicInput)
	return string(want) == string(proof.Data), nil
}

// VerifyFor checks that proof was generated for circuitID and publicInput.
func VerifyFor(ctx context.Context, p Prover, proof *types.Proof, circuitID string, publicInput []byte) error {
	if proof == nil || proof.CircuitID != circuitID {
		return ErrCircuitMismatch
	}
	ok, err := p.Verify(ctx, proof, publicInput)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("invalid %s proof", circuitID)
	}
	return nil
}
