// Package fixedint implements unsigned integers of a fixed bit width with
// checked arithmetic. Every operation that could leave the range of the
// width returns an error instead of wrapping around.
package fixedint

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/dominant-strategies/go-sequencer/common"
)

var (
	ErrOverflow       = errors.New("fixedint: overflow")
	ErrUnderflow      = errors.New("fixedint: underflow")
	ErrDivisionByZero = errors.New("fixedint: division by zero")
	ErrNotWider       = errors.New("fixedint: target width is narrower than source")
)

// Width is the type parameter selecting the bit width of a UInt.
type Width interface {
	Bits() uint
}

type (
	W32  struct{}
	W64  struct{}
	W112 struct{}
	W224 struct{}
	W256 struct{}
)

func (W32) Bits() uint  { return 32 }
func (W64) Bits() uint  { return 64 }
func (W112) Bits() uint { return 112 }
func (W224) Bits() uint { return 224 }
func (W256) Bits() uint { return 256 }

// UInt is an unsigned integer of width W. The zero value is 0.
type UInt[W Width] struct {
	v uint256.Int
}

type (
	UInt32  = UInt[W32]
	UInt64  = UInt[W64]
	UInt112 = UInt[W112]
	UInt224 = UInt[W224]
)

func widthOf[W Width]() uint {
	var w W
	return w.Bits()
}

func fits[W Width](v *uint256.Int) bool {
	return uint(v.BitLen()) <= widthOf[W]()
}

// New returns v as a UInt of width W.
func New[W Width](v uint64) (UInt[W], error) {
	return FromUint256[W](uint256.NewInt(v))
}

// MustNew is New for constants known to fit.
func MustNew[W Width](v uint64) UInt[W] {
	u, err := New[W](v)
	if err != nil {
		panic(err)
	}
	return u
}

// FromUint256 checks that v fits into W.
func FromUint256[W Width](v *uint256.Int) (UInt[W], error) {
	var u UInt[W]
	if !fits[W](v) {
		return u, ErrOverflow
	}
	u.v.Set(v)
	return u, nil
}

// FromHash decodes a big endian state word.
func FromHash[W Width](h common.Hash) (UInt[W], error) {
	return FromUint256[W](h.Uint256())
}

// Max returns the largest value representable in W.
func Max[W Width]() UInt[W] {
	var u UInt[W]
	u.v.SetAllOne()
	u.v.Rsh(&u.v, 256-widthOf[W]())
	return u
}

func (a UInt[W]) Add(b UInt[W]) (UInt[W], error) {
	var r UInt[W]
	if _, overflow := r.v.AddOverflow(&a.v, &b.v); overflow || !fits[W](&r.v) {
		return UInt[W]{}, ErrOverflow
	}
	return r, nil
}

func (a UInt[W]) Sub(b UInt[W]) (UInt[W], error) {
	if a.v.Lt(&b.v) {
		return UInt[W]{}, ErrUnderflow
	}
	var r UInt[W]
	r.v.Sub(&a.v, &b.v)
	return r, nil
}

func (a UInt[W]) Mul(b UInt[W]) (UInt[W], error) {
	var r UInt[W]
	if _, overflow := r.v.MulOverflow(&a.v, &b.v); overflow || !fits[W](&r.v) {
		return UInt[W]{}, ErrOverflow
	}
	return r, nil
}

func (a UInt[W]) Div(b UInt[W]) (UInt[W], error) {
	if b.v.IsZero() {
		return UInt[W]{}, ErrDivisionByZero
	}
	var r UInt[W]
	r.v.Div(&a.v, &b.v)
	return r, nil
}

func (a UInt[W]) Mod(b UInt[W]) (UInt[W], error) {
	if b.v.IsZero() {
		return UInt[W]{}, ErrDivisionByZero
	}
	var r UInt[W]
	r.v.Mod(&a.v, &b.v)
	return r, nil
}

// Cmp returns -1, 0 or +1.
func (a UInt[W]) Cmp(b UInt[W]) int { return a.v.Cmp(&b.v) }

func (a UInt[W]) Lt(b UInt[W]) bool { return a.v.Lt(&b.v) }
func (a UInt[W]) Gt(b UInt[W]) bool { return a.v.Gt(&b.v) }
func (a UInt[W]) Eq(b UInt[W]) bool { return a.v.Eq(&b.v) }
func (a UInt[W]) IsZero() bool      { return a.v.IsZero() }

// Uint64 returns the value if it fits into 64 bits.
func (a UInt[W]) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// Uint256 returns a copy of the underlying value.
func (a UInt[W]) Uint256() *uint256.Int { return a.v.Clone() }

// ToHash encodes the value as a big endian state word.
func (a UInt[W]) ToHash() common.Hash { return common.Uint256ToHash(&a.v) }

func (a UInt[W]) String() string { return a.v.Dec() }

func (a UInt[W]) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

func (a *UInt[W]) UnmarshalText(input []byte) error {
	var v uint256.Int
	if err := v.SetFromDecimal(string(input)); err != nil {
		return err
	}
	if !fits[W](&v) {
		return ErrOverflow
	}
	a.v.Set(&v)
	return nil
}

// Widen converts a into a width that is at least as large.
func Widen[To, From Width](a UInt[From]) (UInt[To], error) {
	if widthOf[To]() < widthOf[From]() {
		return UInt[To]{}, ErrNotWider
	}
	var r UInt[To]
	r.v.Set(&a.v)
	return r, nil
}

// Narrow converts a into a smaller width, failing if the value does not fit.
func Narrow[To, From Width](a UInt[From]) (UInt[To], error) {
	return FromUint256[To](&a.v)
}
