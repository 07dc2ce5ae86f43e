package fixedint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckedArithmetic(t *testing.T) {
	a := MustNew[W32](10)
	b := MustNew[W32](3)

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "13", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, "7", diff.String())

	_, err = b.Sub(a)
	require.ErrorIs(t, err, ErrUnderflow)

	prod, err := a.Mul(b)
	require.NoError(t, err)
	require.Equal(t, "30", prod.String())

	quo, err := a.Div(b)
	require.NoError(t, err)
	require.Equal(t, "3", quo.String())

	rem, err := a.Mod(b)
	require.NoError(t, err)
	require.Equal(t, "1", rem.String())

	_, err = a.Div(UInt32{})
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestOverflowAtWidth(t *testing.T) {
	max := Max[W32]()
	v, ok := max.Uint64()
	require.True(t, ok)
	require.Equal(t, uint64(1<<32-1), v)

	_, err := max.Add(MustNew[W32](1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = New[W32](1 << 32)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Max[W64]().Mul(MustNew[W64](2))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Max[W256]().Add(MustNew[W256](1))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestWidenNarrow(t *testing.T) {
	small := MustNew[W32](42)
	wide, err := Widen[W112](small)
	require.NoError(t, err)
	require.Equal(t, "42", wide.String())

	_, err = Widen[W32](wide)
	require.ErrorIs(t, err, ErrNotWider)

	back, err := Narrow[W32](wide)
	require.NoError(t, err)
	require.True(t, back.Eq(small))

	_, err = Narrow[W32](Max[W64]())
	require.ErrorIs(t, err, ErrOverflow)
}

func TestHashAndTextRoundTrip(t *testing.T) {
	v := MustNew[W64](123456789)
	h := v.ToHash()
	dec, err := FromHash[W64](h)
	require.NoError(t, err)
	require.True(t, dec.Eq(v))

	_, err = FromHash[W32](Max[W64]().ToHash())
	require.ErrorIs(t, err, ErrOverflow)

	enc, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"123456789"`, string(enc))

	var back UInt64
	require.NoError(t, json.Unmarshal(enc, &back))
	require.True(t, back.Eq(v))
}
