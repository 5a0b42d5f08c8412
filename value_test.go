package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImmediateRoundTrip(t *testing.T) {
	t.Run("int", func(t *testing.T) {
		w := Int(-42)
		v, ok := w.AsInt()
		require.True(t, ok)
		require.Equal(t, int64(-42), v)
	})

	t.Run("uint", func(t *testing.T) {
		w := Uint(42)
		v, ok := w.AsUint()
		require.True(t, ok)
		require.Equal(t, uint64(42), v)
	})

	t.Run("char", func(t *testing.T) {
		w := Char('Q')
		v, ok := w.AsChar()
		require.True(t, ok)
		require.Equal(t, 'Q', v)
	})

	t.Run("symbol", func(t *testing.T) {
		w := Symbol(SymIf)
		id, ok := w.IsSymbol()
		require.True(t, ok)
		require.Equal(t, SymIf, id)
	})
}

func TestTruthy(t *testing.T) {
	require.False(t, NilWord.Truthy())
	require.True(t, TWord.Truthy())
	require.True(t, Int(0).Truthy(), "zero is not nil")
	require.True(t, EvalErrorWord.Truthy(), "error symbols are truthy outside progn")
}

func TestHeapTypeOfImmediates(t *testing.T) {
	aux := NewAuxMemory(64)
	h := NewHeap(8, aux)

	require.Equal(t, TypeNil, h.TypeOf(NilWord))
	require.Equal(t, TypeT, h.TypeOf(TWord))
	require.Equal(t, TypeOutOfMemory, h.TypeOf(OutOfMemoryWord))
	require.Equal(t, TypeInt, h.TypeOf(Int(7)))
	require.Equal(t, TypeUint, h.TypeOf(Uint(7)))
	require.Equal(t, TypeChar, h.TypeOf(Char('a')))
	require.Equal(t, TypeSymbol, h.TypeOf(Symbol(SymDefine)))
}
