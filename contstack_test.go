package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContStackPushPopOrder(t *testing.T) {
	s := NewContStack(4, 0)
	require.True(t, s.Push(Int(1)))
	require.True(t, s.Push(Int(2)))
	require.Equal(t, Int(2), s.Pop())
	require.Equal(t, Int(1), s.Pop())
}

func TestContStackPopNPreservesPushOrder(t *testing.T) {
	s := NewContStack(4, 0)
	s.Push(Int(1))
	s.Push(Int(2))
	s.Push(Int(3))
	got := s.PopN(3)
	require.Equal(t, []Word{Int(1), Int(2), Int(3)}, got)
	require.Equal(t, 0, s.SP())
}

func TestContStackFixedCapacityOverflow(t *testing.T) {
	s := NewContStack(2, 2)
	require.True(t, s.Push(Int(1)))
	require.True(t, s.Push(Int(2)))
	require.False(t, s.Push(Int(3)))
}

func TestContStackPushNIsAtomic(t *testing.T) {
	s := NewContStack(2, 2)
	require.True(t, s.Push(Int(1)))
	ok := s.PushN(Int(2), Int(3))
	require.False(t, ok, "pushing past capacity must push nothing")
	require.Equal(t, 1, s.SP())
}

func TestContStackUnderflowPanics(t *testing.T) {
	s := NewContStack(2, 0)
	require.Panics(t, func() { s.Pop() })
}

func TestContStackMaxSPIsMonotonic(t *testing.T) {
	s := NewContStack(2, 0)
	s.Push(Int(1))
	s.Push(Int(2))
	require.Equal(t, 2, s.MaxSP())
	s.Pop()
	s.Clear()
	require.Equal(t, 2, s.MaxSP(), "Clear must not reset the high-water mark")
}
