package lispbm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCKeepsReachableCells(t *testing.T) {
	h := newTestHeap(4, 64)
	pair, ok := h.Cons(Int(1), Int(2))
	require.True(t, ok)

	gc := NewGC(h, 16)
	stats, err := gc.Collect([]Word{pair})
	require.NoError(t, err)
	require.Equal(t, 1, stats.CellsLive)
	require.Equal(t, 3, stats.CellsFreed)

	require.Equal(t, Int(1), h.Car(pair))
}

func TestGCFreesUnreachableCells(t *testing.T) {
	h := newTestHeap(4, 64)
	_, ok := h.Cons(Int(1), NilWord)
	require.True(t, ok)

	gc := NewGC(h, 16)
	stats, err := gc.Collect(nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.CellsLive)
	require.Equal(t, 4, stats.CellsFreed)

	for i := 0; i < 4; i++ {
		_, ok := h.Cons(Int(int64(i)), NilWord)
		require.True(t, ok, "every cell should have been reclaimed")
	}
}

func TestGCSurvivesLongChain(t *testing.T) {
	const n = 10000
	h := NewHeap(n, NewAuxMemory(64))

	lst := NilWord
	for i := 0; i < n; i++ {
		w, ok := h.Cons(Int(int64(i)), lst)
		require.True(t, ok)
		lst = w
	}

	gc := NewGC(h, n+16)
	stats, err := gc.Collect([]Word{lst})
	require.NoError(t, err)
	require.Equal(t, n, stats.CellsLive)
	require.Equal(t, 0, stats.CellsFreed)

	// The arena is full again; nothing more can be allocated...
	_, ok := h.Cons(Int(0), NilWord)
	require.False(t, ok)

	// ...until the chain is dropped and collected.
	stats, err = gc.Collect(nil)
	require.NoError(t, err)
	require.Equal(t, n, stats.CellsFreed)
	_, ok = h.Cons(Int(0), NilWord)
	require.True(t, ok)
}

func TestGCMarkStackOverflowIsReported(t *testing.T) {
	h := newTestHeap(8, 64)
	pair, _ := h.Cons(Int(1), Int(2))

	gc := NewGC(h, 0)
	_, err := gc.Collect([]Word{pair})
	require.ErrorIs(t, err, ErrMarkStackOverflow)
}

func TestGCDoesNotChaseBoxedBitPatterns(t *testing.T) {
	h := newTestHeap(8, 64)
	victim, ok := h.Cons(Int(1), Int(2))
	require.True(t, ok)

	// A boxed float whose bit pattern happens to decode as a cons
	// pointer to the victim cell. Marking must treat the car of a
	// boxed cell as opaque bits, so the victim stays unreachable.
	aliasBits := uint64(mkPointer(kindCons, victim.cellIndex()))
	boxed, ok := h.NewFloat64(math.Float64frombits(aliasBits))
	require.True(t, ok)

	gc := NewGC(h, 16)
	stats, err := gc.Collect([]Word{boxed})
	require.NoError(t, err)
	require.Equal(t, 1, stats.CellsLive, "only the boxed cell itself is live")
	require.Equal(t, 7, stats.CellsFreed)
	require.InDelta(t, math.Float64frombits(aliasBits), h.UnboxFloat64(boxed), 0)
}

func TestGCFreesUnreachableArrayPayloads(t *testing.T) {
	h := newTestHeap(8, 64)
	before := h.aux.NumFree()

	arr, ok := h.NewStringArray("payload")
	require.True(t, ok)
	require.Less(t, h.aux.NumFree(), before)

	gc := NewGC(h, 16)
	stats, err := gc.Collect([]Word{arr})
	require.NoError(t, err)
	require.Equal(t, 0, stats.ArraysFreed, "a rooted array keeps its payload")
	require.Equal(t, "payload", h.ArrayString(arr))

	stats, err = gc.Collect(nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ArraysFreed)
	require.Equal(t, before, h.aux.NumFree(), "the payload run returns to aux memory")
}

func TestGCAllocateDropLoopRestoresFreeCount(t *testing.T) {
	rt := newTestRuntime(t, 256, 1024)
	baseline := rt.Heap.HeapNumFree()

	for i := 0; i < 10000; i++ {
		if _, ok := rt.Heap.Cons(Int(int64(i)), NilWord); !ok {
			_, err := rt.CollectGarbage()
			require.NoError(t, err)
			_, ok = rt.Heap.Cons(Int(int64(i)), NilWord)
			require.True(t, ok, "a collected arena must have room again")
		}
	}

	_, err := rt.CollectGarbage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, rt.Heap.HeapNumFree(), baseline-1,
		"dropping every reference recovers the arena to within one cell")
}
