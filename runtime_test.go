package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDumpStateReportsContextsAndOccupancy(t *testing.T) {
	rt := newTestRuntime(t, 256, 1024)
	st := rt.Symbols
	x := sym(st, "x")

	recvExpr := build(t, rt.Heap, L{Symbol(SymRecv), L{L{x, x}}})
	ctx := rt.Spawn(recvExpr, NilWord)
	rt.RunUntilIdle()
	require.Equal(t, StateBlockedOnRecv, ctx.State)

	out, err := rt.DumpState()
	require.NoError(t, err)

	var snap RuntimeSnapshot
	require.NoError(t, yaml.Unmarshal([]byte(out), &snap))
	require.Equal(t, 1, snap.BlockedCount)
	require.Equal(t, 0, snap.ReadyCount)
	require.Len(t, snap.Contexts, 1)
	require.Equal(t, ctx.ID, snap.Contexts[0].ID)
	require.Equal(t, "blocked_on_recv", snap.Contexts[0].State)
}

func TestSaveRestoreReleaseHandleRoundTrip(t *testing.T) {
	type hostState struct{ Name string }
	h := SaveHandle(&hostState{Name: "embedder"})
	defer ReleaseHandle(h)

	got, ok := RestoreHandle(h).(*hostState)
	require.True(t, ok)
	require.Equal(t, "embedder", got.Name)
}
