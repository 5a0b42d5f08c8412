package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternIsIdempotent(t *testing.T) {
	st := NewSymbolTable()
	a := st.Intern("foo")
	b := st.Intern("foo")
	require.Equal(t, a, b)

	name, ok := st.LookupName(a)
	require.True(t, ok)
	require.Equal(t, "foo", name)
}

func TestReservedNamesPreResolved(t *testing.T) {
	st := NewSymbolTable()
	id := st.Intern("if")
	require.Equal(t, SymIf, id, "interning a reserved name must return its pre-assigned id")
	require.True(t, IsReserved(id))
}

func TestFundamentalAndExtensionRanges(t *testing.T) {
	require.True(t, IsFundamental(fnAdd))
	require.False(t, IsFundamental(extensionBase))
	require.True(t, IsExtensionID(extensionBase))
	require.False(t, IsExtensionID(userSymbolBase))
}

func TestInternAtPanicsOnDuplicateID(t *testing.T) {
	st := NewSymbolTable()
	st.internAt(extensionBase, "one")
	require.Panics(t, func() { st.internAt(extensionBase, "two") })
}
