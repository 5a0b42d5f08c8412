package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailboxEnqueueAndOverflow(t *testing.T) {
	m := NewMailbox(2)
	require.True(t, m.Enqueue(Int(1)))
	require.True(t, m.Enqueue(Int(2)))
	require.False(t, m.Enqueue(Int(3)), "a full mailbox rejects further sends")
	require.Equal(t, 2, m.Len())
}

func TestMailboxFIFOOrder(t *testing.T) {
	m := NewMailbox(4)
	m.Enqueue(Int(1))
	m.Enqueue(Int(2))
	first, ok := m.peekOldest()
	require.True(t, ok)
	require.Equal(t, Int(1), first)
	require.Equal(t, Int(1), m.consumeOldest())
	require.Equal(t, Int(2), m.consumeOldest())
}

func TestMatchWildcardBindsNothing(t *testing.T) {
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)

	env, ok := h.Match(Symbol(wildcard), Int(42), NilWord, wildcard)
	require.True(t, ok)
	require.Equal(t, NilWord, env)
}

func TestMatchBindsSymbolToMessage(t *testing.T) {
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)
	x := st.Intern("x")

	env, ok := h.Match(Symbol(x), Int(7), NilWord, wildcard)
	require.True(t, ok)
	v, found := h.EnvLookup(x, env)
	require.True(t, found)
	require.Equal(t, Int(7), v)
}

func TestMatchStructuralPattern(t *testing.T) {
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)
	tag, x := st.Intern("ping"), st.Intern("x")

	pattern := mustConsH(t, h, Symbol(tag), mustConsH(t, h, Symbol(x), NilWord))
	message := mustConsH(t, h, Symbol(tag), mustConsH(t, h, Int(9), NilWord))

	env, ok := h.Match(pattern, message, NilWord, wildcard)
	require.True(t, ok)
	v, _ := h.EnvLookup(x, env)
	require.Equal(t, Int(9), v)

	otherMessage := mustConsH(t, h, Symbol(st.Intern("pong")), mustConsH(t, h, Int(9), NilWord))
	_, ok = h.Match(pattern, otherMessage, NilWord, wildcard)
	require.False(t, ok, "mismatched literal head must fail the whole pattern")
}
