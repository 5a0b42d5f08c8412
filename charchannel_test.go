package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringChannelGetAndMore(t *testing.T) {
	c := NewStringChannel("ab")
	require.True(t, c.More())
	require.Equal(t, 'a', c.Get())
	require.True(t, c.More())
	require.Equal(t, 'b', c.Get())
	require.False(t, c.More())
}

func TestStringChannelPeek(t *testing.T) {
	c := NewStringChannel("abc")
	r, ok := c.Peek(1)
	require.True(t, ok)
	require.Equal(t, 'b', r)
	_, ok = c.Peek(10)
	require.False(t, ok)
}

func TestStringChannelDrop(t *testing.T) {
	c := NewStringChannel("abcd")
	c.Drop(2)
	require.Equal(t, 'c', c.Get())
}

func TestStringChannelPut(t *testing.T) {
	c := NewStringChannel("bc")
	c.Get()
	c.Put('a')
	require.Equal(t, 'a', c.Get())
	require.Equal(t, 'c', c.Get())
}

func TestCreateStringCharChannelHandle(t *testing.T) {
	h := CreateStringCharChannel("xy")
	defer ReleaseHandle(h)
	ch, ok := RestoreHandle(h).(*StringChannel)
	require.True(t, ok)
	require.Equal(t, 'x', ch.Get())
}
