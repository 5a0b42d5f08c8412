package lispbm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageSaveBootRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, 64, 256)
	require.True(t, rt.Const.ConstWrite(0, Int(10)))
	require.True(t, rt.Const.ConstWrite(1, Symbol(SymT)))
	require.True(t, rt.Const.ConstWrite(2, Int(30)))

	var buf bytes.Buffer
	require.NoError(t, rt.ImageSave(&buf, Symbol(SymDone)))

	rt2 := newTestRuntime(t, 64, 256)
	startup, err := rt2.ImageBoot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, Symbol(SymDone), startup)
	require.Equal(t, 3, rt2.Const.Tip())
	require.Equal(t, Int(10), rt2.Const.Read(0))
	require.Equal(t, Symbol(SymT), rt2.Const.Read(1))
	require.Equal(t, Int(30), rt2.Const.Read(2))
}

func TestImageBootTwiceIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t, 64, 256)
	require.True(t, rt.Const.ConstWrite(0, Int(7)))

	var buf bytes.Buffer
	require.NoError(t, rt.ImageSave(&buf, NilWord))

	rt2 := newTestRuntime(t, 64, 256)
	_, err := rt2.ImageBoot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = rt2.ImageBoot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err, "booting the same image twice replays identical writes")
}

func TestImageBootRejectsConflictingImage(t *testing.T) {
	rtA := newTestRuntime(t, 64, 256)
	require.True(t, rtA.Const.ConstWrite(0, Int(1)))
	var bufA bytes.Buffer
	require.NoError(t, rtA.ImageSave(&bufA, NilWord))

	rtB := newTestRuntime(t, 64, 256)
	require.True(t, rtB.Const.ConstWrite(0, Int(2)))
	var bufB bytes.Buffer
	require.NoError(t, rtB.ImageSave(&bufB, NilWord))

	rt := newTestRuntime(t, 64, 256)
	_, err := rt.ImageBoot(bytes.NewReader(bufA.Bytes()))
	require.NoError(t, err)
	_, err = rt.ImageBoot(bytes.NewReader(bufB.Bytes()))
	require.Error(t, err, "a different image conflicts with the populated constant heap")
}

func TestImageBootRejectsBadMagicAndVersion(t *testing.T) {
	rt := newTestRuntime(t, 64, 256)

	_, err := rt.ImageBoot(bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}))
	require.ErrorIs(t, err, ErrImageMagic)

	var buf bytes.Buffer
	require.NoError(t, writeImageHeader(&buf, imageHeader{Magic: imageMagic, Version: 99}))
	_, err = rt.ImageBoot(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrImageVersion)
}

func TestImageBootTruncatedStreamFails(t *testing.T) {
	rt := newTestRuntime(t, 64, 256)
	require.True(t, rt.Const.ConstWrite(0, Int(7)))
	var buf bytes.Buffer
	require.NoError(t, rt.ImageSave(&buf, NilWord))

	rt2 := newTestRuntime(t, 64, 256)
	truncated := buf.Bytes()[:buf.Len()-4]
	_, err := rt2.ImageBoot(bytes.NewReader(truncated))
	require.Error(t, err)
}
