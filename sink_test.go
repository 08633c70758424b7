// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	m := NewMemorySink(-1)
	_, err := m.Write([]byte("hello world"))
	require.NoError(t, err)

	pos, err := m.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	_, err = m.Write([]byte("WORLD!!"))
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD!!", string(m.Bytes()))

	_, err = m.Seek(4, io.SeekEnd)
	require.NoError(t, err)
	_, err = m.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD!!\x00\x00\x00\x00x", string(m.Bytes()), "gap is zero-filled")

	_, err = m.Seek(-100, io.SeekCurrent)
	assert.Error(t, err)

	require.NoError(t, m.Close())
	_, err = m.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 18, m.Len(), "data survives Close")
}

func TestSink_WriteAndSeek(t *testing.T) {
	m := NewMemorySink(0)
	s := newSink(m)

	require.NoError(t, s.Write([]byte("abcdef")))
	require.NoError(t, s.WriteZeros(1000))
	assert.Equal(t, int64(1006), s.Tell())
	assert.Equal(t, int64(1006), s.Size())

	require.NoError(t, s.SeekTo(2, io.SeekStart))
	require.NoError(t, s.Write([]byte("CD")))
	assert.Equal(t, int64(4), s.Tell())
	assert.Equal(t, int64(1006), s.Size(), "overwriting does not grow the sink")

	require.NoError(t, s.SeekTo(0, io.SeekEnd))
	assert.Equal(t, int64(1006), s.Tell())
	assert.Equal(t, "abCDef", string(m.Bytes()[:6]))
	assert.Equal(t, make([]byte, 1000), m.Bytes()[6:])

	assert.ErrorIs(t, s.SeekTo(-1, io.SeekStart), ErrSinkIO)
	assert.ErrorIs(t, s.SeekTo(0, 7), ErrSinkIO)
}

func TestSink_BaseOffset(t *testing.T) {
	m := NewMemorySink(0)
	_, err := m.Write([]byte("PREFIX"))
	require.NoError(t, err)

	s := newSink(m)
	assert.True(t, s.Probe())
	require.NoError(t, s.Write([]byte("body")))
	require.NoError(t, s.SeekTo(0, io.SeekStart))
	require.NoError(t, s.Write([]byte("B")))

	assert.Equal(t, "PREFIXBody", string(m.Bytes()))
	assert.Equal(t, int64(1), s.Tell())
	assert.Equal(t, int64(4), s.Size())
}

func TestSink_Stream(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(StreamSink(&buf))

	assert.False(t, s.Probe())
	require.NoError(t, s.Write([]byte("data")))
	assert.ErrorIs(t, s.SeekTo(0, io.SeekStart), ErrSinkIO)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write([]byte("x")), ErrSinkIO)
	assert.Equal(t, "data", buf.String())
}

func TestSink_ShortWrite(t *testing.T) {
	s := newSink(shortWriter{})
	err := s.Write([]byte("abcd"))
	require.ErrorIs(t, err, ErrSinkIO)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, int64(2), s.Tell())
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := os.Create(path)
	require.NoError(t, err)

	s := newSink(f)
	assert.True(t, s.Probe())
	require.NoError(t, s.Write([]byte("0123456789")))
	require.NoError(t, s.SeekTo(3, io.SeekStart))
	require.NoError(t, s.Write([]byte("---")))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "012---6789", string(data))
}
