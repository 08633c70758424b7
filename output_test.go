// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingSink is a seekable destination that accepts limit bytes and then
// fails every write.
type failingSink struct {
	*MemorySink
	limit  int
	closed int
}

var errDiskFull = errors.New("disk full")

func (f *failingSink) Write(p []byte) (int, error) {
	if f.MemorySink.Len()+len(p) > f.limit {
		return 0, errDiskFull
	}
	return f.MemorySink.Write(p)
}

func (f *failingSink) Close() error {
	f.closed++
	return f.MemorySink.Close()
}

// countingSink counts the calls made to the destination.
type countingSink struct {
	*MemorySink
	writes, seeks, closes int
}

func (c *countingSink) Write(p []byte) (int, error) {
	c.writes++
	return c.MemorySink.Write(p)
}

func (c *countingSink) Seek(offset int64, whence int) (int64, error) {
	c.seeks++
	return c.MemorySink.Seek(offset, whence)
}

func (c *countingSink) Close() error {
	c.closes++
	return c.MemorySink.Close()
}

type newRootFunc func(w io.WriteSeeker) (*Output, error)

var backends = []struct {
	name    string
	newRoot newRootFunc
}{
	{"msole", func(w io.WriteSeeker) (*Output, error) { return NewMSOLE(w, MSOLEConfig{}) }},
	{"zip", func(w io.WriteSeeker) (*Output, error) { return NewZip(w, ZipConfig{}) }},
}

func TestOutput_Tree(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			root, err := b.newRoot(NewMemorySink(0))
			require.NoError(t, err)

			dir, err := root.NewChild("dir", true)
			require.NoError(t, err)
			sub, err := dir.NewChild("sub", true)
			require.NoError(t, err)
			file, err := sub.NewChild("file.txt", false)
			require.NoError(t, err)

			assert.Equal(t, "", root.Path())
			assert.Equal(t, "dir/sub/file.txt", file.Path())
			assert.Equal(t, "file.txt", file.Name())
			assert.Same(t, sub, file.Parent())
			assert.Same(t, root, file.Root())
			assert.Nil(t, root.Parent())
			assert.True(t, sub.IsDir())
			assert.False(t, file.IsDir())
			assert.Equal(t, []*Output{sub}, dir.Children())

			require.NoError(t, file.Close())
			require.NoError(t, sub.Close())
			require.NoError(t, dir.Close())
			require.NoError(t, root.Close())
			assert.True(t, root.Closed())
		})
	}
}

func TestOutput_NewChildErrors(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			root, err := b.newRoot(NewMemorySink(0))
			require.NoError(t, err)
			file, err := root.NewChild("file", false)
			require.NoError(t, err)
			closedDir, err := root.NewChild("closed", true)
			require.NoError(t, err)
			require.NoError(t, closedDir.Close())

			tests := []struct {
				name   string
				parent *Output
				child  string
			}{
				{"Child of a file", file, "x"},
				{"Child of a closed directory", closedDir, "x"},
				{"Empty name", root, ""},
				{"Name with slash", root, "a/b"},
				{"Duplicate name", root, "file"},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					child, err := tt.parent.NewChild(tt.child, false)
					require.ErrorIs(t, err, ErrInvalidState)
					assert.Nil(t, child)
					assert.NoError(t, tt.parent.Err(), "precondition errors do not stick")
				})
			}

			require.NoError(t, file.Close())
			require.NoError(t, root.Close())
		})
	}
}

func TestOutput_WriteErrors(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			root, err := b.newRoot(NewMemorySink(0))
			require.NoError(t, err)

			_, err = root.Write([]byte("x"))
			assert.ErrorIs(t, err, ErrInvalidState, "directories take no data")

			_, err = root.Seek(0, io.SeekStart)
			assert.NoError(t, err, "a directory accepts a seek to 0")
			_, err = root.Seek(1, io.SeekStart)
			assert.ErrorIs(t, err, ErrInvalidState)

			file, err := root.NewChild("file", false)
			require.NoError(t, err)
			n, err := file.Write(nil)
			assert.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, file.Close())

			_, err = file.Write([]byte("late"))
			assert.ErrorIs(t, err, ErrInvalidState)
			_, err = file.Seek(0, io.SeekStart)
			assert.ErrorIs(t, err, ErrInvalidState)

			require.NoError(t, root.Close())
		})
	}
}

func TestOutput_DoubleClose(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			sink := &countingSink{MemorySink: NewMemorySink(0)}
			root, err := b.newRoot(sink)
			require.NoError(t, err)

			file, err := root.NewChild("file", false)
			require.NoError(t, err)
			_, err = file.Write([]byte("payload"))
			require.NoError(t, err)
			require.NoError(t, file.Close())

			writes, seeks := sink.writes, sink.seeks
			assert.ErrorIs(t, file.Close(), ErrInvalidState)
			assert.Equal(t, writes, sink.writes, "second close must not write")
			assert.Equal(t, seeks, sink.seeks, "second close must not seek")

			require.NoError(t, root.Close())
			writes, seeks = sink.writes, sink.seeks
			assert.ErrorIs(t, root.Close(), ErrInvalidState)
			assert.Equal(t, writes, sink.writes)
			assert.Equal(t, seeks, sink.seeks)
			assert.Equal(t, 1, sink.closes, "the sink is closed once by the root")
		})
	}
}

func TestOutput_RootWithOpenChild(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			var logs bytes.Buffer
			sink := &countingSink{MemorySink: NewMemorySink(0)}
			root, err := b.newRoot(sink)
			require.NoError(t, err)
			WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))(root)

			dir, err := root.NewChild("dir", true)
			require.NoError(t, err)
			_, err = dir.NewChild("open", false)
			require.NoError(t, err)

			err = root.Close()
			require.ErrorIs(t, err, ErrInvalidState)
			assert.Contains(t, err.Error(), "dir/open")
			assert.Contains(t, logs.String(), "container closed with open streams")
			assert.Equal(t, 1, sink.closes, "a failed root still releases the sink")
			assert.Error(t, root.Err())
		})
	}
}

func TestOutput_StickyError(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			sink := &failingSink{MemorySink: NewMemorySink(0), limit: 1024}
			root, err := b.newRoot(sink)
			require.NoError(t, err)

			file, err := root.NewChild("file", false)
			require.NoError(t, err)
			_, err = file.Write(make([]byte, 8192))
			require.ErrorIs(t, err, ErrSinkIO)
			require.ErrorIs(t, err, errDiskFull)

			var opErr *Error
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, "write", opErr.Op)
			assert.Equal(t, "file", opErr.Path)

			// Every later operation reports the same failure.
			_, err2 := file.Write([]byte("more"))
			assert.Same(t, file.Err(), err2)
			_, err2 = file.Seek(0, io.SeekStart)
			assert.Same(t, file.Err(), err2)
			assert.Same(t, file.Err(), file.Close())

			err = root.Close()
			require.ErrorIs(t, err, ErrInvalidState)
			assert.Contains(t, err.Error(), "failed")
			assert.Equal(t, 1, sink.closed)
		})
	}
}

func TestOutput_CloseAfterFinalize(t *testing.T) {
	root, err := NewZip(NewMemorySink(0), ZipConfig{})
	require.NoError(t, err)
	require.NoError(t, root.Close())

	_, err = root.NewChild("late", false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOutput_OffsetOverflow(t *testing.T) {
	root, err := NewZip(NewMemorySink(0), ZipConfig{})
	require.NoError(t, err)
	file, err := root.NewChild("file", false)
	require.NoError(t, err)

	file.offset = 1<<63 - 2
	_, err = file.Write([]byte("abc"))
	require.ErrorIs(t, err, ErrSizeOverflow)
	assert.ErrorIs(t, file.Err(), ErrSizeOverflow)
}

func TestError_Message(t *testing.T) {
	err := &Error{Op: "close", Path: "a/b", Err: ErrSinkIO}
	assert.Equal(t, "close a/b: gsf: sink i/o", err.Error())
	assert.True(t, strings.HasPrefix((&Error{Op: "create", Err: ErrInvalidState}).Error(), "create: "))
	assert.ErrorIs(t, err, ErrSinkIO)
}
