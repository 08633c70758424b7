// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// sink tracks the write cursor and high-water mark of the destination a
// container is serialized into. Seeking is only available when the
// destination implements io.Seeker.
type sink struct {
	w      io.Writer
	seeker io.Seeker // nil when the destination cannot seek
	base   int64     // position of the destination when the sink was created
	offset int64     // current write position, relative to base
	size   int64     // highest position ever written, relative to base
	closed bool
}

func newSink(w io.Writer) *sink {
	s := &sink{w: w}
	if seeker, ok := w.(io.Seeker); ok {
		s.seeker = seeker
		if pos, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			s.base = pos
		}
	}
	return s
}

// Write writes all of p at the current position.
func (s *sink) Write(p []byte) error {
	if s.closed {
		return fmt.Errorf("%w: write to closed sink", ErrSinkIO)
	}
	if s.offset > math.MaxInt64-int64(len(p)) {
		return fmt.Errorf("%w: sink offset %d + %d", ErrSizeOverflow, s.offset, len(p))
	}

	n, err := s.w.Write(p)
	s.offset += int64(n)
	s.size = max(s.size, s.offset)
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrSinkIO, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: write: %w", ErrSinkIO, io.ErrShortWrite)
	}
	return nil
}

// WriteZeros appends n zero bytes.
func (s *sink) WriteZeros(n int64) error {
	var zeros [512]byte
	for n > 0 {
		chunk := min(n, int64(len(zeros)))
		if err := s.Write(zeros[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SeekTo moves the write position. It fails on destinations that cannot seek.
func (s *sink) SeekTo(offset int64, whence int) error {
	if s.seeker == nil {
		return fmt.Errorf("%w: seek: destination is not seekable", ErrSinkIO)
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.offset + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return fmt.Errorf("%w: seek: invalid whence %d", ErrSinkIO, whence)
	}
	if target < 0 {
		return fmt.Errorf("%w: seek: negative position %d", ErrSinkIO, target)
	}

	if _, err := s.seeker.Seek(s.base+target, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %w", ErrSinkIO, err)
	}
	s.offset = target
	return nil
}

// Probe reports whether the destination really supports seeking back to the
// current position. Pipes and terminals wrapped in *os.File implement
// io.Seeker but fail here.
func (s *sink) Probe() bool {
	if s.seeker == nil {
		return false
	}
	pos, err := s.seeker.Seek(s.base+s.offset, io.SeekStart)
	return err == nil && pos == s.base+s.offset
}

// Tell returns the current write position.
func (s *sink) Tell() int64 { return s.offset }

// Size returns the number of bytes the destination holds.
func (s *sink) Size() int64 { return s.size }

// Close closes the destination if it implements io.Closer.
func (s *sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("%w: close: %w", ErrSinkIO, err)
		}
	}
	return nil
}

// MemorySink is a seekable in-memory destination. Seeking past the end and
// writing there zero-fills the gap.
type MemorySink struct {
	data   []byte
	pos    int64
	closed bool
}

// NewMemorySink creates an empty MemorySink with optional initial capacity.
// If capacity is negative, it defaults to 0.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{data: make([]byte, 0, max(0, capacity))}
}

// Write writes p at the current position, growing the buffer as needed.
func (m *MemorySink) Write(p []byte) (int, error) {
	if m.closed {
		return 0, io.ErrClosedPipe
	}

	// If at the end of the buffer
	if m.pos == int64(len(m.data)) {
		m.data = append(m.data, p...)
		m.pos += int64(len(p))
		return len(p), nil
	}

	required := m.pos + int64(len(p))
	if required > int64(cap(m.data)) {
		newData := make([]byte, len(m.data), max(int64(cap(m.data))*2, required))
		copy(newData, m.data)
		m.data = newData
	}
	if required > int64(len(m.data)) {
		m.data = m.data[:required]
	}

	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

// Seek sets the offset for the next Write.
func (m *MemorySink) Seek(offset int64, whence int) (int64, error) {
	if m.closed {
		return 0, io.ErrClosedPipe
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("negative position")
	}

	m.pos = newPos
	return newPos, nil
}

// Close marks the sink as closed. The written bytes stay available.
func (m *MemorySink) Close() error {
	m.closed = true
	return nil
}

// Bytes returns the bytes written so far. The slice aliases the sink.
func (m *MemorySink) Bytes() []byte { return m.data }

// Len returns the number of bytes written so far.
func (m *MemorySink) Len() int { return len(m.data) }

// StreamSink hides any Seek method of w so that a container treats it as a
// forward-only destination, e.g. a network connection or a pipe.
func StreamSink(w io.Writer) io.Writer {
	return streamSink{w: w}
}

type streamSink struct {
	w io.Writer
}

func (s streamSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s streamSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
