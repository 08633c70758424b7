// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type format uint8

const (
	formatMSOLE format = iota + 1
	formatZip
)

func (f format) String() string {
	switch f {
	case formatMSOLE:
		return "msole"
	case formatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// noHolder marks a sink that no stream currently holds.
const noHolder = -1

// archive holds the state shared by every node of one container. Nodes
// refer to each other through their index in nodes, never through pointers
// to parents.
type archive struct {
	format format
	sink   *sink
	logger *slog.Logger
	nodes  []*Output // registration order, index == node id, root first
	holder int       // id of the stream holding the sink
	done   bool      // root close has run
	ole    *oleArchive
	zip    *zipArchive
}

// Output is one named byte stream or directory of a container being written.
//
// The root of a container is created by [NewMSOLE] or [NewZip]; every other
// node is created by [Output.NewChild] on a directory. Bytes are appended with
// Write, and each node must be closed exactly once. Closing the root
// serializes the container and requires every other node to be closed.
//
// Output is not safe for concurrent use. Only one stream of a container can
// hold the sink at a time; see [ErrConcurrentWrite].
type Output struct {
	arc      *archive
	id       int
	parent   int   // parent id, -1 for the root
	children []int // child ids in creation order

	name    string
	isDir   bool
	offset  int64 // write cursor
	size    int64 // high-water mark
	closed  bool
	err     error // sticky
	modTime time.Time
	mode    fs.FileMode

	ole oleStream
	zip zipStream
}

// Option configures a node when it is created. Options that do not apply to
// the node's container format or kind are ignored.
type Option func(o *Output)

// WithModTime sets the modification time recorded for the node.
func WithModTime(t time.Time) Option {
	return func(o *Output) {
		o.modTime = t
	}
}

// WithMode sets the Unix-style permission bits recorded for a ZIP entry.
func WithMode(mode fs.FileMode) Option {
	return func(o *Output) {
		o.mode = mode.Perm()
	}
}

// WithLogger sets the logger of a container. It only has an effect on a root.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) {
		if o.parent < 0 && logger != nil {
			o.arc.logger = logger
		}
	}
}

// WithCompression sets the compression method and level of a ZIP entry.
// Ignored for directories and CFB streams.
func WithCompression(method CompressionMethod, level int) Option {
	return func(o *Output) {
		if !o.isDir {
			o.zip.method = method
			o.zip.level = level
		}
	}
}

// WithZip64 overrides the container-wide ZIP64 mode for one ZIP entry.
func WithZip64(mode Zip64Mode) Option {
	return func(o *Output) {
		o.zip.zip64Mode = mode
	}
}

// WithSizeHint declares the expected uncompressed size of a ZIP entry. A
// hint above 4 GiB makes the entry ZIP64 from its first header on.
func WithSizeHint(size int64) Option {
	return func(o *Output) {
		if size >= 0 {
			o.zip.sizeHint = size
		}
	}
}

// WithClassID sets the CLSID stored in the directory entry of a CFB root or
// storage. Ignored for streams.
func WithClassID(id uuid.UUID) Option {
	return func(o *Output) {
		if o.isDir {
			o.ole.clsid = guidBytes(id)
		}
	}
}

func newArchive(f format, w io.Writer) *archive {
	return &archive{
		format: f,
		sink:   newSink(w),
		logger: slog.New(slog.DiscardHandler),
		holder: noHolder,
	}
}

// newRoot registers the root directory of arc.
func (arc *archive) newRoot(opts []Option) *Output {
	root := &Output{
		arc:    arc,
		parent: -1,
		isDir:  true,
		mode:   0755,
	}
	arc.nodes = append(arc.nodes, root)
	for _, opt := range opts {
		opt(root)
	}
	return root
}

// Name returns the node's name within its parent. The root has no name.
func (o *Output) Name() string { return o.name }

// Path returns the slash-separated path of the node below the root.
func (o *Output) Path() string {
	if o.parent < 0 {
		return ""
	}
	var parts []string
	for n := o; n.parent >= 0; n = o.arc.nodes[n.parent] {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// IsDir reports whether the node is a directory.
func (o *Output) IsDir() bool { return o.isDir }

// Size returns the number of bytes written to the node.
func (o *Output) Size() int64 { return o.size }

// Tell returns the current write position.
func (o *Output) Tell() int64 { return o.offset }

// Closed reports whether Close has been called.
func (o *Output) Closed() bool { return o.closed }

// Err returns the error the node failed with, if any.
func (o *Output) Err() error { return o.err }

// ModTime returns the modification time recorded for the node.
func (o *Output) ModTime() time.Time { return o.modTime }

// Parent returns the directory containing the node, or nil for the root.
func (o *Output) Parent() *Output {
	if o.parent < 0 {
		return nil
	}
	return o.arc.nodes[o.parent]
}

// Root returns the root of the node's container.
func (o *Output) Root() *Output { return o.arc.nodes[0] }

// Children returns the node's children in creation order.
func (o *Output) Children() []*Output {
	children := make([]*Output, len(o.children))
	for i, id := range o.children {
		children[i] = o.arc.nodes[id]
	}
	return children
}

// NewChild creates a file (isDir false) or directory named name inside o.
func (o *Output) NewChild(name string, isDir bool, opts ...Option) (*Output, error) {
	if err := o.usable("new child"); err != nil {
		return nil, err
	}
	if !o.isDir {
		return nil, o.invalid("new child", "not a directory")
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, o.invalid("new child", fmt.Sprintf("invalid name %q", name))
	}
	for _, id := range o.children {
		if o.arc.nodes[id].name == name {
			return nil, o.invalid("new child", fmt.Sprintf("duplicate name %q", name))
		}
	}

	child := &Output{
		arc:    o.arc,
		id:     len(o.arc.nodes),
		parent: o.id,
		name:   name,
		isDir:  isDir,
		mode:   0644,
	}
	if isDir {
		child.mode = 0755
	}

	var err error
	switch o.arc.format {
	case formatMSOLE:
		err = child.oleInit()
	case formatZip:
		err = child.zipInit()
	}
	if err != nil {
		return nil, &Error{Op: "new child", Path: joinPath(o.Path(), name), Err: err}
	}

	for _, opt := range opts {
		opt(child)
	}
	if o.arc.format == formatZip {
		if err := child.zipValidate(); err != nil {
			return nil, &Error{Op: "new child", Path: child.Path(), Err: err}
		}
	}

	o.arc.nodes = append(o.arc.nodes, child)
	o.children = append(o.children, child.id)
	return child, nil
}

// Write appends p at the current position of a stream.
func (o *Output) Write(p []byte) (int, error) {
	if err := o.usable("write"); err != nil {
		return 0, err
	}
	if o.isDir {
		return 0, o.invalid("write", "is a directory")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if o.offset > math.MaxInt64-int64(len(p)) {
		return 0, o.fail("write", fmt.Errorf("%w: offset %d + %d", ErrSizeOverflow, o.offset, len(p)))
	}

	var err error
	switch o.arc.format {
	case formatMSOLE:
		err = o.oleWrite(p)
	case formatZip:
		err = o.zipWrite(p)
	}
	if err != nil {
		return 0, o.fail("write", err)
	}

	o.offset += int64(len(p))
	o.size = max(o.size, o.offset)
	return len(p), nil
}

// Seek moves the write position of a stream within the bytes already
// written. Directories only accept a seek to 0 and ZIP streams only accept a
// seek to their current position.
func (o *Output) Seek(offset int64, whence int) (int64, error) {
	if err := o.usable("seek"); err != nil {
		return o.offset, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = o.offset
	case io.SeekEnd:
		base = o.size
	default:
		return o.offset, o.invalid("seek", fmt.Sprintf("invalid whence %d", whence))
	}
	if (offset > 0 && base > math.MaxInt64-offset) || base+offset < 0 || base+offset > o.size {
		return o.offset, o.invalid("seek", fmt.Sprintf("position out of range [0, %d]", o.size))
	}
	target := base + offset

	if o.isDir || target == o.offset {
		return target, nil
	}

	var err error
	switch o.arc.format {
	case formatMSOLE:
		err = o.oleSeek(target)
	case formatZip:
		err = o.invalidErr("zip streams are append-only")
	}
	if err != nil {
		if !sticky(err) {
			return o.offset, &Error{Op: "seek", Path: o.Path(), Err: err}
		}
		return o.offset, o.fail("seek", err)
	}

	o.offset = target
	return target, nil
}

// Close finishes the node. Closing a stream flushes it into the container;
// closing the root serializes the whole container and closes the sink.
// Close runs once: a second call returns [ErrInvalidState] and does nothing.
// A stream that has not claimed the sink yet and finds it held by another
// stream returns [ErrConcurrentWrite] and stays open.
// If the node already failed, Close only releases what the node holds and
// returns the earlier error.
func (o *Output) Close() error {
	if o.closed {
		return o.invalid("close", "already closed")
	}
	o.closed = true

	if o.err != nil {
		o.abort()
		return o.err
	}
	if o.parent >= 0 && o.arc.done {
		err := o.invalid("close", "container already finalized")
		o.err = err
		o.abort()
		return err
	}

	var err error
	switch {
	case o.parent < 0:
		err = o.closeRoot()
	case o.arc.format == formatMSOLE:
		err = o.oleClose()
	case o.arc.format == formatZip:
		err = o.zipClose()
	}
	if err != nil {
		if errors.Is(err, ErrConcurrentWrite) {
			// Nothing was written yet; Close can be retried once the sink is free.
			o.closed = false
			return &Error{Op: "close", Path: o.Path(), Err: err}
		}
		if o.err == nil {
			o.err = &Error{Op: "close", Path: o.Path(), Err: err}
		}
		o.abort()
		return o.err
	}
	return nil
}

// closeRoot finalizes the container once every other node is closed.
func (o *Output) closeRoot() error {
	var open, failed []string
	for _, n := range o.arc.nodes[1:] {
		if !n.closed {
			open = append(open, n.Path())
		} else if n.err != nil {
			failed = append(failed, n.Path())
		}
	}
	if len(open) > 0 {
		o.arc.logger.Warn("container closed with open streams",
			slog.String("format", o.arc.format.String()),
			slog.Any("open", open))
		return fmt.Errorf("%w: %d nodes still open: %s", ErrInvalidState, len(open), strings.Join(open, ", "))
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d nodes failed: %s", ErrInvalidState, len(failed), strings.Join(failed, ", "))
	}
	if err := o.wrapSink(); err != nil {
		return err
	}

	var err error
	switch o.arc.format {
	case formatMSOLE:
		err = o.oleCloseRoot()
	case formatZip:
		err = o.zipCloseRoot()
	}
	o.arc.done = true
	o.unwrapSink()
	if err != nil {
		return err
	}

	if err := o.arc.sink.Close(); err != nil {
		return err
	}
	o.arc.logger.Debug("container finalized",
		slog.String("format", o.arc.format.String()),
		slog.Int("nodes", len(o.arc.nodes)),
		slog.Int64("size", o.arc.sink.Size()))
	return nil
}

// abort releases what a failed node holds. A failed root also gives up the
// sink.
func (o *Output) abort() {
	o.unwrapSink()
	o.ole.buf = nil
	o.zip.comp = nil
	o.zip.pending = nil

	o.arc.logger.Warn("node closed after failure",
		slog.String("path", o.Path()),
		slog.Any("error", o.err))

	if o.parent < 0 {
		o.arc.done = true
		if err := o.arc.sink.Close(); err != nil {
			o.arc.logger.Warn("closing sink after failure", slog.Any("error", err))
		}
	}
}

// wrapSink claims the sink for o.
func (o *Output) wrapSink() error {
	switch o.arc.holder {
	case o.id:
		return nil
	case noHolder:
		o.arc.holder = o.id
		return nil
	}
	return fmt.Errorf("%w: %q is still being written", ErrConcurrentWrite, o.arc.nodes[o.arc.holder].Path())
}

// unwrapSink releases the sink if o holds it.
func (o *Output) unwrapSink() {
	if o.arc.holder == o.id {
		o.arc.holder = noHolder
	}
}

// usable reports why op cannot run on o, if anything.
func (o *Output) usable(op string) error {
	if o.err != nil {
		return o.err
	}
	if o.closed {
		return o.invalid(op, "closed")
	}
	if o.arc.done {
		return o.invalid(op, "container already finalized")
	}
	return nil
}

// fail attaches err to o if it is sticky and returns it wrapped with op.
func (o *Output) fail(op string, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		err = &Error{Op: op, Path: o.Path(), Err: err}
	}
	if sticky(err) && o.err == nil {
		o.err = err
	}
	return err
}

func (o *Output) invalidErr(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, reason)
}

func (o *Output) invalid(op, reason string) error {
	return &Error{Op: op, Path: o.Path(), Err: o.invalidErr(reason)}
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
