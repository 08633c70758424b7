// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"slices"
	"unicode/utf16"

	"github.com/lemon4ksan/gsf/internal/cfb"
)

// Default block sizes of a compound file.
const (
	DefaultBigBlockSize   = 512
	DefaultSmallBlockSize = 64

	maxBigBlockSize = 1 << 20
	minSmallBlock   = 8
)

// MSOLEConfig defines the block geometry of a compound file. Zero values
// select the defaults.
type MSOLEConfig struct {
	// BigBlockSize is the sector size. 512 produces a version 3 file, 4096
	// a version 4 file. Any power of two from 512 to 1 MiB is accepted.
	BigBlockSize int

	// SmallBlockSize is the sector size of the mini stream that holds
	// streams shorter than 4096 bytes.
	SmallBlockSize int
}

type oleKind uint8

const (
	oleDir oleKind = iota
	oleSmall
	oleBig
)

// oleStream is the CFB state of one node.
type oleStream struct {
	kind       oleKind
	buf        []byte // content of a small stream; nil once promoted
	firstBlock uint32
	blocks     uint32
	dataStart  int64 // sink offset of the first big block
	clsid      [16]byte
}

// oleArchive is the CFB state shared by a container.
type oleArchive struct {
	bbShift uint16
	sbShift uint16
	bbSize  int64
	sbSize  int64
}

// NewMSOLE creates the root storage of a compound file written to w. The
// header is written immediately; the rest of the file is produced as
// streams are promoted to big blocks and when the root is closed.
func NewMSOLE(w io.WriteSeeker, cfg MSOLEConfig, opts ...Option) (*Output, error) {
	if w == nil {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: nil destination", ErrInvalidState)}
	}

	bb := cmp0(cfg.BigBlockSize, DefaultBigBlockSize)
	sb := cmp0(cfg.SmallBlockSize, DefaultSmallBlockSize)
	if !isPow2(bb) || bb < cfb.HeaderSize || bb > maxBigBlockSize {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: big block size %d", ErrInvalidState, bb)}
	}
	if !isPow2(sb) || sb < minSmallBlock || sb > bb || sb > cfb.MiniStreamCutoff {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: small block size %d", ErrInvalidState, sb)}
	}

	arc := newArchive(formatMSOLE, w)
	arc.ole = &oleArchive{
		bbShift: uint16(bits.TrailingZeros(uint(bb))),
		sbShift: uint16(bits.TrailingZeros(uint(sb))),
		bbSize:  int64(bb),
		sbSize:  int64(sb),
	}
	root := arc.newRoot(opts)
	root.ole.kind = oleDir

	hdr := cfb.NewHeader(arc.ole.bbShift, arc.ole.sbShift).Encode()
	if err := arc.sink.Write(hdr); err != nil {
		return nil, &Error{Op: "create", Err: err}
	}
	if err := arc.sink.WriteZeros(arc.ole.bbSize - cfb.HeaderSize); err != nil {
		return nil, &Error{Op: "create", Err: err}
	}

	arc.logger.Debug("compound file created",
		slog.Int("big_block", bb),
		slog.Int("small_block", sb))
	return root, nil
}

func cmp0(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (o *Output) oleInit() error {
	if n := len(utf16.Encode([]rune(o.name))); n > cfb.MaxNameLen {
		return o.invalidErr(fmt.Sprintf("name is %d UTF-16 units long, at most %d fit", n, cfb.MaxNameLen))
	}
	if o.isDir {
		o.ole.kind = oleDir
	} else {
		o.ole.kind = oleSmall
	}
	return nil
}

func (o *Output) oleWrite(p []byte) error {
	end := o.offset + int64(len(p))
	if end > math.MaxUint32 {
		return fmt.Errorf("%w: stream size %d exceeds 4 GiB", ErrSizeOverflow, end)
	}

	if o.ole.kind == oleSmall {
		if end < cfb.MiniStreamCutoff {
			if grow := end - int64(len(o.ole.buf)); grow > 0 {
				o.ole.buf = append(o.ole.buf, make([]byte, grow)...)
			}
			copy(o.ole.buf[o.offset:], p)
			return nil
		}
		if err := o.olePromote(); err != nil {
			return err
		}
	}

	return o.arc.sink.Write(p)
}

// olePromote moves a small stream into big blocks at the end of the sink.
// The sink stays claimed by o until it is closed.
func (o *Output) olePromote() error {
	if err := o.wrapSink(); err != nil {
		return err
	}
	ole, sk := o.arc.ole, o.arc.sink

	if err := ole.pad(sk); err != nil {
		return err
	}
	first, err := ole.block(sk)
	if err != nil {
		return err
	}

	buf := o.ole.buf
	o.ole.buf = nil
	o.ole.kind = oleBig
	o.ole.firstBlock = first
	o.ole.dataStart = sk.Tell()

	if err := sk.Write(buf); err != nil {
		return err
	}
	if o.offset != o.size {
		if err := sk.SeekTo(o.ole.dataStart+o.offset, io.SeekStart); err != nil {
			return err
		}
	}

	o.arc.logger.Debug("stream promoted to big blocks",
		slog.String("path", o.Path()),
		slog.Uint64("first_block", uint64(first)),
		slog.Int("buffered", len(buf)))
	return nil
}

func (o *Output) oleSeek(target int64) error {
	if o.ole.kind != oleBig {
		return nil
	}
	return o.arc.sink.SeekTo(o.ole.dataStart+target, io.SeekStart)
}

func (o *Output) oleClose() error {
	if o.ole.kind != oleBig {
		return nil
	}
	ole, sk := o.arc.ole, o.arc.sink

	if end := o.ole.dataStart + o.size; sk.Tell() != end {
		if err := sk.SeekTo(end, io.SeekStart); err != nil {
			return err
		}
	}
	if err := ole.pad(sk); err != nil {
		return err
	}
	o.ole.blocks = uint32((sk.Tell() - o.ole.dataStart) >> ole.bbShift)
	o.unwrapSink()
	return nil
}

// oleCloseRoot writes the mini stream, the SBAT, the directory, the BAT and
// the meta-BAT after the last big block, then rewrites the header.
func (o *Output) oleCloseRoot() error {
	ole, sk, nodes := o.arc.ole, o.arc.sink, o.arc.nodes

	// Small block data.
	miniStart, err := ole.block(sk)
	if err != nil {
		return err
	}
	var small uint32
	for _, n := range nodes {
		if n.ole.kind != oleSmall {
			continue
		}
		if n.size == 0 {
			n.ole.firstBlock = cfb.EndOfChain
			continue
		}
		count := uint32((n.size + ole.sbSize - 1) >> ole.sbShift)
		n.ole.firstBlock = small
		n.ole.blocks = count
		small += count

		if err := sk.Write(n.ole.buf); err != nil {
			return err
		}
		if err := sk.WriteZeros(int64(count)<<ole.sbShift - n.size); err != nil {
			return err
		}
	}
	miniSize := int64(small) << ole.sbShift
	if miniSize > math.MaxUint32 {
		return fmt.Errorf("%w: mini stream size %d", ErrSizeOverflow, miniSize)
	}
	if err := ole.pad(sk); err != nil {
		return err
	}

	// SBAT.
	sbatStart, err := ole.block(sk)
	if err != nil {
		return err
	}
	var sbat []byte
	for _, n := range nodes {
		if n.ole.kind == oleSmall && n.ole.blocks > 0 {
			sbat = cfb.AppendChain(sbat, n.ole.firstBlock, n.ole.blocks)
		}
	}
	sbat = ole.padTable(sbat)
	if err := sk.Write(sbat); err != nil {
		return err
	}

	// Directory.
	dirStart, err := ole.block(sk)
	if err != nil {
		return err
	}
	if len(nodes) > int(cfb.MaxRegularBlock) {
		return fmt.Errorf("%w: %d directory entries", ErrSizeOverflow, len(nodes))
	}
	next := o.oleSiblings()
	var dir []byte
	for _, n := range nodes {
		dir = append(dir, n.oleDirEntry(next[n.id], miniStart, miniSize)...)
	}
	for int64(len(dir))%ole.bbSize != 0 {
		dir = append(dir, cfb.EmptyDirEntry().Encode()...)
	}
	if err := sk.Write(dir); err != nil {
		return err
	}

	// BAT.
	batStart, err := ole.block(sk)
	if err != nil {
		return err
	}
	bat, err := o.oleChains()
	if err != nil {
		return err
	}
	miniBlocks := sbatStart - miniStart
	sbatBlocks := dirStart - sbatStart
	dirBlocks := batStart - dirStart
	if miniBlocks > 0 {
		bat = cfb.AppendChain(bat, miniStart, miniBlocks)
	}
	if sbatBlocks > 0 {
		bat = cfb.AppendChain(bat, sbatStart, sbatBlocks)
	}
	bat = cfb.AppendChain(bat, dirStart, dirBlocks)
	if got := len(bat) / cfb.IndexSize; got != int(batStart) {
		return fmt.Errorf("%w: BAT describes %d blocks, file has %d", errLayout, got, batStart)
	}

	numBAT, numMeta, err := batSize(int64(batStart), ole.bbSize)
	if err != nil {
		return err
	}
	if int64(batStart)+numBAT+numMeta >= int64(cfb.MaxRegularBlock) {
		return fmt.Errorf("%w: %d blocks", ErrSizeOverflow, int64(batStart)+numBAT+numMeta)
	}
	bat = cfb.AppendConst(bat, cfb.BATBlock, uint32(numBAT))
	bat = cfb.AppendConst(bat, cfb.MetaBATBlock, uint32(numMeta))
	bat = ole.padTable(bat)
	if err := sk.Write(bat); err != nil {
		return err
	}

	// Meta-BAT.
	hdr := cfb.NewHeader(ole.bbShift, ole.sbShift)
	hdr.NumBAT = uint32(numBAT)
	for i := int64(0); i < min(numBAT, cfb.HeaderMetaBATLen); i++ {
		hdr.HeaderMetaBAT = append(hdr.HeaderMetaBAT, batStart+uint32(i))
	}
	if numMeta > 0 {
		metaStart := batStart + uint32(numBAT)
		perMeta := ole.bbSize/cfb.IndexSize - 1
		var meta []byte
		idx := int64(cfb.HeaderMetaBATLen)
		for m := int64(0); m < numMeta; m++ {
			count := min(perMeta, numBAT-idx)
			for j := int64(0); j < count; j++ {
				meta = binary.LittleEndian.AppendUint32(meta, batStart+uint32(idx+j))
			}
			meta = cfb.AppendConst(meta, cfb.Unused, uint32(perMeta-count))
			idx += count

			link := cfb.EndOfChain
			if m+1 < numMeta {
				link = metaStart + uint32(m+1)
			}
			meta = binary.LittleEndian.AppendUint32(meta, link)
		}
		if err := sk.Write(meta); err != nil {
			return err
		}
		hdr.MetaBATStart = metaStart
		hdr.NumMetaBAT = uint32(numMeta)
	}

	hdr.DirStart = dirStart
	if sbatBlocks > 0 {
		hdr.SBATStart = sbatStart
		hdr.NumSBAT = sbatBlocks
	}
	if ole.bbSize == 4096 {
		hdr.NumDirBlocks = dirBlocks
	}

	end := sk.Tell()
	if err := sk.SeekTo(0, io.SeekStart); err != nil {
		return err
	}
	if err := sk.Write(hdr.Encode()); err != nil {
		return err
	}
	if err := sk.SeekTo(end, io.SeekStart); err != nil {
		return err
	}

	o.arc.logger.Debug("compound file tables written",
		slog.Int("entries", len(nodes)),
		slog.Uint64("bat_blocks", uint64(numBAT)),
		slog.Uint64("meta_bat_blocks", uint64(numMeta)),
		slog.Uint64("small_blocks", uint64(small)))
	return nil
}

// oleChains returns the BAT entries of every big stream. Streams occupy the
// blocks right after the header in promotion order, so sorting them by first
// block yields one contiguous run of chains starting at block 0.
func (o *Output) oleChains() ([]byte, error) {
	var big []*Output
	for _, n := range o.arc.nodes {
		if n.ole.kind == oleBig {
			big = append(big, n)
		}
	}
	slices.SortFunc(big, func(a, b *Output) int {
		return cmp.Compare(a.ole.firstBlock, b.ole.firstBlock)
	})

	var bat []byte
	var next uint32
	for _, n := range big {
		if n.ole.firstBlock != next {
			return nil, fmt.Errorf("%w: %q starts at block %d, expected %d", errLayout, n.Path(), n.ole.firstBlock, next)
		}
		bat = cfb.AppendChain(bat, n.ole.firstBlock, n.ole.blocks)
		next += n.ole.blocks
	}
	return bat, nil
}

// oleSiblings maps every node id to the id of its next sibling, or NoStream.
func (o *Output) oleSiblings() []uint32 {
	next := make([]uint32, len(o.arc.nodes))
	next[0] = cfb.NoStream
	for _, n := range o.arc.nodes {
		for i, id := range n.children {
			next[id] = cfb.NoStream
			if i+1 < len(n.children) {
				next[id] = uint32(n.children[i+1])
			}
		}
	}
	return next
}

func (o *Output) oleDirEntry(right, miniStart uint32, miniSize int64) []byte {
	e := cfb.DirEntry{
		Name:       o.name,
		Left:       cfb.NoStream,
		Right:      right,
		Child:      cfb.NoStream,
		ModifyTime: timeToWinFiletime(o.modTime),
	}
	if len(o.children) > 0 {
		e.Child = uint32(o.children[0])
	}

	switch {
	case o.parent < 0:
		e.Name = "Root Entry"
		e.Type = cfb.TypeRoot
		e.ClassID = o.ole.clsid
		e.FirstBlock = cfb.EndOfChain
		if miniSize > 0 {
			e.FirstBlock = miniStart
			e.Size = uint32(miniSize)
		}
	case o.isDir:
		e.Type = cfb.TypeStorage
		e.ClassID = o.ole.clsid
	default:
		e.Type = cfb.TypeStream
		e.FirstBlock = o.ole.firstBlock
		e.Size = uint32(o.size)
	}
	return e.Encode()
}

// pad zero-fills the sink up to the next big block boundary.
func (ole *oleArchive) pad(sk *sink) error {
	if rem := sk.Tell() % ole.bbSize; rem != 0 {
		return sk.WriteZeros(ole.bbSize - rem)
	}
	return nil
}

// block returns the index of the big block starting at the sink position.
func (ole *oleArchive) block(sk *sink) (uint32, error) {
	pos := sk.Tell()
	if pos%ole.bbSize != 0 {
		return 0, fmt.Errorf("%w: sink offset %d is not block aligned", errLayout, pos)
	}
	idx := pos>>ole.bbShift - 1
	if idx >= int64(cfb.MaxRegularBlock) {
		return 0, fmt.Errorf("%w: block index %d", ErrSizeOverflow, idx)
	}
	return uint32(idx), nil
}

// padTable fills an allocation table with Unused up to a whole block.
func (ole *oleArchive) padTable(table []byte) []byte {
	perBlock := ole.bbSize / cfb.IndexSize
	n := int64(len(table) / cfb.IndexSize)
	if rem := n % perBlock; rem != 0 {
		table = cfb.AppendConst(table, cfb.Unused, uint32(perBlock-rem))
	}
	return table
}

// batSize returns how many BAT and meta-BAT blocks are needed to describe
// dataBlocks blocks plus the BAT and meta-BAT blocks themselves. Adding table
// blocks can make the BAT overflow into another block, so the counts are
// recomputed until they stop changing.
func batSize(dataBlocks, blockSize int64) (numBAT, numMeta int64, err error) {
	perBlock := blockSize / cfb.IndexSize
	perMeta := perBlock - 1

	limit := batIterations(perBlock)
	for range limit {
		nb := ceilDiv(dataBlocks+numBAT+numMeta, perBlock)
		var nm int64
		if nb > cfb.HeaderMetaBATLen {
			nm = ceilDiv(nb-cfb.HeaderMetaBATLen, perMeta)
		}
		if nb == numBAT && nm == numMeta {
			return numBAT, numMeta, nil
		}
		numBAT, numMeta = nb, nm
	}
	return 0, 0, fmt.Errorf("%w: BAT size did not converge after %d rounds for %d blocks", errLayout, limit, dataBlocks)
}

// batIterations bounds the sizing loop. Every round the growth of the table
// shrinks by a factor of about perBlock, so it vanishes after
// 63/log2(perBlock) rounds on 64-bit counts.
func batIterations(perBlock int64) int {
	return 63/(bits.Len64(uint64(perBlock))-1) + 3
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
