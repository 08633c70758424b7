// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfb encodes the fixed-layout records of the Compound File Binary
// (OLE2) format: the 512-byte header and the 128-byte directory entry.
package cfb

import (
	"encoding/binary"
	"unicode/utf16"
)

// Signature is the first eight bytes of every compound file.
var Signature = [8]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

const (
	HeaderSize       = 0x200 // independent of the big block size
	DirEntrySize     = 0x80
	IndexSize        = 4    // bytes per allocation table entry
	HeaderMetaBATLen = 109  // BAT block indices stored in the header
	MiniStreamCutoff = 4096 // streams below this size live in small blocks
	MaxNameLen       = 31   // UTF-16 code units, excluding the terminator
	MinorVersion     = 0x3E
	ByteOrderMark    = 0xFFFE
)

// Header field offsets.
const (
	offMinorVersion  = 0x18
	offMajorVersion  = 0x1A
	offByteOrder     = 0x1C
	offBlockShift    = 0x1E
	offSmallShift    = 0x20
	OffNumDirBlocks  = 0x28 // only meaningful for major version 4
	OffNumBAT        = 0x2C
	OffDirStart      = 0x30
	offTransaction   = 0x34
	offCutoff        = 0x38
	OffSBATStart     = 0x3C
	OffNumSBAT       = 0x40
	OffMetaBATStart  = 0x44
	OffNumMetaBAT    = 0x48
	OffHeaderMetaBAT = 0x4C
)

// Special allocation table values. Every valid block index is below
// MaxRegularBlock.
const (
	MaxRegularBlock uint32 = 0xFFFFFFFA
	MetaBATBlock    uint32 = 0xFFFFFFFC // block holds part of the meta-BAT
	BATBlock        uint32 = 0xFFFFFFFD // block holds part of the BAT
	EndOfChain      uint32 = 0xFFFFFFFE
	Unused          uint32 = 0xFFFFFFFF
	NoStream        uint32 = 0xFFFFFFFF // empty sibling/child pointer
)

// EntryType is the object type of a directory entry.
type EntryType uint8

const (
	TypeEmpty   EntryType = 0
	TypeStorage EntryType = 1
	TypeStream  EntryType = 2
	TypeRoot    EntryType = 5
)

const colorBlack = 1

// Header holds the fields of the compound file header.
type Header struct {
	MajorVersion  uint16
	BlockShift    uint16
	SmallShift    uint16
	NumDirBlocks  uint32
	NumBAT        uint32
	DirStart      uint32
	SBATStart     uint32
	NumSBAT       uint32
	MetaBATStart  uint32
	NumMetaBAT    uint32
	HeaderMetaBAT []uint32 // at most HeaderMetaBATLen entries, the rest is Unused
}

// Encode returns the 512-byte header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[0:8], Signature[:])
	binary.LittleEndian.PutUint16(buf[offMinorVersion:], MinorVersion)
	binary.LittleEndian.PutUint16(buf[offMajorVersion:], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[offByteOrder:], ByteOrderMark)
	binary.LittleEndian.PutUint16(buf[offBlockShift:], h.BlockShift)
	binary.LittleEndian.PutUint16(buf[offSmallShift:], h.SmallShift)
	binary.LittleEndian.PutUint32(buf[OffNumDirBlocks:], h.NumDirBlocks)
	binary.LittleEndian.PutUint32(buf[OffNumBAT:], h.NumBAT)
	binary.LittleEndian.PutUint32(buf[OffDirStart:], h.DirStart)
	binary.LittleEndian.PutUint32(buf[offTransaction:], 0)
	binary.LittleEndian.PutUint32(buf[offCutoff:], MiniStreamCutoff)
	binary.LittleEndian.PutUint32(buf[OffSBATStart:], h.SBATStart)
	binary.LittleEndian.PutUint32(buf[OffNumSBAT:], h.NumSBAT)
	binary.LittleEndian.PutUint32(buf[OffMetaBATStart:], h.MetaBATStart)
	binary.LittleEndian.PutUint32(buf[OffNumMetaBAT:], h.NumMetaBAT)

	for i := 0; i < HeaderMetaBATLen; i++ {
		v := Unused
		if i < len(h.HeaderMetaBAT) {
			v = h.HeaderMetaBAT[i]
		}
		binary.LittleEndian.PutUint32(buf[OffHeaderMetaBAT+i*IndexSize:], v)
	}

	return buf
}

// NewHeader returns the provisional header of a container with the given
// block shifts. Table locations are EndOfChain until patched.
func NewHeader(blockShift, smallShift uint16) Header {
	major := uint16(3)
	if blockShift == 12 {
		major = 4
	}
	return Header{
		MajorVersion: major,
		BlockShift:   blockShift,
		SmallShift:   smallShift,
		DirStart:     EndOfChain,
		SBATStart:    EndOfChain,
		MetaBATStart: EndOfChain,
	}
}

// DirEntry holds the fields of one directory entry.
type DirEntry struct {
	Name       string
	Type       EntryType
	Left       uint32
	Right      uint32
	Child      uint32
	ClassID    [16]byte
	ModifyTime uint64 // FILETIME
	FirstBlock uint32
	Size       uint32
}

// Encode returns the 128-byte directory entry. Names longer than
// MaxNameLen UTF-16 code units are truncated.
func (d DirEntry) Encode() []byte {
	buf := make([]byte, DirEntrySize)

	if d.Type != TypeEmpty {
		name := EncodeName(d.Name)
		for i, u := range name {
			binary.LittleEndian.PutUint16(buf[i*2:], u)
		}
		binary.LittleEndian.PutUint16(buf[0x40:], uint16((len(name)+1)*2))
		buf[0x43] = colorBlack
	}
	buf[0x42] = byte(d.Type)
	binary.LittleEndian.PutUint32(buf[0x44:], d.Left)
	binary.LittleEndian.PutUint32(buf[0x48:], d.Right)
	binary.LittleEndian.PutUint32(buf[0x4C:], d.Child)
	copy(buf[0x50:0x60], d.ClassID[:])
	binary.LittleEndian.PutUint64(buf[0x6C:], d.ModifyTime)
	binary.LittleEndian.PutUint32(buf[0x74:], d.FirstBlock)
	binary.LittleEndian.PutUint32(buf[0x78:], d.Size)

	return buf
}

// EmptyDirEntry returns an unused directory slot.
func EmptyDirEntry() DirEntry {
	return DirEntry{
		Type:       TypeEmpty,
		Left:       NoStream,
		Right:      NoStream,
		Child:      NoStream,
		FirstBlock: 0,
	}
}

// EncodeName converts name to UTF-16 code units, truncated to MaxNameLen.
// A surrogate pair is never split.
func EncodeName(name string) []uint16 {
	u := utf16.Encode([]rune(name))
	if len(u) > MaxNameLen {
		u = u[:MaxNameLen]
		if utf16.IsSurrogate(rune(u[MaxNameLen-1])) && u[MaxNameLen-1] < 0xDC00 {
			u = u[:MaxNameLen-1]
		}
	}
	return u
}

// AppendChain appends a chain of n sequential blocks starting at first,
// terminated by EndOfChain.
func AppendChain(dst []byte, first, n uint32) []byte {
	for i := uint32(1); i < n; i++ {
		dst = binary.LittleEndian.AppendUint32(dst, first+i)
	}
	return binary.LittleEndian.AppendUint32(dst, EndOfChain)
}

// AppendConst appends n entries holding v.
func AppendConst(dst []byte, v, n uint32) []byte {
	for i := uint32(0); i < n; i++ {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst
}
