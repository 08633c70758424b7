// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"math"
	"slices"

	"github.com/lemon4ksan/gsf/internal"
	"github.com/lemon4ksan/gsf/internal/sys"
)

// Zip64Mode controls when an entry uses the ZIP64 extensions.
type Zip64Mode uint8

const (
	// Zip64Auto uses ZIP64 when the entry needs it: its sizes are unknown
	// when the header is written, its size hint exceeds 4 GiB, or it grows
	// past 4 GiB while being written.
	Zip64Auto Zip64Mode = iota
	// Zip64Always writes every entry in ZIP64 form.
	Zip64Always
	// Zip64Never fails entries that grow past 4 GiB.
	Zip64Never
)

func (m Zip64Mode) String() string {
	switch m {
	case Zip64Auto:
		return "auto"
	case Zip64Always:
		return "always"
	case Zip64Never:
		return "never"
	default:
		return fmt.Sprintf("Zip64Mode(%d)", uint8(m))
	}
}

// ZipConfig defines archive-wide settings. Per-entry settings can be
// overridden with options passed to [Output.NewChild].
type ZipConfig struct {
	// CompressionMethod is the default algorithm for new entries.
	CompressionMethod CompressionMethod

	// CompressionLevel is passed to the compressor factory. 0 selects the
	// method's default.
	CompressionLevel int

	// Zip64 is the default ZIP64 mode for new entries.
	Zip64 Zip64Mode

	// Comment is the archive-level comment (max 65535 bytes).
	Comment string

	// Streaming writes every entry with a trailing data descriptor even if
	// the destination can seek.
	Streaming bool

	// Compressors registers additional compression methods, or replaces the
	// built-in Deflated and ZStandard ones.
	Compressors map[CompressionMethod]CompressorFactory
}

const (
	zipBlockSize    = 64 << 10 // input buffered per compressor feed
	zipMimetype     = "mimetype"
	zipMadeByVer    = 63 // APPNOTE 6.3
	zipFlagDataDesc = 0x0008
	zipFlagUTF8     = 0x0800
	msdosDirAttr    = 0x10
	uint32Max       = math.MaxUint32
)

type zip64State uint8

const (
	zip64Unknown zip64State = iota // decided when the entry is closed
	zip64No
	zip64Yes
)

type seekState uint8

const (
	seekUnknown seekState = iota
	seekNo
	seekYes
)

// zipArchive is the ZIP state shared by a container.
type zipArchive struct {
	cfg         ZipConfig
	compressors compressorsMap
	seekable    seekState
	order       []int // ids of entries in the order their headers were written
}

// zipStream is the ZIP state of one node.
type zipStream struct {
	method    CompressionMethod
	level     int
	zip64Mode Zip64Mode
	sizeHint  int64

	comp    Compressor
	pending []byte // input not yet fed to comp
	crc     hash.Hash32
	dirent  *zipDirent // nil until the local header is written
}

// zipDirent is everything the central directory needs about an entry.
type zipDirent struct {
	name    string
	method  CompressionMethod
	flags   uint16
	crc32   uint32
	csize   uint64
	usize   uint64
	offset  int64
	dosDate uint16
	dosTime uint16
	mtime   int64 // Unix seconds, valid if hasTime
	hasTime bool
	mode    fs.FileMode
	zip64   zip64State
}

// NewZip creates the root directory of a ZIP archive written to w. If w
// implements io.Seeker and really can seek, local headers are patched in
// place after each entry; otherwise every entry is followed by a data
// descriptor.
func NewZip(w io.Writer, cfg ZipConfig, opts ...Option) (*Output, error) {
	if w == nil {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: nil destination", ErrInvalidState)}
	}
	if len(cfg.Comment) > math.MaxUint16 {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: comment is %d bytes, max %d", ErrInvalidState, len(cfg.Comment), math.MaxUint16)}
	}
	if cfg.Zip64 > Zip64Never {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: zip64 mode %d", ErrInvalidState, cfg.Zip64)}
	}

	compressors := defaultCompressors()
	maps.Copy(compressors, cfg.Compressors)
	if cfg.CompressionMethod != Stored && compressors[cfg.CompressionMethod] == nil {
		return nil, &Error{Op: "create", Err: fmt.Errorf("%w: %d", ErrAlgorithm, cfg.CompressionMethod)}
	}

	arc := newArchive(formatZip, w)
	arc.zip = &zipArchive{cfg: cfg, compressors: compressors}
	return arc.newRoot(opts), nil
}

func (o *Output) zipInit() error {
	cfg := o.arc.zip.cfg
	o.zip.method = cfg.CompressionMethod
	o.zip.level = cfg.CompressionLevel
	o.zip.zip64Mode = cfg.Zip64
	return nil
}

// zipValidate checks the entry after options have been applied.
func (o *Output) zipValidate() error {
	if o.isDir {
		o.zip.method = Stored
	}
	if o.zip.method != Stored && o.arc.zip.compressors[o.zip.method] == nil {
		return fmt.Errorf("%w: %d", ErrAlgorithm, o.zip.method)
	}
	if o.zip.zip64Mode > Zip64Never {
		return fmt.Errorf("%w: zip64 mode %d", ErrInvalidState, o.zip.zip64Mode)
	}
	if n := len(o.Path()) + 1; n > math.MaxUint16 {
		return fmt.Errorf("%w: name is %d bytes", ErrInvalidState, n)
	}
	return nil
}

func (o *Output) zipWrite(p []byte) error {
	if o.zip.dirent == nil {
		if err := o.zipBegin(); err != nil {
			return err
		}
	}
	z, d := &o.zip, o.zip.dirent

	if err := o.zipCheckSize(d.usize+uint64(len(p)), d.csize); err != nil {
		return err
	}
	z.crc.Write(p)
	d.usize += uint64(len(p))

	if z.comp == nil {
		return o.zipEmit(p)
	}

	z.pending = append(z.pending, p...)
	if len(z.pending) < zipBlockSize {
		return nil
	}
	if err := z.comp.Feed(z.pending); err != nil {
		return err
	}
	z.pending = z.pending[:0]
	return o.zipEmit(z.comp.Drain())
}

// zipBegin claims the sink and writes the local header. Until the entry is
// closed no other entry can be written.
func (o *Output) zipBegin() error {
	if err := o.wrapSink(); err != nil {
		return err
	}
	za, sk := o.arc.zip, o.arc.sink

	if za.seekable == seekUnknown {
		za.seekable = seekNo
		if !za.cfg.Streaming && sk.Probe() {
			za.seekable = seekYes
		}
		o.arc.logger.Debug("zip destination probed",
			slog.Bool("seekable", za.seekable == seekYes),
			slog.Bool("streaming", za.cfg.Streaming))
	}

	d := &zipDirent{
		name:   o.Path(),
		method: o.zip.method,
		flags:  zipFlagUTF8,
		offset: sk.Tell(),
		mode:   o.mode,
	}
	if o.isDir {
		d.name += "/"
		d.mode |= fs.ModeDir
	}
	d.dosDate, d.dosTime = timeToMsDos(o.modTime)
	if !o.modTime.IsZero() && d.name != zipMimetype {
		d.hasTime = true
		d.mtime = o.modTime.Unix()
	}
	if d.method == Deflated {
		d.flags |= deflateLevelBits(o.zip.level)
	}
	descriptor := !o.isDir && za.seekable != seekYes
	if descriptor {
		d.flags |= zipFlagDataDesc
	}
	d.zip64 = o.zipDecide(d.name, descriptor)

	var extra []byte
	switch d.zip64 {
	case zip64Yes:
		extra = internal.AppendZip64Extra(extra, 0, 0)
	case zip64Unknown:
		extra = internal.AppendPlaceholderExtra(extra)
	}
	if d.hasTime {
		extra = internal.AppendUnixTimeExtra(extra, d.mtime)
	}

	header := internal.LocalFileHeader{
		VersionNeededToExtract: d.versionNeeded(),
		GeneralPurposeBitFlag:  d.flags,
		CompressionMethod:      uint16(d.method),
		LastModFileTime:        d.dosTime,
		LastModFileDate:        d.dosDate,
		Filename:               d.name,
		ExtraField:             extra,
	}

	if d.method != Stored {
		comp, err := za.compressors[d.method](o.zip.level)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCodecFailure, err)
		}
		o.zip.comp = comp
	}
	o.zip.crc = crc32.NewIEEE()
	o.zip.dirent = d
	za.order = append(za.order, o.id)

	return sk.Write(header.Encode())
}

// zipDecide returns the initial ZIP64 state of an entry.
func (o *Output) zipDecide(name string, descriptor bool) zip64State {
	switch {
	case name == zipMimetype:
		return zip64No
	case o.zip.zip64Mode == Zip64Always:
		return zip64Yes
	case o.zip.zip64Mode == Zip64Never, o.isDir:
		return zip64No
	case descriptor, o.zip.sizeHint >= uint32Max:
		return zip64Yes
	default:
		return zip64Unknown
	}
}

// zipCheckSize promotes the entry to ZIP64 once a size reaches 4 GiB.
func (o *Output) zipCheckSize(usize, csize uint64) error {
	d := o.zip.dirent
	if d.zip64 == zip64Yes || (usize < uint32Max && csize < uint32Max) {
		return nil
	}
	if d.zip64 == zip64No {
		return fmt.Errorf("%w: entry exceeds 4 GiB without ZIP64", ErrSizeOverflow)
	}
	d.zip64 = zip64Yes
	o.arc.logger.Debug("entry promoted to zip64",
		slog.String("name", d.name),
		slog.Uint64("uncompressed", usize),
		slog.Uint64("compressed", csize))
	return nil
}

// zipEmit writes entry data to the sink.
func (o *Output) zipEmit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	d := o.zip.dirent
	if err := o.zipCheckSize(d.usize, d.csize+uint64(len(b))); err != nil {
		return err
	}
	if err := o.arc.sink.Write(b); err != nil {
		return err
	}
	d.csize += uint64(len(b))
	return nil
}

func (o *Output) zipClose() error {
	z := &o.zip
	if z.dirent == nil {
		if o.isDir && len(o.children) > 0 {
			return nil // implied by the names of its entries
		}
		if err := o.zipBegin(); err != nil {
			return err
		}
	}
	d := z.dirent

	if z.comp != nil {
		if len(z.pending) > 0 {
			if err := z.comp.Feed(z.pending); err != nil {
				return err
			}
			z.pending = nil
		}
		if err := z.comp.Finish(); err != nil {
			return err
		}
		if err := o.zipEmit(z.comp.Drain()); err != nil {
			return err
		}
		z.comp = nil
	}
	d.crc32 = z.crc.Sum32()
	z.crc = nil
	if d.zip64 == zip64Unknown {
		d.zip64 = zip64No
	}

	if d.flags&zipFlagDataDesc != 0 {
		desc := internal.EncodeDataDescriptor(d.crc32, d.csize, d.usize, d.zip64 == zip64Yes)
		if err := o.arc.sink.Write(desc); err != nil {
			return err
		}
	} else if !o.isDir {
		if err := o.zipPatchHeader(); err != nil {
			return err
		}
	}

	o.unwrapSink()
	return nil
}

// zipPatchHeader rewrites the CRC and sizes of the local header and, for a
// ZIP64 entry, the reserved extra field and the version needed to extract.
func (o *Output) zipPatchHeader() error {
	d, sk := o.zip.dirent, o.arc.sink
	end := sk.Tell()

	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.crc32)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.csize))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.usize))
	if d.zip64 == zip64Yes {
		binary.LittleEndian.PutUint32(buf[4:8], uint32Max)
		binary.LittleEndian.PutUint32(buf[8:12], uint32Max)
	}
	if err := sk.SeekTo(d.offset+internal.OffCRC32, io.SeekStart); err != nil {
		return err
	}
	if err := sk.Write(buf[:]); err != nil {
		return err
	}

	if d.zip64 == zip64Yes {
		extra := internal.AppendZip64Extra(nil, d.usize, d.csize)
		if err := sk.SeekTo(d.offset+internal.LocalFileHeaderLen+int64(len(d.name)), io.SeekStart); err != nil {
			return err
		}
		if err := sk.Write(extra); err != nil {
			return err
		}

		var ver [2]byte
		binary.LittleEndian.PutUint16(ver[:], internal.VersionZip64)
		if err := sk.SeekTo(d.offset+internal.OffVersionNeeded, io.SeekStart); err != nil {
			return err
		}
		if err := sk.Write(ver[:]); err != nil {
			return err
		}
	}

	return sk.SeekTo(end, io.SeekStart)
}

// zipCloseRoot writes the central directory in on-disk order followed by
// the end records.
func (o *Output) zipCloseRoot() error {
	za, sk := o.arc.zip, o.arc.sink

	entries := make([]*zipDirent, 0, len(za.order))
	for _, id := range za.order {
		entries = append(entries, o.arc.nodes[id].zip.dirent)
	}
	slices.SortStableFunc(entries, func(a, b *zipDirent) int {
		return cmp.Compare(a.offset, b.offset)
	})

	cdOffset := sk.Tell()
	needZip64 := len(entries) >= math.MaxUint16 || cdOffset >= uint32Max
	var cd []byte
	for _, d := range entries {
		cd = append(cd, d.centralRecord().Encode()...)
		needZip64 = needZip64 || d.zip64 == zip64Yes
	}
	if err := sk.Write(cd); err != nil {
		return err
	}
	cdSize := uint64(len(cd))
	needZip64 = needZip64 || cdSize >= uint32Max

	count := len(entries)
	eocdSize, eocdOffset := cdSize, uint64(cdOffset)
	if needZip64 {
		zip64End := uint64(sk.Tell())
		record := internal.EncodeZip64EndOfCentralDirRecord(zipMadeBy(), uint64(count), cdSize, uint64(cdOffset))
		if err := sk.Write(record); err != nil {
			return err
		}
		if err := sk.Write(internal.EncodeZip64EndOfCentralDirLocator(zip64End)); err != nil {
			return err
		}
		// Point readers at the ZIP64 record.
		count, eocdSize, eocdOffset = math.MaxUint16, uint32Max, uint32Max
	}

	if err := sk.Write(internal.EncodeEndOfCentralDirRecord(count, eocdSize, eocdOffset, za.cfg.Comment)); err != nil {
		return err
	}

	o.arc.logger.Debug("central directory written",
		slog.Int("entries", len(entries)),
		slog.Int64("offset", cdOffset),
		slog.Bool("zip64", needZip64))
	return nil
}

func (d *zipDirent) versionNeeded() uint16 {
	if d.zip64 == zip64Yes {
		return internal.VersionZip64
	}
	return internal.VersionDefault
}

func (d *zipDirent) centralRecord() internal.CentralDirectory {
	rec := internal.CentralDirectory{
		VersionMadeBy:          zipMadeBy(),
		VersionNeededToExtract: d.versionNeeded(),
		GeneralPurposeBitFlag:  d.flags,
		CompressionMethod:      uint16(d.method),
		LastModFileTime:        d.dosTime,
		LastModFileDate:        d.dosDate,
		CRC32:                  d.crc32,
		CompressedSize:         uint32(d.csize),
		UncompressedSize:       uint32(d.usize),
		ExternalFileAttributes: sys.UnixMode(d.mode) << 16,
		LocalHeaderOffset:      uint32(d.offset),
		Filename:               d.name,
	}
	if d.mode.IsDir() {
		rec.ExternalFileAttributes |= msdosDirAttr
	}

	// Only fields holding all ones in the fixed record appear in the ZIP64
	// extra field, in this order.
	var fields []uint64
	if d.zip64 == zip64Yes {
		rec.UncompressedSize = uint32Max
		rec.CompressedSize = uint32Max
		fields = append(fields, d.usize, d.csize)
	}
	if d.offset >= uint32Max {
		rec.LocalHeaderOffset = uint32Max
		fields = append(fields, uint64(d.offset))
	}
	if len(fields) > 0 {
		rec.ExtraField = internal.AppendZip64Extra(rec.ExtraField, fields...)
	}
	if d.hasTime {
		rec.ExtraField = internal.AppendUnixTimeExtra(rec.ExtraField, d.mtime)
	}
	return rec
}

func zipMadeBy() uint16 {
	return uint16(sys.HostSystemUNIX)<<8 | zipMadeByVer
}

// deflateLevelBits returns general purpose flag bits 1 and 2 for a DEFLATE
// level.
func deflateLevelBits(level int) uint16 {
	switch level {
	case DeflateSuperFast:
		return 0x0006
	case DeflateFast:
		return 0x0004
	case DeflateMaximum:
		return 0x0002
	default:
		return 0x0000
	}
}
