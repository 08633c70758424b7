// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gsf writes hierarchical stream containers: a tree of named byte
// streams grouped in directories, serialized either as an OLE2 Compound File
// (the structured storage used by legacy Office documents) or as a ZIP
// archive.
//
// Both formats share one API. A container is a tree of [Output] nodes: the
// root is created by [NewMSOLE] or [NewZip], every other node by
// [Output.NewChild]. Streams are io.WriteSeekers, directories only hold
// children. Closing the root serializes the container and closes the
// destination.
//
// # Key Features
//
// 1. Streaming: stream bytes go to the destination as they are written. Small
// compound file streams are buffered until they reach the 4096-byte mini
// stream cutoff; ZIP entries are compressed in 64 KiB blocks.
//
// 2. Forward-only destinations: a ZIP archive can be written to a pipe or a
// socket. Entries are then followed by data descriptors instead of having
// their local headers patched. Wrap a seekable writer with [StreamSink] to
// force this mode.
//
// 3. ZIP64: entries switch to ZIP64 on their own when they grow past 4 GiB,
// without changing the length of the local header already on disk. See
// [Zip64Mode] and [WithSizeHint].
//
// 4. Compression: Stored, Deflated and Zstandard out of the box. More
// methods can be registered through [ZipConfig].Compressors.
//
// 5. Compound files: version 3 (512-byte sectors) and version 4 (4096-byte
// sectors) files, with meta-BAT blocks once the allocation table outgrows
// the header.
//
// # Basic Usage
//
// Writing a ZIP archive:
//
//	f, _ := os.Create("site.zip")
//	root, _ := gsf.NewZip(f, gsf.ZipConfig{CompressionMethod: gsf.Deflated})
//
//	css, _ := root.NewChild("css", true)
//	s, _ := css.NewChild("main.css", false, gsf.WithModTime(time.Now()))
//	s.Write(data)
//	s.Close()
//	css.Close()
//
//	if err := root.Close(); err != nil { // writes the central directory, closes f
//		log.Fatal(err)
//	}
//
// Writing a compound file:
//
//	root, _ := gsf.NewMSOLE(f, gsf.MSOLEConfig{}, gsf.WithClassID(clsid))
//	s, _ := root.NewChild("WordDocument", false)
//	io.Copy(s, src)
//	s.Close()
//	root.Close()
//
// # Errors
//
// Failures of the destination, size overflows and codec failures are sticky:
// the node keeps reporting the same error and can only be closed. Misuse,
// such as writing to a directory or closing twice, returns [ErrInvalidState]
// and leaves the node usable. Every error can be matched with errors.Is
// against the sentinels in this package; [Error] carries the failing
// operation and node path.
//
// Only one stream of a container can be written at a time. Writing a second
// stream while another one is unfinished fails with [ErrConcurrentWrite]. A
// compound file stream gives the destination back as soon as the write
// returns, unless it has been promoted to big blocks and is still open.
//
// An Output is not safe for concurrent use by multiple goroutines.
package gsf
