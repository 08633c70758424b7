// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lemon4ksan/gsf"
)

const stdoutPath = "-"

type ZipOptions struct {
	Output      string
	Compression string
	Level       int
	Zip64       string
	Comment     string
	Stream      bool
}

func (o *ZipOptions) InitDefaults() {
	o.Compression = "deflate"
	o.Zip64 = "auto"
}

type OLEOptions struct {
	Output         string
	BlockSize      int
	SmallBlockSize int
	ClassID        string
}

func (o *OLEOptions) InitDefaults() {
	o.BlockSize = gsf.DefaultBigBlockSize
	o.SmallBlockSize = gsf.DefaultSmallBlockSize
}

func buildZipCommand(verbose *bool) *cobra.Command {
	var opt ZipOptions
	opt.InitDefaults()

	cmd := &cobra.Command{
		Use:   "zip [flags] <dir>",
		Short: "Pack a directory into a ZIP archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.Output == "" {
				return fmt.Errorf("required flag(s) \"output\" not set")
			}
			return runZip(cmd, opt, args[0], newLogger(cmd, *verbose))
		},
	}

	cmd.Flags().StringVarP(&opt.Output, "output", "o", opt.Output, "Path to the archive, or - for stdout")
	cmd.Flags().StringVar(&opt.Compression, "compression", opt.Compression, "Compression method: stored, deflate or zstd")
	cmd.Flags().IntVar(&opt.Level, "level", opt.Level, "Compression level, 0 for the method default")
	cmd.Flags().StringVar(&opt.Zip64, "zip64", opt.Zip64, "ZIP64 mode: auto, always or never")
	cmd.Flags().StringVar(&opt.Comment, "comment", opt.Comment, "Archive comment")
	cmd.Flags().BoolVar(&opt.Stream, "stream", opt.Stream, "Write data descriptors even if the output can seek")

	return cmd
}

func buildOLECommand(verbose *bool) *cobra.Command {
	var opt OLEOptions
	opt.InitDefaults()

	cmd := &cobra.Command{
		Use:   "ole [flags] <dir>",
		Short: "Pack a directory into an OLE2 compound file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.Output == "" {
				return fmt.Errorf("required flag(s) \"output\" not set")
			}
			if opt.Output == stdoutPath {
				return fmt.Errorf("compound files need a seekable output file")
			}
			return runOLE(cmd, opt, args[0], newLogger(cmd, *verbose))
		},
	}

	cmd.Flags().StringVarP(&opt.Output, "output", "o", opt.Output, "Path to the compound file")
	cmd.Flags().IntVar(&opt.BlockSize, "block-size", opt.BlockSize, "Sector size: 512 (version 3) or 4096 (version 4)")
	cmd.Flags().IntVar(&opt.SmallBlockSize, "small-block-size", opt.SmallBlockSize, "Mini stream sector size")
	cmd.Flags().StringVar(&opt.ClassID, "clsid", opt.ClassID, "CLSID of the root storage")

	return cmd
}

func newLogger(cmd *cobra.Command, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func parseCompression(s string) (gsf.CompressionMethod, error) {
	switch s {
	case "stored", "store":
		return gsf.Stored, nil
	case "deflate":
		return gsf.Deflated, nil
	case "zstd":
		return gsf.ZStandard, nil
	default:
		return 0, fmt.Errorf("unknown compression method %q", s)
	}
}

func parseZip64(s string) (gsf.Zip64Mode, error) {
	for _, m := range []gsf.Zip64Mode{gsf.Zip64Auto, gsf.Zip64Always, gsf.Zip64Never} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown zip64 mode %q", s)
}

func runZip(cmd *cobra.Command, opt ZipOptions, src string, logger *slog.Logger) error {
	method, err := parseCompression(opt.Compression)
	if err != nil {
		return err
	}
	zip64, err := parseZip64(opt.Zip64)
	if err != nil {
		return err
	}

	var w io.Writer
	if opt.Output == stdoutPath {
		// Hide Close so that stdout stays open.
		w = gsf.StreamSink(struct{ io.Writer }{cmd.OutOrStdout()})
	} else {
		f, err := os.Create(opt.Output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		w = f
	}

	root, err := gsf.NewZip(w, gsf.ZipConfig{
		CompressionMethod: method,
		CompressionLevel:  opt.Level,
		Zip64:             zip64,
		Comment:           opt.Comment,
		Streaming:         opt.Stream,
	}, gsf.WithLogger(logger))
	if err != nil {
		if f, ok := w.(*os.File); ok {
			f.Close()
			os.Remove(opt.Output)
		}
		return err
	}

	return finish(root, packDir(root, src, logger), opt.Output, logger)
}

func runOLE(cmd *cobra.Command, opt OLEOptions, src string, logger *slog.Logger) error {
	var rootOpts []gsf.Option
	if opt.ClassID != "" {
		id, err := uuid.Parse(opt.ClassID)
		if err != nil {
			return fmt.Errorf("invalid clsid: %w", err)
		}
		rootOpts = append(rootOpts, gsf.WithClassID(id))
	}
	rootOpts = append(rootOpts, gsf.WithLogger(logger))

	f, err := os.Create(opt.Output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	root, err := gsf.NewMSOLE(f, gsf.MSOLEConfig{
		BigBlockSize:   opt.BlockSize,
		SmallBlockSize: opt.SmallBlockSize,
	}, rootOpts...)
	if err != nil {
		f.Close()
		os.Remove(opt.Output)
		return err
	}

	return finish(root, packDir(root, src, logger), opt.Output, logger)
}

// finish closes the container and removes a partially written output file.
func finish(root *gsf.Output, packErr error, path string, logger *slog.Logger) error {
	err := errors.Join(packErr, root.Close())
	if err != nil {
		if path != stdoutPath {
			os.Remove(path)
		}
		return err
	}
	logger.Info("container written", slog.String("output", path))
	return nil
}

// packDir mirrors the directory src into dir, depth-first in name order. At
// the top level a file named "mimetype" is written first and uncompressed,
// as OpenDocument and EPUB readers expect.
func packDir(dir *gsf.Output, src string, logger *slog.Logger) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if dir.Parent() == nil {
		if i := slices.IndexFunc(entries, func(e os.DirEntry) bool { return e.Name() == "mimetype" }); i > 0 {
			m := entries[i]
			entries = slices.Insert(slices.Delete(entries, i, i+1), 0, m)
		}
	}

	for _, e := range entries {
		path := filepath.Join(src, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			child, err := dir.NewChild(e.Name(), true, gsf.WithModTime(info.ModTime()), gsf.WithMode(info.Mode()))
			if err != nil {
				return err
			}
			if err := packDir(child, path, logger); err != nil {
				return err
			}
			if err := child.Close(); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := packFile(dir, path, info); err != nil {
				return err
			}
		default:
			logger.Warn("skipping irregular file", slog.String("path", path), slog.String("mode", info.Mode().String()))
		}
	}
	return nil
}

func packFile(dir *gsf.Output, path string, info os.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	opts := []gsf.Option{
		gsf.WithModTime(info.ModTime()),
		gsf.WithMode(info.Mode()),
		gsf.WithSizeHint(info.Size()),
	}
	if dir.Parent() == nil && info.Name() == "mimetype" {
		opts = append(opts, gsf.WithCompression(gsf.Stored, 0))
	}

	s, err := dir.NewChild(info.Name(), false, opts...)
	if err != nil {
		return err
	}
	if _, err := io.Copy(s, f); err != nil {
		s.Close()
		return fmt.Errorf("failed to copy %s: %w", path, err)
	}
	return s.Close()
}
