// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gsfpack packs a directory tree into a ZIP archive or an OLE2
// compound file.
//
//	gsfpack zip -o site.zip --compression deflate ./site
//	gsfpack zip -o - ./site | ssh host 'cat > site.zip'
//	gsfpack ole -o doc.bin --block-size 4096 ./streams
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "gsfpack",
		Short:         "Pack a directory into a ZIP archive or an OLE2 compound file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log container internals to stderr")

	rootCmd.AddCommand(buildZipCommand(&verbose), buildOLECommand(&verbose))
	return rootCmd
}
