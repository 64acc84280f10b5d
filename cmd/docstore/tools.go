package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/docstore/internal/filetool"
	"github.com/nainya/docstore/pkg/index"
)

func newInspectCmd(root *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Report records, garbage and a digest for tree files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				r, err := filetool.Inspect(path)
				if err != nil {
					return err
				}
				printReport(out, r)
			}
			return nil
		},
	}
}

func printReport(w io.Writer, r filetool.Report) {
	fmt.Fprintf(w, "%s\n", r.Path)
	fmt.Fprintf(w, "  kind:       %s\n", r.Kind)
	fmt.Fprintf(w, "  entries:    %d\n", r.Entries)
	fmt.Fprintf(w, "  height:     %d\n", r.Height)
	fmt.Fprintf(w, "  file size:  %d bytes\n", r.FileSize)
	fmt.Fprintf(w, "  records:    %d (%d reachable, %d garbage)\n", r.Records, r.Reachable, r.Garbage)
	fmt.Fprintf(w, "  xxhash64:   %016x\n", r.Digest)
}

func newCompactCmd(root *rootConfig) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "compact [file]...",
		Short: "Rewrite tree files keeping only live nodes",
		Long: "Compacts the given tree files in place, or every index of the catalog in --dir. " +
			"The server must not be running against the same files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger()
			if (dir == "") == (len(args) == 0) {
				return fmt.Errorf("pass either --dir or one or more files")
			}

			if dir != "" {
				catalog, err := index.OpenCatalog(dir, index.CatalogOptions{Logger: log.GetZerolog()})
				if err != nil {
					return err
				}
				start := time.Now()
				stats, err := catalog.CompactAll(context.Background())
				names := make([]string, 0, len(stats))
				for name := range stats {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					s := stats[name]
					log.LogCompaction(name, s.OldSize, s.NewSize, time.Since(start))
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes\n", name, s.OldSize, s.NewSize)
				}
				if cerr := catalog.Close(); err == nil {
					err = cerr
				}
				return err
			}

			for _, path := range args {
				start := time.Now()
				s, err := filetool.CompactFile(path, log.GetZerolog())
				if err != nil {
					return err
				}
				log.LogCompaction(path, s.OldSize, s.NewSize, time.Since(start))
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes\n", path, s.OldSize, s.NewSize)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Compact every index in this data directory")
	return cmd
}

func newExportCmd(root *rootConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Stream live entries of a tree file as s2-compressed CBOR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger()
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				bw := bufio.NewWriter(f)
				defer bw.Flush()
				w = bw
			}
			n, err := filetool.Export(args[0], w)
			if err != nil {
				return err
			}
			log.Info("export finished").Str("file", args[0]).Uint64("entries", n).Send()
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	return cmd
}
