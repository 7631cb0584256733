package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/bibauthor/internal/compcache"
	"github.com/hurttlocker/bibauthor/internal/matrix"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage comparison caches",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))

	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the persisted comparison matrix of a bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cache := compcache.New(settings.CacheDir, nil, nil, compcache.WithVersion(settings.CacheVersion))
			out := cmd.OutOrStdout()

			m, err := cache.Load(bucket)
			switch {
			case errors.Is(err, matrix.ErrNotFound):
				fmt.Fprintf(out, "Bucket %q: no cache\n", bucket)
				return nil
			case errors.Is(err, matrix.ErrStale):
				fmt.Fprintf(out, "Bucket %q: stale cache (%v); the next recluster rebuilds it\n", bucket, err)
				return nil
			case errors.Is(err, matrix.ErrCorrupt):
				fmt.Fprintf(out, "Bucket %q: corrupt cache (%v); the next recluster rebuilds it\n", bucket, err)
				return nil
			case err != nil:
				return err
			}

			printMatrixSummary(out, bucket, cache.BucketDir(bucket), m)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Surname bucket")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}

func printMatrixSummary(out io.Writer, bucket, dir string, m *matrix.Matrix) {
	unknown, forced, scored := m.Counts()
	var size uint64
	for _, name := range []string{matrix.KeyMapFile, matrix.ScoresFile} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
			size += uint64(fi.Size())
		}
	}

	fmt.Fprintf(out, "Bucket %q\n", bucket)
	fmt.Fprintln(out, counterTable(
		"Format version", m.Version(),
		"Created", fmt.Sprintf("%s (%s)", m.CreatedAt().Local().Format("2006-01-02 15:04"), humanize.Time(m.CreatedAt())),
		"Keys", m.Len(),
		"Cells", m.Slots(),
		"Unknown", unknown,
		"Forced", forced,
		"Scored", scored,
		"On disk", humanize.Bytes(size),
	))
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted comparison matrix of a bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cache := compcache.New(settings.CacheDir, nil, nil)
			if err := matrix.Remove(cache.BucketDir(bucket)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache of bucket %q\n", bucket)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Surname bucket")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}
