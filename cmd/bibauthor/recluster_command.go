package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/bibauthor/internal/compare"
	"github.com/hurttlocker/bibauthor/internal/compcache"
	"github.com/hurttlocker/bibauthor/internal/config"
	"github.com/hurttlocker/bibauthor/internal/namesim"
	"github.com/hurttlocker/bibauthor/internal/reconcile"
	"github.com/hurttlocker/bibauthor/internal/store"
)

// newComparisonCache wires the name oracle and change tracker over st.
func newComparisonCache(ctx *commandContext, settings config.Settings, st *store.SQLiteStore, debug bool) *compcache.Cache {
	memo := namesim.NewMemo()
	oracle := compare.NewNameOracle(reconcile.NewCachedStore(st), memo)
	return compcache.New(settings.CacheDir, oracle, st,
		compcache.WithVersion(settings.CacheVersion),
		compcache.WithWorkers(settings.CacheWorkers),
		compcache.WithCodec(settings.CacheCompression),
		compcache.WithMemo(memo, settings.CacheMemoLimit),
		compcache.WithDebugCheck(debug),
		compcache.WithLogger(ctx.logger()),
	)
}

func newReclusterCommand(ctx *commandContext) *cobra.Command {
	var buckets []string
	var all bool
	var debug bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "recluster",
		Short: "Rebuild the comparison cache of surname buckets",
		Long: `Rebuild the comparison cache of surname buckets. Every pair of
signatures in a bucket is scored unless the pair sits inside one person or
between a person and a signature rejected from it. Cells of documents not
modified since the previous cache are reused. Run reconcile first so every
signature points at a current mention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(buckets) == 0 {
				return errors.New("pass --bucket at least once or --all")
			}
			settings, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			return ctx.withStore(func(st *store.SQLiteStore) error {
				targets := buckets
				if all {
					if targets, err = st.Buckets(cmd.Context()); err != nil {
						return err
					}
				}

				cache := newComparisonCache(ctx, settings, st, debug)
				var results []compcache.Stats
				for _, bucket := range targets {
					set, err := st.ClusterSet(cmd.Context(), bucket)
					if err != nil {
						return err
					}
					_, stats, err := cache.Recalculate(cmd.Context(), bucket, set)
					if err != nil {
						return fmt.Errorf("bucket %q: %w", bucket, err)
					}
					results = append(results, stats)
				}

				if asJSON {
					return writeJSON(cmd, results)
				}
				rows := make([][]string, 0, len(results))
				for _, s := range results {
					rows = append(rows, []string{
						s.Bucket,
						toString(s.Keys),
						toString(s.ClusterPairs),
						toString(s.Computed),
						toString(s.Reused),
						s.OldCache,
						s.Duration.String(),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Bucket", "Keys", "Cluster pairs", "Computed", "Reused", "Old cache", "Elapsed"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&buckets, "bucket", nil, "Surname bucket to rebuild (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Rebuild every bucket")
	cmd.Flags().BoolVar(&debug, "debug-check", false, "Recompute reused cells and log disagreements")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
