package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/bibauthor/internal/reconcile"
	"github.com/hurttlocker/bibauthor/internal/store"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var docs []int64
	var all bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring signatures in line with current author mentions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(docs) == 0 {
				return errors.New("pass --doc at least once or --all")
			}
			return ctx.withStore(func(st *store.SQLiteStore) error {
				ids := docs
				if all {
					var err error
					if ids, err = st.DocumentIDs(cmd.Context()); err != nil {
						return err
					}
				}
				return runReconcile(cmd, ctx, st, ids, asJSON)
			})
		},
	}

	cmd.Flags().Int64SliceVar(&docs, "doc", nil, "Document id to reconcile (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every document")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func runReconcile(cmd *cobra.Command, ctx *commandContext, st *store.SQLiteStore, ids []int64, asJSON bool) error {
	settings, err := ctx.ensureConfig()
	if err != nil {
		return err
	}

	lock, err := runLock(st.Path())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	r := reconcile.New(reconcile.NewCachedStore(st),
		reconcile.WithThreshold(settings.Threshold),
		reconcile.WithMemoLimit(settings.CacheMemoLimit),
		reconcile.WithLogger(ctx.logger()),
	)
	report, err := r.Run(cmd.Context(), ids)
	if err != nil && report == nil {
		return err
	}

	if asJSON {
		if jerr := writeJSON(cmd, report); jerr != nil {
			return jerr
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s\n", report.RunID)
	fmt.Fprintln(out, counterTable(
		"Documents", report.Documents,
		"Unchanged", report.Unchanged,
		"Re-pointed", report.Matched,
		"Detached", report.Detached,
		"By external id", report.ByExternalID,
		"By name", report.ByName,
		"New persons", report.Created,
		"Deleted-document signatures", report.Deleted,
		"Skipped", report.Skipped,
		"Failed", report.Failed,
		"Persons removed", report.PersonsRemoved,
	))

	if len(report.Diagnostics) > 0 {
		rows := make([][]string, 0, len(report.Diagnostics))
		for _, d := range report.Diagnostics {
			rows = append(rows, []string{toString(d.Doc), d.Outcome, d.Message})
		}
		fmt.Fprintln(out, renderTable([]string{"Doc", "Outcome", "Message"}, rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft}))
	}
	return err
}
