package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/store"
)

func newPersonsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "persons",
		Short: "List persons with their signature counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *store.SQLiteStore) error {
				persons, err := st.Persons(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, persons)
				}
				if len(persons) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No persons")
					return nil
				}
				rows := make([][]string, 0, len(persons))
				for _, p := range persons {
					rows = append(rows, []string{
						toString(p.ID),
						orDash(p.CanonicalName),
						toString(p.Signatures),
						orDash(strings.Join(p.ExternalIDs, ", ")),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Signatures", "External IDs"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print persons as JSON")
	return cmd
}

func newReviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "review <kind:ref,doc> <undecided|confirmed|rejected>",
		Short: "Record a review decision on a signature",
		Long: `Record a review decision on a signature. A rejected signature is kept
apart from its person when comparison caches are rebuilt.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := bibref.Parse(args[0])
			if err != nil {
				return err
			}
			status, err := bibref.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return ctx.withStore(func(st *store.SQLiteStore) error {
				if err := st.SetSignatureStatus(cmd.Context(), ref, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signature %s marked %s\n", ref, status)
				return nil
			})
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var vacuum bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *store.SQLiteStore) error {
				if vacuum {
					if err := st.Vacuum(cmd.Context()); err != nil {
						return fmt.Errorf("vacuum: %w", err)
					}
				}
				s, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database %s\n", st.Path())
				fmt.Fprintln(cmd.OutOrStdout(), counterTable(
					"Documents", s.Documents,
					"Deleted documents", s.DeletedDocuments,
					"Mentions", s.Mentions,
					"Persons", s.Persons,
					"Signatures", s.Signatures,
					"Confirmed", s.ConfirmedSignatures,
					"Rejected", s.RejectedSignatures,
					"Buckets", s.Buckets,
					"Size", humanize.Bytes(uint64(s.DBSizeBytes)),
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "Compact the database before reporting")
	return cmd
}
