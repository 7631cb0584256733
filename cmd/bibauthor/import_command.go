package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/store"
)

type importMention struct {
	Ref         int64    `yaml:"ref"`
	Name        string   `yaml:"name"`
	ExternalIDs []string `yaml:"external_ids"`
}

type importDocument struct {
	ID         int64           `yaml:"id"`
	Title      string          `yaml:"title"`
	Deleted    bool            `yaml:"deleted"`
	ModifiedAt time.Time       `yaml:"modified_at"`
	Authors    []importMention `yaml:"authors"`
	Coauthors  []importMention `yaml:"coauthors"`
}

type importFile struct {
	Documents []importDocument `yaml:"documents"`
}

func (d importDocument) toDocument() store.Document {
	doc := store.Document{ID: d.ID, Title: d.Title, Deleted: d.Deleted, ModifiedAt: d.ModifiedAt}
	add := func(kind bibref.Kind, ms []importMention) {
		for _, m := range ms {
			doc.Mentions = append(doc.Mentions, bibref.Mention{
				Ref:         bibref.BibRef{Kind: kind, Ref: m.Ref, Doc: d.ID},
				Name:        m.Name,
				ExternalIDs: m.ExternalIDs,
			})
		}
	}
	add(bibref.KindAuthor, d.Authors)
	add(bibref.KindCoauthor, d.Coauthors)
	return doc
}

func readImportFile(path string) ([]store.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f importFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	docs := make([]store.Document, 0, len(f.Documents))
	for i, d := range f.Documents {
		if d.ID <= 0 {
			return nil, fmt.Errorf("%s: document %d has no positive id", path, i+1)
		}
		docs = append(docs, d.toDocument())
	}
	return docs, nil
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var reconcileAfter bool

	cmd := &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Import documents and their author mentions",
		Long: `Import documents from YAML files. Each file holds a "documents" list:

  documents:
    - id: 42
      title: On Things
      authors:   [{ref: 1, name: "Smith, J.", external_ids: ["orcid:0000-0001"]}]
      coauthors: [{ref: 1, name: "K. Jones"}]
    - id: 43
      deleted: true

Re-importing a document replaces its mentions; run reconcile afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var docs []store.Document
			for _, path := range args {
				d, err := readImportFile(path)
				if err != nil {
					return err
				}
				docs = append(docs, d...)
			}

			return ctx.withStore(func(st *store.SQLiteStore) error {
				deleted := 0
				ids := make([]int64, 0, len(docs))
				for _, d := range docs {
					if err := st.UpsertDocument(cmd.Context(), d); err != nil {
						return err
					}
					if d.Deleted {
						deleted++
					}
					ids = append(ids, d.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d documents (%d deleted)\n", len(docs), deleted)

				if !reconcileAfter {
					return nil
				}
				return runReconcile(cmd, ctx, st, ids, false)
			})
		},
	}

	cmd.Flags().BoolVar(&reconcileAfter, "reconcile", false, "Reconcile the imported documents right away")
	return cmd
}
