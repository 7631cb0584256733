package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hurttlocker/bibauthor/internal/bibref"
)

// UpsertDocument replaces a document and its mentions. Mentions are stored
// under doc.ID in the order given; position counts within each kind.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc Document) error {
	modified := doc.ModifiedAt
	if modified.IsZero() {
		modified = s.now()
	}

	return s.inTx(ctx, func(tx *SQLiteStore) error {
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO documents (id, title, modified_at, deleted) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title,
			   modified_at = excluded.modified_at, deleted = excluded.deleted`,
			doc.ID, doc.Title, modified.UnixNano(), boolInt(doc.Deleted),
		)
		if err != nil {
			return fmt.Errorf("upserting document %d: %w", doc.ID, err)
		}

		if err := tx.clearMentions(ctx, doc.ID); err != nil {
			return err
		}
		if doc.Deleted {
			return nil
		}

		positions := make(map[bibref.Kind]int)
		for _, m := range doc.Mentions {
			pos := positions[m.Ref.Kind]
			positions[m.Ref.Kind]++

			_, err := tx.q.ExecContext(ctx,
				`INSERT INTO mentions (doc_id, kind, ref, name, position) VALUES (?, ?, ?, ?, ?)`,
				doc.ID, int(m.Ref.Kind), m.Ref.Ref, m.Name, pos,
			)
			if err != nil {
				return fmt.Errorf("inserting mention %s: %w", m.Ref, err)
			}
			for _, ext := range m.ExternalIDs {
				_, err := tx.q.ExecContext(ctx,
					`INSERT OR IGNORE INTO mention_external_ids (doc_id, kind, ref, external_id) VALUES (?, ?, ?, ?)`,
					doc.ID, int(m.Ref.Kind), m.Ref.Ref, ext,
				)
				if err != nil {
					return fmt.Errorf("inserting external id of %s: %w", m.Ref, err)
				}
			}
		}
		return nil
	})
}

// MarkDeleted flags a document as deleted upstream and drops its mentions.
// Its signatures stay until the next reconciliation detaches them.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, doc int64) error {
	return s.inTx(ctx, func(tx *SQLiteStore) error {
		res, err := tx.q.ExecContext(ctx,
			`UPDATE documents SET deleted = 1, modified_at = ? WHERE id = ?`,
			s.now().UnixNano(), doc,
		)
		if err != nil {
			return fmt.Errorf("marking document %d deleted: %w", doc, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %d: %w", doc, ErrNotFound)
		}
		return tx.clearMentions(ctx, doc)
	})
}

// clearMentions drops the mentions of doc. Foreign-key cascades are not relied
// on since the pragma is per connection.
func (s *SQLiteStore) clearMentions(ctx context.Context, doc int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM mention_external_ids WHERE doc_id = ?`, doc); err != nil {
		return fmt.Errorf("clearing external ids of %d: %w", doc, err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM mentions WHERE doc_id = ?`, doc); err != nil {
		return fmt.Errorf("clearing mentions of %d: %w", doc, err)
	}
	return nil
}

// DocumentIDs lists every document id, deleted ones included, ascending.
func (s *SQLiteStore) DocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DocumentStatus reports whether doc exists and whether it is deleted.
func (s *SQLiteStore) DocumentStatus(ctx context.Context, doc int64) (bool, bool, error) {
	var deleted int
	err := s.q.QueryRowContext(ctx, `SELECT deleted FROM documents WHERE id = ?`, doc).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("reading document %d: %w", doc, err)
	}
	return true, deleted != 0, nil
}

// AuthorRefs returns the primary-author mentions of doc in extraction order.
func (s *SQLiteStore) AuthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error) {
	return s.mentionsOf(ctx, doc, bibref.KindAuthor)
}

// CoauthorRefs returns the co-author mentions of doc in extraction order.
func (s *SQLiteStore) CoauthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error) {
	return s.mentionsOf(ctx, doc, bibref.KindCoauthor)
}

func (s *SQLiteStore) mentionsOf(ctx context.Context, doc int64, kind bibref.Kind) ([]bibref.Mention, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT ref, name FROM mentions WHERE doc_id = ? AND kind = ? ORDER BY position, ref`,
		doc, int(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s mentions of %d: %w", kind, doc, err)
	}

	var out []bibref.Mention
	index := make(map[int64]int)
	for rows.Next() {
		m := bibref.Mention{Ref: bibref.BibRef{Kind: kind, Doc: doc}}
		if err := rows.Scan(&m.Ref.Ref, &m.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning mention: %w", err)
		}
		index[m.Ref.Ref] = len(out)
		out = append(out, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ext, err := s.q.QueryContext(ctx,
		`SELECT ref, external_id FROM mention_external_ids WHERE doc_id = ? AND kind = ? ORDER BY ref, external_id`,
		doc, int(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("querying external ids of %d: %w", doc, err)
	}
	defer ext.Close()
	for ext.Next() {
		var ref int64
		var id string
		if err := ext.Scan(&ref, &id); err != nil {
			return nil, fmt.Errorf("scanning external id: %w", err)
		}
		if i, ok := index[ref]; ok {
			out[i].ExternalIDs = append(out[i].ExternalIDs, id)
		}
	}
	return out, ext.Err()
}

// Mention returns one mention with its external ids.
func (s *SQLiteStore) Mention(ctx context.Context, ref bibref.BibRef) (bibref.Mention, error) {
	m := bibref.Mention{Ref: ref}
	err := s.q.QueryRowContext(ctx,
		`SELECT name FROM mentions WHERE doc_id = ? AND kind = ? AND ref = ?`,
		ref.Doc, int(ref.Kind), ref.Ref,
	).Scan(&m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return bibref.Mention{}, fmt.Errorf("mention %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return bibref.Mention{}, fmt.Errorf("reading mention %s: %w", ref, err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT external_id FROM mention_external_ids WHERE doc_id = ? AND kind = ? AND ref = ? ORDER BY external_id`,
		ref.Doc, int(ref.Kind), ref.Ref,
	)
	if err != nil {
		return bibref.Mention{}, fmt.Errorf("reading external ids of %s: %w", ref, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return bibref.Mention{}, fmt.Errorf("scanning external id: %w", err)
		}
		m.ExternalIDs = append(m.ExternalIDs, id)
	}
	return m, rows.Err()
}

// UnmodifiedSince returns the refs whose document was last modified strictly
// before since. Refs on unknown documents are never reported.
func (s *SQLiteStore) UnmodifiedSince(ctx context.Context, refs []bibref.BibRef, since time.Time) (map[bibref.BibRef]struct{}, error) {
	byDoc := make(map[int64][]bibref.BibRef)
	var docs []int64
	for _, r := range refs {
		if _, ok := byDoc[r.Doc]; !ok {
			docs = append(docs, r.Doc)
		}
		byDoc[r.Doc] = append(byDoc[r.Doc], r)
	}

	out := make(map[bibref.BibRef]struct{})
	for _, chunk := range chunks(docs, s.batchSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, since.UnixNano())
		for _, d := range chunk {
			args = append(args, d)
		}
		rows, err := s.q.QueryContext(ctx,
			`SELECT id FROM documents WHERE modified_at < ? AND id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("querying document modification times: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning document id: %w", err)
			}
			for _, r := range byDoc[id] {
				out[r] = struct{}{}
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
