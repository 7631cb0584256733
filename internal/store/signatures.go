package store

import (
	"context"
	"fmt"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/cluster"
	"github.com/hurttlocker/bibauthor/internal/namesim"
)

// SignaturesOfDocument returns the signatures stored on doc ordered by kind and ref.
func (s *SQLiteStore) SignaturesOfDocument(ctx context.Context, doc int64) ([]bibref.Signature, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT kind, ref, person_id, name, status FROM signatures WHERE doc_id = ? ORDER BY kind, ref`,
		doc,
	)
	if err != nil {
		return nil, fmt.Errorf("querying signatures of %d: %w", doc, err)
	}
	defer rows.Close()

	var out []bibref.Signature
	for rows.Next() {
		sig := bibref.Signature{Ref: bibref.BibRef{Doc: doc}}
		var kind int
		var status string
		if err := rows.Scan(&kind, &sig.Ref.Ref, &sig.PersonID, &sig.Name, &status); err != nil {
			return nil, fmt.Errorf("scanning signature: %w", err)
		}
		sig.Ref.Kind = bibref.Kind(kind)
		sig.Status = bibref.Status(status)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// AttachSignature signs ref for person as undecided.
func (s *SQLiteStore) AttachSignature(ctx context.Context, ref bibref.BibRef, name string, person int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO signatures (doc_id, kind, ref, person_id, name, status, bucket) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.Doc, int(ref.Kind), ref.Ref, person, name, string(bibref.StatusUndecided), namesim.Bucket(name),
	)
	if err != nil {
		return fmt.Errorf("attaching %s to person %d: %w", ref, person, err)
	}
	return nil
}

// MoveSignature re-points the signature at from to the mention to. Person and
// status are kept; the display name and bucket follow the new mention.
func (s *SQLiteStore) MoveSignature(ctx context.Context, from, to bibref.BibRef, name string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE signatures SET doc_id = ?, kind = ?, ref = ?, name = ?, bucket = ?
		 WHERE doc_id = ? AND kind = ? AND ref = ?`,
		to.Doc, int(to.Kind), to.Ref, name, namesim.Bucket(name),
		from.Doc, int(from.Kind), from.Ref,
	)
	if err != nil {
		return fmt.Errorf("moving signature %s to %s: %w", from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signature %s: %w", from, ErrNotFound)
	}
	return nil
}

// DetachSignatures removes the signatures at refs. Missing refs are ignored.
func (s *SQLiteStore) DetachSignatures(ctx context.Context, refs []bibref.BibRef) error {
	for _, ref := range refs {
		_, err := s.q.ExecContext(ctx,
			`DELETE FROM signatures WHERE doc_id = ? AND kind = ? AND ref = ?`,
			ref.Doc, int(ref.Kind), ref.Ref,
		)
		if err != nil {
			return fmt.Errorf("detaching signature %s: %w", ref, err)
		}
	}
	return nil
}

// SetSignatureStatus records a review decision.
func (s *SQLiteStore) SetSignatureStatus(ctx context.Context, ref bibref.BibRef, status bibref.Status) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE signatures SET status = ? WHERE doc_id = ? AND kind = ? AND ref = ?`,
		string(status), ref.Doc, int(ref.Kind), ref.Ref,
	)
	if err != nil {
		return fmt.Errorf("setting status of %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signature %s: %w", ref, ErrNotFound)
	}
	return nil
}

// Buckets lists every surname bucket holding at least one signature.
func (s *SQLiteStore) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT bucket FROM signatures ORDER BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClusterSet builds the candidate identities of bucket: one cluster per
// person holding its non-rejected signatures, plus one singleton per
// rejected signature that hates its person's cluster.
func (s *SQLiteStore) ClusterSet(ctx context.Context, bucket string) (*cluster.Set, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT doc_id, kind, ref, person_id, status FROM signatures
		 WHERE bucket = ? ORDER BY person_id, doc_id, kind, ref`,
		bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("querying signatures of bucket %q: %w", bucket, err)
	}

	type personRefs struct {
		id       int64
		accepted []bibref.BibRef
		rejected []bibref.BibRef
	}
	var persons []*personRefs
	for rows.Next() {
		var ref bibref.BibRef
		var kind int
		var person int64
		var status string
		if err := rows.Scan(&ref.Doc, &kind, &ref.Ref, &person, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning signature: %w", err)
		}
		ref.Kind = bibref.Kind(kind)
		if len(persons) == 0 || persons[len(persons)-1].id != person {
			persons = append(persons, &personRefs{id: person})
		}
		p := persons[len(persons)-1]
		if bibref.Status(status) == bibref.StatusRejected {
			p.rejected = append(p.rejected, ref)
		} else {
			p.accepted = append(p.accepted, ref)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	set := cluster.NewSet()
	for _, p := range persons {
		home := -1
		if len(p.accepted) > 0 {
			c, err := set.Add(fmt.Sprintf("person:%d", p.id), p.accepted...)
			if err != nil {
				return nil, err
			}
			home = c.ID
		}
		for _, ref := range p.rejected {
			c, err := set.Add(fmt.Sprintf("person:%d/rejected:%s", p.id, ref), ref)
			if err != nil {
				return nil, err
			}
			if home >= 0 {
				if err := set.Hate(home, c.ID); err != nil {
					return nil, err
				}
			}
		}
	}
	return set, nil
}
