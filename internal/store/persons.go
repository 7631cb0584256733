package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreatePerson inserts an empty person; its name is filled in by RefreshPersons.
func (s *SQLiteStore) CreatePerson(ctx context.Context) (int64, error) {
	now := s.now().UnixNano()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO persons (canonical_name, created_at, updated_at) VALUES ('', ?, ?)`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("creating person: %w", err)
	}
	return res.LastInsertId()
}

// PersonsByExactName returns persons whose canonical name, or any of whose
// signatures, carries exactly name. Ids are ascending.
func (s *SQLiteStore) PersonsByExactName(ctx context.Context, name string) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id FROM persons WHERE canonical_name = ?
		 UNION
		 SELECT person_id FROM signatures WHERE name = ?
		 ORDER BY 1`,
		name, name,
	)
	if err != nil {
		return nil, fmt.Errorf("querying persons named %q: %w", name, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning person id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PersonByExternalID returns the lowest person id carrying the external id.
func (s *SQLiteStore) PersonByExternalID(ctx context.Context, id string) (int64, bool, error) {
	var person int64
	err := s.q.QueryRowContext(ctx,
		`SELECT person_id FROM person_external_ids WHERE external_id = ? ORDER BY person_id LIMIT 1`,
		id,
	).Scan(&person)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up external id %q: %w", id, err)
	}
	return person, true, nil
}

// RefreshPersons recomputes canonical names and external ids from current
// signatures. The canonical name is the most frequent non-rejected signature
// name, ties broken lexically. A nil ids refreshes every person.
func (s *SQLiteStore) RefreshPersons(ctx context.Context, ids []int64) error {
	return s.inTx(ctx, func(tx *SQLiteStore) error {
		if ids == nil {
			all, err := tx.personIDs(ctx)
			if err != nil {
				return err
			}
			ids = all
		}
		now := s.now().UnixNano()

		for _, id := range ids {
			var name string
			err := tx.q.QueryRowContext(ctx,
				`SELECT name FROM signatures WHERE person_id = ? AND status != 'rejected'
				 GROUP BY name ORDER BY COUNT(*) DESC, name ASC LIMIT 1`,
				id,
			).Scan(&name)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("choosing name of person %d: %w", id, err)
			default:
				if _, err := tx.q.ExecContext(ctx,
					`UPDATE persons SET canonical_name = ?, updated_at = ? WHERE id = ?`, name, now, id,
				); err != nil {
					return fmt.Errorf("renaming person %d: %w", id, err)
				}
			}

			if _, err := tx.q.ExecContext(ctx, `DELETE FROM person_external_ids WHERE person_id = ?`, id); err != nil {
				return fmt.Errorf("clearing external ids of %d: %w", id, err)
			}
			_, err = tx.q.ExecContext(ctx,
				`INSERT OR IGNORE INTO person_external_ids (person_id, external_id)
				 SELECT s.person_id, e.external_id
				 FROM signatures s
				 JOIN mention_external_ids e ON e.doc_id = s.doc_id AND e.kind = s.kind AND e.ref = s.ref
				 JOIN persons p ON p.id = s.person_id
				 WHERE s.person_id = ? AND s.status != 'rejected'`,
				id,
			)
			if err != nil {
				return fmt.Errorf("collecting external ids of %d: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteEmptyPersons removes every person without a signature.
func (s *SQLiteStore) DeleteEmptyPersons(ctx context.Context) (int, error) {
	var n int64
	err := s.inTx(ctx, func(tx *SQLiteStore) error {
		if _, err := tx.q.ExecContext(ctx,
			`DELETE FROM person_external_ids WHERE person_id NOT IN (SELECT DISTINCT person_id FROM signatures)`,
		); err != nil {
			return fmt.Errorf("deleting external ids of empty persons: %w", err)
		}
		res, err := tx.q.ExecContext(ctx,
			`DELETE FROM persons WHERE id NOT IN (SELECT DISTINCT person_id FROM signatures)`,
		)
		if err != nil {
			return fmt.Errorf("deleting empty persons: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Persons lists every person with its external ids and signature count.
func (s *SQLiteStore) Persons(ctx context.Context) ([]Person, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT p.id, p.canonical_name, COUNT(s.person_id)
		 FROM persons p LEFT JOIN signatures s ON s.person_id = p.id
		 GROUP BY p.id ORDER BY p.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}

	var out []Person
	index := make(map[int64]int)
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.CanonicalName, &p.Signatures); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	ext, err := s.q.QueryContext(ctx,
		`SELECT person_id, external_id FROM person_external_ids ORDER BY person_id, external_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing person external ids: %w", err)
	}
	defer ext.Close()
	for ext.Next() {
		var id int64
		var value string
		if err := ext.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scanning person external id: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].ExternalIDs = append(out[i].ExternalIDs, value)
		}
	}
	return out, ext.Err()
}

func (s *SQLiteStore) personIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM persons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing person ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning person id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
