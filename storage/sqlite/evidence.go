package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/becomeliminal/nim-recall/profile"
)

// EvidenceStore implements profile.Store.
type EvidenceStore struct {
	db *sql.DB
}

func (s *EvidenceStore) Append(ctx context.Context, ev ...profile.Evidence) error {
	if len(ev) == 0 {
		return nil
	}
	return withTx(ctx, s.db, "append evidence", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO evidence (id, customer_id, interaction_id, key, value, weight, observed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return wrap("append evidence", err)
		}
		defer stmt.Close()
		for _, e := range ev {
			if _, err := stmt.ExecContext(ctx, e.ID, e.CustomerID, e.InteractionID, e.Key, e.Value,
				e.Weight, toNanos(e.ObservedAt)); err != nil {
				return wrap("append evidence", err)
			}
		}
		return nil
	})
}

func (s *EvidenceStore) List(ctx context.Context, customerIDs []string) ([]profile.Evidence, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}
	set, args := in(customerIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, interaction_id, key, value, weight, observed_at FROM evidence
		 WHERE customer_id IN `+set+` ORDER BY observed_at, id`, args...)
	if err != nil {
		return nil, wrap("list evidence", err)
	}
	defer rows.Close()

	var out []profile.Evidence
	for rows.Next() {
		var (
			e  profile.Evidence
			at int64
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.InteractionID, &e.Key, &e.Value, &e.Weight, &at); err != nil {
			return nil, wrap("list evidence", err)
		}
		e.ObservedAt = fromNanos(at)
		out = append(out, e)
	}
	return out, wrap("list evidence", rows.Err())
}

func (s *EvidenceStore) DeleteByCustomer(ctx context.Context, customerIDs []string) (int, error) {
	if len(customerIDs) == 0 {
		return 0, nil
	}
	set, args := in(customerIDs)
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE customer_id IN `+set, args...)
	if err != nil {
		return 0, wrap("delete evidence", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("delete evidence", err)
}

func (s *EvidenceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM evidence WHERE id IN (
			SELECT id FROM evidence WHERE observed_at < ? ORDER BY observed_at, id LIMIT ?
		)`, toNanos(cutoff), limitOrAll(limit))
	if err != nil {
		return 0, wrap("purge evidence", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("purge evidence", err)
}

var _ profile.Store = (*EvidenceStore)(nil)
