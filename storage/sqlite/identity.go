package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/identity"
)

// IdentityStore implements identity.Store.
type IdentityStore struct {
	db *sql.DB
}

func (s *IdentityStore) ClaimSignal(ctx context.Context, sig core.Signal, customerID string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_signals (key, type, value, customer_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		sig.Key(), string(sig.Type), sig.Value, customerID,
	)
	if err != nil {
		return "", wrap("claim signal", err)
	}
	return s.LookupSignal(ctx, sig)
}

func (s *IdentityStore) LookupSignal(ctx context.Context, sig core.Signal) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT customer_id FROM contact_signals WHERE key = ?`, sig.Key()).Scan(&owner)
	if err != nil {
		return "", wrap("lookup signal", err)
	}
	return owner, nil
}

func (s *IdentityStore) ReassignSignal(ctx context.Context, sig core.Signal, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contact_signals SET customer_id = ? WHERE key = ? AND customer_id = ?`,
		to, sig.Key(), from,
	)
	if err != nil {
		return false, wrap("reassign signal", err)
	}
	n, err := res.RowsAffected()
	return n == 1, wrap("reassign signal", err)
}

func (s *IdentityStore) ReleaseSignal(ctx context.Context, sig core.Signal, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contact_signals WHERE key = ? AND customer_id = ?`, sig.Key(), owner)
	return wrap("release signal", err)
}

func (s *IdentityStore) SignalsOfType(ctx context.Context, t core.SignalType) ([]identity.SignalOwner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, customer_id FROM contact_signals WHERE type = ? ORDER BY value`, string(t))
	if err != nil {
		return nil, wrap("list signals", err)
	}
	defer rows.Close()

	var out []identity.SignalOwner
	for rows.Next() {
		o := identity.SignalOwner{Signal: core.Signal{Type: t}}
		if err := rows.Scan(&o.Signal.Value, &o.CustomerID); err != nil {
			return nil, wrap("list signals", err)
		}
		out = append(out, o)
	}
	return out, wrap("list signals", rows.Err())
}

func (s *IdentityStore) AddName(ctx context.Context, name, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_names (name, customer_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, customerID)
	return wrap("add name", err)
}

func (s *IdentityStore) Names(ctx context.Context) ([]identity.SignalOwner, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, customer_id FROM customer_names ORDER BY name, customer_id`)
	if err != nil {
		return nil, wrap("list names", err)
	}
	defer rows.Close()

	var out []identity.SignalOwner
	for rows.Next() {
		o := identity.SignalOwner{Signal: core.Signal{Type: core.SignalName}}
		if err := rows.Scan(&o.Signal.Value, &o.CustomerID); err != nil {
			return nil, wrap("list names", err)
		}
		out = append(out, o)
	}
	return out, wrap("list names", rows.Err())
}

func (s *IdentityStore) RemoveNames(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM customer_names WHERE customer_id = ?`, customerID)
	return wrap("remove names", err)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCustomer(ctx context.Context, q queryer, id string) (*core.Customer, error) {
	var (
		c                = &core.Customer{ID: id}
		signals          string
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT signals, created_at, updated_at, merged_into FROM customers WHERE id = ?`, id,
	).Scan(&signals, &created, &updated, &c.MergedInto)
	if err != nil {
		return nil, wrap("get customer", err)
	}
	if err := json.Unmarshal([]byte(signals), &c.Signals); err != nil {
		return nil, fmt.Errorf("decode signals of %s: %w", id, err)
	}
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return c, nil
}

func (s *IdentityStore) CreateCustomer(ctx context.Context, c *core.Customer) error {
	signals, err := json.Marshal(nonNilSignals(c.Signals))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO customers (id, signals, created_at, updated_at, merged_into) VALUES (?, ?, ?, ?, ?)`,
		c.ID, string(signals), toNanos(c.CreatedAt), toNanos(c.UpdatedAt), c.MergedInto,
	)
	return wrap("create customer", err)
}

func (s *IdentityStore) GetCustomer(ctx context.Context, id string) (*core.Customer, error) {
	return getCustomer(ctx, s.db, id)
}

func (s *IdentityStore) UpdateCustomer(ctx context.Context, id string, fn func(*core.Customer) error) error {
	return withTx(ctx, s.db, "update customer", func(tx *sql.Tx) error {
		c, err := getCustomer(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		signals, err := json.Marshal(nonNilSignals(c.Signals))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE customers SET signals = ?, updated_at = ?, merged_into = ? WHERE id = ?`,
			string(signals), toNanos(c.UpdatedAt), c.MergedInto, id,
		)
		return wrap("update customer", err)
	})
}

func (s *IdentityStore) DeleteCustomer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	return wrap("delete customer", err)
}

func (s *IdentityStore) RecordMerge(ctx context.Context, m core.IdentityMerge) error {
	return withTx(ctx, s.db, "record merge", func(tx *sql.Tx) error {
		var winner string
		err := tx.QueryRowContext(ctx, `SELECT winner FROM identity_merges WHERE loser = ?`, m.Loser).Scan(&winner)
		switch {
		case err == nil && winner == m.Winner:
			return nil
		case err == nil:
			return identity.ErrMergeConflict
		case !errors.Is(err, sql.ErrNoRows):
			return wrap("record merge", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identity_merges (id, loser, winner, reason, merged_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.Loser, m.Winner, m.Reason, toNanos(m.MergedAt),
		); err != nil {
			return wrap("record merge", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE customers SET merged_into = ?, updated_at = ? WHERE id = ?`,
			m.Winner, toNanos(m.MergedAt), m.Loser,
		)
		return wrap("record merge", err)
	})
}

func (s *IdentityStore) Redirect(ctx context.Context, id string) (string, bool, error) {
	var winner string
	err := s.db.QueryRowContext(ctx, `SELECT winner FROM identity_merges WHERE loser = ?`, id).Scan(&winner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("redirect", err)
	}
	return winner, true, nil
}

func (s *IdentityStore) Absorbed(ctx context.Context, winner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT loser FROM identity_merges WHERE winner = ? ORDER BY merged_at, loser`, winner)
	if err != nil {
		return nil, wrap("absorbed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("absorbed", err)
		}
		out = append(out, id)
	}
	return out, wrap("absorbed", rows.Err())
}

func (s *IdentityStore) Merges(ctx context.Context, id string) ([]core.IdentityMerge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loser, winner, reason, merged_at FROM identity_merges
		 WHERE loser = ? OR winner = ? ORDER BY merged_at, id`, id, id)
	if err != nil {
		return nil, wrap("merges", err)
	}
	defer rows.Close()

	var out []core.IdentityMerge
	for rows.Next() {
		var (
			m  core.IdentityMerge
			at int64
		)
		if err := rows.Scan(&m.ID, &m.Loser, &m.Winner, &m.Reason, &at); err != nil {
			return nil, wrap("merges", err)
		}
		m.MergedAt = fromNanos(at)
		out = append(out, m)
	}
	return out, wrap("merges", rows.Err())
}

func (s *IdentityStore) PutTombstone(ctx context.Context, t core.Tombstone) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tombstones (customer_id, erased_at) VALUES (?, ?)
		 ON CONFLICT (customer_id) DO UPDATE SET erased_at = excluded.erased_at`,
		t.CustomerID, toNanos(t.ErasedAt))
	return wrap("put tombstone", err)
}

func (s *IdentityStore) Tombstoned(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE customer_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, wrap("tombstoned", err)
}

const linkColumns = `id, customer_id, candidate_id, signal_type, signal_value, score, status, created_at, decided_at`

func scanLink(scan func(...any) error) (identity.LinkCandidate, error) {
	var (
		l                identity.LinkCandidate
		sigType, status  string
		created, decided int64
	)
	err := scan(&l.ID, &l.CustomerID, &l.CandidateID, &sigType, &l.Signal.Value, &l.Score, &status, &created, &decided)
	l.Signal.Type = core.SignalType(sigType)
	l.Status = identity.LinkStatus(status)
	l.CreatedAt, l.DecidedAt = fromNanos(created), fromNanos(decided)
	return l, err
}

func (s *IdentityStore) PutLink(ctx context.Context, l identity.LinkCandidate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO link_candidates (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, decided_at = excluded.decided_at`,
		l.ID, l.CustomerID, l.CandidateID, string(l.Signal.Type), l.Signal.Value, l.Score,
		string(l.Status), toNanos(l.CreatedAt), toNanos(l.DecidedAt),
	)
	return wrap("put link", err)
}

func (s *IdentityStore) GetLink(ctx context.Context, id string) (*identity.LinkCandidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM link_candidates WHERE id = ?`, id)
	l, err := scanLink(row.Scan)
	if err != nil {
		return nil, wrap("get link", err)
	}
	return &l, nil
}

func (s *IdentityStore) Links(ctx context.Context, id string) ([]identity.LinkCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM link_candidates
		 WHERE customer_id = ? OR candidate_id = ? ORDER BY created_at, id`, id, id)
	if err != nil {
		return nil, wrap("links", err)
	}
	defer rows.Close()

	var out []identity.LinkCandidate
	for rows.Next() {
		l, err := scanLink(rows.Scan)
		if err != nil {
			return nil, wrap("links", err)
		}
		out = append(out, l)
	}
	return out, wrap("links", rows.Err())
}

func (s *IdentityStore) UpdateLink(ctx context.Context, id string, status identity.LinkStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE link_candidates SET status = ?, decided_at = ? WHERE id = ?`,
		string(status), toNanos(at), id)
	if err != nil {
		return wrap("update link", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *IdentityStore) DeleteLinks(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM link_candidates WHERE customer_id = ? OR candidate_id = ?`, customerID, customerID)
	return wrap("delete links", err)
}

func nonNilSignals(s []core.Signal) []core.Signal {
	if s == nil {
		return []core.Signal{}
	}
	return s
}

var _ identity.Store = (*IdentityStore)(nil)
