package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/becomeliminal/nim-recall/interaction"
	"github.com/becomeliminal/nim-recall/lifecycle"
)

// LifecycleStore implements lifecycle.Store.
type LifecycleStore struct {
	db *sql.DB
}

func (s *LifecycleStore) PutErasure(ctx context.Context, req lifecycle.ErasureRequest) error {
	aliases, err := json.Marshal(append([]string{}, req.Aliases...))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO erasure_requests (customer_id, aliases, requested_at, completed_at, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (customer_id) DO UPDATE SET
			aliases = excluded.aliases,
			requested_at = excluded.requested_at,
			completed_at = excluded.completed_at,
			attempts = excluded.attempts,
			last_error = excluded.last_error`,
		req.CustomerID, string(aliases), toNanos(req.RequestedAt), toNanos(req.CompletedAt),
		req.Attempts, req.LastError,
	)
	return wrap("put erasure", err)
}

const erasureColumns = `customer_id, aliases, requested_at, completed_at, attempts, last_error`

func scanErasure(scan func(...any) error) (lifecycle.ErasureRequest, error) {
	var (
		req                  lifecycle.ErasureRequest
		aliases              string
		requested, completed int64
	)
	if err := scan(&req.CustomerID, &aliases, &requested, &completed, &req.Attempts, &req.LastError); err != nil {
		return req, err
	}
	req.RequestedAt, req.CompletedAt = fromNanos(requested), fromNanos(completed)
	err := json.Unmarshal([]byte(aliases), &req.Aliases)
	return req, err
}

func (s *LifecycleStore) GetErasure(ctx context.Context, customerID string) (*lifecycle.ErasureRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+erasureColumns+` FROM erasure_requests WHERE customer_id = ?`, customerID)
	req, err := scanErasure(row.Scan)
	if err != nil {
		return nil, wrap("get erasure", err)
	}
	return &req, nil
}

func (s *LifecycleStore) PendingErasures(ctx context.Context) ([]lifecycle.ErasureRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+erasureColumns+` FROM erasure_requests WHERE completed_at = 0
		 ORDER BY requested_at, customer_id`)
	if err != nil {
		return nil, wrap("pending erasures", err)
	}
	defer rows.Close()

	var out []lifecycle.ErasureRequest
	for rows.Next() {
		req, err := scanErasure(rows.Scan)
		if err != nil {
			return nil, wrap("pending erasures", err)
		}
		out = append(out, req)
	}
	return out, wrap("pending erasures", rows.Err())
}

func (s *LifecycleStore) Checkpoint(ctx context.Context, name string) (lifecycle.Checkpoint, bool, error) {
	var (
		ts, updated int64
		id          string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT after_ts, after_id, updated_at FROM checkpoints WHERE name = ?`, name,
	).Scan(&ts, &id, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Checkpoint{}, false, nil
	}
	if err != nil {
		return lifecycle.Checkpoint{}, false, wrap("get checkpoint", err)
	}
	return lifecycle.Checkpoint{
		After:     interaction.Cursor{Timestamp: fromNanos(ts), ID: id},
		UpdatedAt: fromNanos(updated),
	}, true, nil
}

func (s *LifecycleStore) SaveCheckpoint(ctx context.Context, name string, cp lifecycle.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, after_ts, after_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			after_ts = excluded.after_ts,
			after_id = excluded.after_id,
			updated_at = excluded.updated_at`,
		name, toNanos(cp.After.Timestamp), cp.After.ID, toNanos(cp.UpdatedAt))
	return wrap("save checkpoint", err)
}

func (s *LifecycleStore) ClearCheckpoint(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name)
	return wrap("clear checkpoint", err)
}

var _ lifecycle.Store = (*LifecycleStore)(nil)
