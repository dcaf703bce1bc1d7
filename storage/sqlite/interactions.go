package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/interaction"
)

// InteractionStore implements interaction.Store.
type InteractionStore struct {
	db *sql.DB
}

const interactionColumns = `id, customer_id, channel, direction, text, ts, dedup_key,
	embedding, embedding_version, attributes, recorded_at`

func scanInteraction(scan func(...any) error) (*core.Interaction, error) {
	var (
		rec          core.Interaction
		channel, dir string
		ts, recorded int64
		dedup        sql.NullString
		embedding    []byte
		attrs        string
	)
	if err := scan(&rec.ID, &rec.CustomerID, &channel, &dir, &rec.Text, &ts, &dedup,
		&embedding, &rec.EmbeddingVersion, &attrs, &recorded); err != nil {
		return nil, err
	}
	rec.Channel = core.Channel(channel)
	rec.Direction = core.Direction(dir)
	rec.Timestamp = fromNanos(ts)
	rec.RecordedAt = fromNanos(recorded)
	rec.DedupKey = dedup.String
	rec.Embedding = decodeVector(embedding)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (s *InteractionStore) query(ctx context.Context, op, query string, args ...any) ([]*core.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []*core.Interaction
	for rows.Next() {
		rec, err := scanInteraction(rows.Scan)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, rec)
	}
	return out, wrap(op, rows.Err())
}

func (s *InteractionStore) Put(ctx context.Context, rec *core.Interaction) (*core.Interaction, bool, error) {
	attrs := "{}"
	if len(rec.Attributes) > 0 {
		b, err := json.Marshal(rec.Attributes)
		if err != nil {
			return nil, false, err
		}
		attrs = string(b)
	}
	dedup := sql.NullString{String: rec.DedupKey, Valid: rec.DedupKey != ""}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (`+interactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		rec.ID, rec.CustomerID, string(rec.Channel), string(rec.Direction), rec.Text,
		toNanos(rec.Timestamp), dedup, encodeVector(rec.Embedding), rec.EmbeddingVersion,
		attrs, toNanos(rec.RecordedAt),
	)
	if err != nil {
		return nil, false, wrap("put interaction", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec.Clone(), true, nil
	}

	var row *sql.Row
	if dedup.Valid {
		row = s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE dedup_key = ?`, rec.DedupKey)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, rec.ID)
	}
	existing, err := scanInteraction(row.Scan)
	if err != nil {
		return nil, false, wrap("put interaction", err)
	}
	return existing, false, nil
}

func (s *InteractionStore) Get(ctx context.Context, id string) (*core.Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	rec, err := scanInteraction(row.Scan)
	if err != nil {
		return nil, wrap("get interaction", err)
	}
	return rec, nil
}

func (s *InteractionStore) SetEmbedding(ctx context.Context, id string, vec []float32, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET embedding = ?, embedding_version = ? WHERE id = ?`,
		encodeVector(vec), version, id)
	if err != nil {
		return wrap("set embedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *InteractionStore) List(ctx context.Context, opts interaction.ListOptions) ([]*core.Interaction, error) {
	if len(opts.CustomerIDs) == 0 {
		return nil, nil
	}
	owners, args := in(opts.CustomerIDs)
	where := []string{"customer_id IN " + owners}
	if opts.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(opts.Channel))
	}
	if !opts.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toNanos(opts.From))
	}
	if !opts.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, toNanos(opts.To))
	}
	if !opts.Before.IsZero() {
		ts := toNanos(opts.Before.Timestamp)
		where = append(where, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, ts, ts, opts.Before.ID)
	}
	args = append(args, limitOrAll(opts.Limit))

	return s.query(ctx, "list interactions",
		`SELECT `+interactionColumns+` FROM interactions WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC, id DESC LIMIT ?`, args...)
}

func (s *InteractionStore) Pending(ctx context.Context, limit int) ([]*core.Interaction, error) {
	return s.query(ctx, "pending interactions",
		`SELECT `+interactionColumns+` FROM interactions WHERE embedding IS NULL
		 ORDER BY ts, id LIMIT ?`, limitOrAll(limit))
}

func (s *InteractionStore) OlderThan(ctx context.Context, cutoff time.Time, after interaction.Cursor, limit int) ([]*core.Interaction, error) {
	if after.IsZero() {
		return s.query(ctx, "interactions older than",
			`SELECT `+interactionColumns+` FROM interactions WHERE ts < ?
			 ORDER BY ts, id LIMIT ?`, toNanos(cutoff), limitOrAll(limit))
	}
	ts := toNanos(after.Timestamp)
	return s.query(ctx, "interactions older than",
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE ts < ? AND (ts > ? OR (ts = ? AND id > ?))
		 ORDER BY ts, id LIMIT ?`, toNanos(cutoff), ts, ts, after.ID, limitOrAll(limit))
}

func (s *InteractionStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	set, args := in(ids)
	_, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE id IN `+set, args...)
	return wrap("delete interactions", err)
}

func (s *InteractionStore) DeleteByCustomer(ctx context.Context, customerIDs []string) (int, error) {
	if len(customerIDs) == 0 {
		return 0, nil
	}
	set, args := in(customerIDs)
	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE customer_id IN `+set, args...)
	if err != nil {
		return 0, wrap("delete customer interactions", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("delete customer interactions", err)
}

var _ interaction.Store = (*InteractionStore)(nil)
