// Package sqlite implements every store contract on a single SQLite
// database using the pure Go modernc.org/sqlite driver.
//
// One connection is shared by all stores, which serializes writes in
// process and makes multi-statement updates atomic without extra locking.
// The contact-signal uniqueness check is still an atomic conditional insert
// on the signal's primary key, so it holds across processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/becomeliminal/nim-recall/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id          TEXT PRIMARY KEY,
	signals     TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	merged_into TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS contact_signals (
	key         TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	value       TEXT NOT NULL,
	customer_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS contact_signals_type ON contact_signals (type, value);
CREATE TABLE IF NOT EXISTS customer_names (
	name        TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	PRIMARY KEY (name, customer_id)
);
CREATE TABLE IF NOT EXISTS identity_merges (
	id        TEXT PRIMARY KEY,
	loser     TEXT NOT NULL UNIQUE,
	winner    TEXT NOT NULL,
	reason    TEXT NOT NULL,
	merged_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS identity_merges_winner ON identity_merges (winner);
CREATE TABLE IF NOT EXISTS tombstones (
	customer_id TEXT PRIMARY KEY,
	erased_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS link_candidates (
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	signal_type  TEXT NOT NULL,
	signal_value TEXT NOT NULL,
	score        REAL NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	decided_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS link_candidates_customer ON link_candidates (customer_id);
CREATE INDEX IF NOT EXISTS link_candidates_candidate ON link_candidates (candidate_id);
CREATE TABLE IF NOT EXISTS interactions (
	id                TEXT PRIMARY KEY,
	customer_id       TEXT NOT NULL,
	channel           TEXT NOT NULL,
	direction         TEXT NOT NULL,
	text              TEXT NOT NULL,
	ts                INTEGER NOT NULL,
	dedup_key         TEXT,
	embedding         BLOB,
	embedding_version TEXT NOT NULL DEFAULT '',
	attributes        TEXT NOT NULL DEFAULT '{}',
	recorded_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS interactions_dedup ON interactions (dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS interactions_customer ON interactions (customer_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS interactions_ts ON interactions (ts, id);
CREATE TABLE IF NOT EXISTS evidence (
	id             TEXT PRIMARY KEY,
	customer_id    TEXT NOT NULL,
	interaction_id TEXT NOT NULL,
	key            TEXT NOT NULL,
	value          TEXT NOT NULL,
	weight         REAL NOT NULL,
	observed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_customer ON evidence (customer_id);
CREATE INDEX IF NOT EXISTS evidence_observed ON evidence (observed_at, id);
CREATE TABLE IF NOT EXISTS erasure_requests (
	customer_id  TEXT PRIMARY KEY,
	aliases      TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	after_ts   INTEGER NOT NULL,
	after_id   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// DB is an open database shared by the stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Identities returns the identity store.
func (d *DB) Identities() *IdentityStore {
	return &IdentityStore{db: d.db}
}

// Interactions returns the interaction store.
func (d *DB) Interactions() *InteractionStore {
	return &InteractionStore{db: d.db}
}

// Evidence returns the profile evidence store.
func (d *DB) Evidence() *EvidenceStore {
	return &EvidenceStore{db: d.db}
}

// Lifecycle returns the erasure and checkpoint store.
func (d *DB) Lifecycle() *LifecycleStore {
	return &LifecycleStore{db: d.db}
}

// wrap annotates err and marks lock contention as transient.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w", op, core.Transient(err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withTx runs fn in a transaction.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return wrap(op, tx.Commit())
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// in returns "(?, ?, ...)" and the args for an IN clause.
func in(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

func limitOrAll(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
