package interaction

import (
	"context"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Cursor is a position in (timestamp, id) order.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}

// Of returns the cursor of an interaction.
func Of(rec *core.Interaction) Cursor {
	return Cursor{Timestamp: rec.Timestamp, ID: rec.ID}
}

// Later reports whether rec sorts strictly after c in (timestamp, id) order.
func (c Cursor) Later(rec *core.Interaction) bool {
	if !rec.Timestamp.Equal(c.Timestamp) {
		return rec.Timestamp.After(c.Timestamp)
	}
	return rec.ID > c.ID
}

// Earlier reports whether rec sorts strictly before c in (timestamp, id) order.
func (c Cursor) Earlier(rec *core.Interaction) bool {
	if !rec.Timestamp.Equal(c.Timestamp) {
		return rec.Timestamp.Before(c.Timestamp)
	}
	return rec.ID < c.ID
}

// ListOptions selects a page of interactions in reverse-chronological order.
type ListOptions struct {
	CustomerIDs []string
	Channel     core.Channel // Empty means any
	From        time.Time    // Inclusive; zero means unbounded
	To          time.Time    // Exclusive; zero means unbounded
	Before      Cursor       // Resume strictly before this position
	Limit       int
}

// Store persists interaction records.
// Implementations: MemoryStore, sqlite.InteractionStore.
type Store interface {
	// Put inserts rec unless one with the same non-empty DedupKey exists.
	// It returns the stored record and whether it was created by this call.
	// Concurrent calls with the same key store exactly one record.
	Put(ctx context.Context, rec *core.Interaction) (*core.Interaction, bool, error)

	Get(ctx context.Context, id string) (*core.Interaction, error)

	// SetEmbedding attaches the vector produced for id.
	SetEmbedding(ctx context.Context, id string, vec []float32, version string) error

	// List returns one page ordered by timestamp then id, both descending.
	List(ctx context.Context, opts ListOptions) ([]*core.Interaction, error)

	// Pending returns records still waiting for a vector, oldest first.
	Pending(ctx context.Context, limit int) ([]*core.Interaction, error)

	// OlderThan returns records with Timestamp before cutoff, ordered by
	// timestamp then id ascending, starting strictly after the cursor.
	OlderThan(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]*core.Interaction, error)

	// Delete removes records by id. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// DeleteByCustomer removes every record of the given customer ids and
	// returns how many were removed.
	DeleteByCustomer(ctx context.Context, customerIDs []string) (int, error)
}
