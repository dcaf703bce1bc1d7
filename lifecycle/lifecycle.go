// Package lifecycle enforces erasure requests and retention across every
// store.
//
// Erasure order matters: the request is logged first, then vectors,
// interactions, evidence and contact signals are removed, and the tombstone
// is written last. A crash at any point leaves a pending request that Sweep
// completes; every step is safe to repeat.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/interaction"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/profile"
)

const purgeCheckpoint = "purge"

// Identities is the slice of the identity resolver erasure needs.
type Identities interface {
	Aliases(ctx context.Context, id string) ([]string, error)
	Scrub(ctx context.Context, ids []string) error
	Bury(ctx context.Context, ids []string) error
}

// Profiles drops cached profiles.
type Profiles interface {
	Forget(ids ...string)
	Invalidate()
}

// Config tunes retention.
type Config struct {
	BatchSize int `yaml:"batch_size"` // Records per purge batch, default 500
}

// PurgeReport summarizes one PurgeOlderThan call.
type PurgeReport struct {
	Cutoff       time.Time
	Interactions int
	Evidence     int
	Batches      int  // Interaction batches
	Resumed      bool // Started from a checkpoint left by an interrupted run
	Completed    bool
}

// Manager is the lifecycle and privacy manager.
type Manager struct {
	store        Store
	ids          Identities
	interactions interaction.Store
	index        memory.Index
	evidence     profile.Store
	profiles     Profiles
	cfg          Config
	log          *slog.Logger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = logging.Component(l, "lifecycle")
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithProfiles lets erasure and retention purges drop cached profiles.
func WithProfiles(p Profiles) Option {
	return func(m *Manager) {
		m.profiles = p
	}
}

// NewManager creates a manager.
func NewManager(store Store, ids Identities, interactions interaction.Store, index memory.Index, evidence profile.Store, cfg Config, opts ...Option) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	m := &Manager{
		store:        store,
		ids:          ids,
		interactions: interactions,
		index:        index,
		evidence:     evidence,
		cfg:          cfg,
		log:          logging.Component(nil, "lifecycle"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EraseCustomer removes everything known about the customer and every id
// merged into it, then tombstones them so their signals can never resolve
// back. It returns core.ErrNotFound for unknown or already erased ids.
//
// On failure the request stays pending; calling again or running Sweep
// finishes it.
func (m *Manager) EraseCustomer(ctx context.Context, customerID string) (bool, error) {
	aliases, err := m.ids.Aliases(ctx, customerID)
	if err != nil {
		return false, err
	}
	req, err := m.store.GetErasure(ctx, aliases[0])
	if core.IsNotFound(err) {
		req = &ErasureRequest{CustomerID: aliases[0], RequestedAt: m.now()}
	} else if err != nil {
		return false, fmt.Errorf("load erasure request: %w", err)
	}
	req.Aliases = mergeIDs(req.Aliases, aliases)
	if err := m.store.PutErasure(ctx, *req); err != nil {
		return false, fmt.Errorf("log erasure request: %w", err)
	}
	m.log.Info("erasure requested", "customer_id", req.CustomerID, "ids", len(req.Aliases))

	if err := m.execute(ctx, req); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep finishes erasures interrupted by a crash or a store failure. It
// returns how many completed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	pending, err := m.store.PendingErasures(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending erasures: %w", err)
	}
	done := 0
	var errs []error
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := m.execute(ctx, &pending[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	if len(pending) > 0 {
		m.log.Info("swept pending erasures", "pending", len(pending), "completed", done)
	}
	return done, errors.Join(errs...)
}

func (m *Manager) execute(ctx context.Context, req *ErasureRequest) error {
	req.Attempts++
	err := m.erase(ctx, req.Aliases)
	if err != nil {
		req.LastError = err.Error()
		if perr := m.store.PutErasure(ctx, *req); perr != nil {
			m.log.Error("could not record erasure failure", "customer_id", req.CustomerID, "error", perr)
		}
		m.log.Warn("erasure incomplete, will retry", "customer_id", req.CustomerID, "attempt", req.Attempts, "error", err)
		return fmt.Errorf("erase %s: %w", req.CustomerID, core.Transient(err))
	}
	req.CompletedAt = m.now()
	req.LastError = ""
	if err := m.store.PutErasure(ctx, *req); err != nil {
		return fmt.Errorf("complete erasure: %w", err)
	}
	m.log.Info("customer erased", "customer_id", req.CustomerID, "attempts", req.Attempts)
	return nil
}

func (m *Manager) erase(ctx context.Context, ids []string) error {
	if err := m.scrubRecords(ctx, ids); err != nil {
		return err
	}
	if err := m.ids.Scrub(ctx, ids); err != nil {
		return fmt.Errorf("scrub identity: %w", err)
	}
	if m.profiles != nil {
		m.profiles.Forget(ids...)
	}
	if err := m.ids.Bury(ctx, ids); err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}
	// Anything recorded while the erasure ran is now unreachable; remove it.
	return m.scrubRecords(ctx, ids)
}

func (m *Manager) scrubRecords(ctx context.Context, ids []string) error {
	if err := m.index.DeleteWhere(ctx, memory.Filter{memory.MetaCustomerID: ids}); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if _, err := m.interactions.DeleteByCustomer(ctx, ids); err != nil {
		return fmt.Errorf("delete interactions: %w", err)
	}
	if _, err := m.evidence.DeleteByCustomer(ctx, ids); err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes interactions, vectors and profile evidence older
// than age, in (timestamp, id) order and in batches. After every batch a
// checkpoint is saved; a cancelled run returns the context error and the
// next call resumes after the checkpoint.
func (m *Manager) PurgeOlderThan(ctx context.Context, age time.Duration) (*PurgeReport, error) {
	if age <= 0 {
		return nil, fmt.Errorf("%w: retention must be positive", core.ErrInvalidInput)
	}
	report := &PurgeReport{Cutoff: m.now().Add(-age)}

	cp, resumed, err := m.store.Checkpoint(ctx, purgeCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	report.Resumed = resumed
	after := cp.After

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := m.interactions.OlderThan(ctx, report.Cutoff, after, m.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list expired interactions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		if err := m.index.Delete(ctx, ids...); err != nil {
			return report, fmt.Errorf("delete expired vectors: %w", err)
		}
		if err := m.interactions.Delete(ctx, ids...); err != nil {
			return report, fmt.Errorf("delete expired interactions: %w", err)
		}
		after = interaction.Of(batch[len(batch)-1])
		if err := m.store.SaveCheckpoint(ctx, purgeCheckpoint, Checkpoint{After: after, UpdatedAt: m.now()}); err != nil {
			return report, fmt.Errorf("save checkpoint: %w", err)
		}
		report.Interactions += len(batch)
		report.Batches++
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := m.evidence.DeleteOlderThan(ctx, report.Cutoff, m.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("delete expired evidence: %w", err)
		}
		report.Evidence += n
		if n < m.cfg.BatchSize {
			break
		}
	}
	if m.profiles != nil && (report.Evidence > 0 || report.Interactions > 0) {
		m.profiles.Invalidate()
	}

	if err := m.store.ClearCheckpoint(ctx, purgeCheckpoint); err != nil {
		return report, fmt.Errorf("clear checkpoint: %w", err)
	}
	report.Completed = true
	m.log.Info("retention purge complete",
		"cutoff", report.Cutoff,
		"interactions", report.Interactions,
		"evidence", report.Evidence,
		"batches", report.Batches,
		"resumed", report.Resumed,
	)
	return report, nil
}

// Run sweeps pending erasures and purges expired records every interval
// until ctx is done. A zero retention disables purging.
func (m *Manager) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("sweep failed", "error", err)
		}
		if retention > 0 {
			if _, err := m.PurgeOlderThan(ctx, retention); err != nil && ctx.Err() == nil {
				m.log.Warn("purge failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
