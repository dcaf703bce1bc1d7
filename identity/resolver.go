package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
)

// Config holds trust weights and matching policy. These are tuning
// constants, not invariants.
type Config struct {
	EmailWeight    float64 `yaml:"email_weight"`
	PhoneWeight    float64 `yaml:"phone_weight"`
	NameWeight     float64 `yaml:"name_weight"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"` // Minimum edit-distance ratio for a name match
	MaxAttempts    int     `yaml:"max_attempts"`    // Resolution retries after losing a claim race
}

// DefaultConfig returns the default trust weights.
var DefaultConfig = Config{
	EmailWeight:    0.95,
	PhoneWeight:    0.90,
	NameWeight:     0.70,
	FuzzyThreshold: 0.85,
	MaxAttempts:    5,
}

func (c Config) withDefaults() Config {
	if c.EmailWeight == 0 {
		c.EmailWeight = DefaultConfig.EmailWeight
	}
	if c.PhoneWeight == 0 {
		c.PhoneWeight = DefaultConfig.PhoneWeight
	}
	if c.NameWeight == 0 {
		c.NameWeight = DefaultConfig.NameWeight
	}
	if c.FuzzyThreshold == 0 {
		c.FuzzyThreshold = DefaultConfig.FuzzyThreshold
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	return c
}

// Resolution is the outcome of resolving one set of contact signals.
type Resolution struct {
	CustomerID string
	Confidence float64

	// Created is set when no signal matched and a customer was created.
	Created bool

	// LowConfidence is set when only names matched. The result is a guess
	// that later strong signals may confirm or contradict.
	LowConfidence bool

	// Ambiguous is set when several customers matched by name alone.
	Ambiguous bool

	// Candidates lists customers matched by name only, best first.
	Candidates []string

	// Merged lists merges triggered by this resolution.
	Merged []core.IdentityMerge
}

// Resolver merges contact signals into canonical customers.
type Resolver struct {
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.log = logging.Component(l, "identity")
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithIDGenerator overrides customer id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) {
		r.newID = newID
	}
}

// NewResolver creates a resolver. Zero config fields take defaults.
func NewResolver(store Store, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   logging.Component(nil, "identity"),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Resolver) Store() Store {
	return r.store
}

func (r *Resolver) weight(t core.SignalType) float64 {
	switch t {
	case core.SignalEmail:
		return r.cfg.EmailWeight
	case core.SignalPhone:
		return r.cfg.PhoneWeight
	default:
		return r.cfg.NameWeight
	}
}

// Resolve maps raw contact signals to a canonical customer, creating or
// merging customers as needed. Invalid signals are dropped; a request with
// no usable signal fails with core.ErrInvalidInput.
func (r *Resolver) Resolve(ctx context.Context, signals []core.Signal) (*Resolution, error) {
	norm, errs := normalizeAll(signals)
	for _, err := range errs {
		r.log.Debug("dropping unusable signal", "error", err)
	}
	if len(norm) == 0 {
		return nil, fmt.Errorf("%w: no usable contact signals", core.ErrInvalidInput)
	}

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, retry, err := r.resolveOnce(ctx, norm)
		if err != nil {
			return nil, err
		}
		if !retry {
			return res, nil
		}
		r.log.Debug("lost signal claim race, re-reading", "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: identity resolution did not settle after %d attempts", core.ErrTransientStore, r.cfg.MaxAttempts)
}

// observation is what the indexes say about one request.
type observation struct {
	strong    map[string]float64     // canonical id -> best strong weight
	names     map[string]float64     // canonical id -> best name similarity
	nameSig   map[string]core.Signal // canonical id -> stored name that matched
	unclaimed []core.Signal          // strong signals without a live owner
	stale     map[string]string      // signal key -> erased owner still bound
	newNames  []core.Signal          // names to record against the resolved customer
}

func (r *Resolver) observe(ctx context.Context, norm []core.Signal) (*observation, error) {
	obs := &observation{
		strong:  make(map[string]float64),
		names:   make(map[string]float64),
		nameSig: make(map[string]core.Signal),
		stale:   make(map[string]string),
	}
	var known []SignalOwner
	for _, sig := range norm {
		if !sig.Type.Strong() {
			if known == nil {
				var err error
				if known, err = r.store.Names(ctx); err != nil {
					return nil, fmt.Errorf("list names: %w", err)
				}
			}
			if err := r.matchName(ctx, sig, known, obs); err != nil {
				return nil, err
			}
			obs.newNames = append(obs.newNames, sig)
			continue
		}

		owner, err := r.store.LookupSignal(ctx, sig)
		if err != nil && !core.IsNotFound(err) {
			return nil, fmt.Errorf("lookup %s: %w", sig.Type, err)
		}
		if err == nil {
			canon, cerr := r.Canonical(ctx, owner)
			switch {
			case cerr == nil:
				obs.strong[canon] = max(obs.strong[canon], r.weight(sig.Type))
				continue
			case core.IsNotFound(cerr):
				obs.stale[sig.Key()] = owner
			default:
				return nil, cerr
			}
		}
		obs.unclaimed = append(obs.unclaimed, sig)
	}
	return obs, nil
}

// matchName scores every known name against sig, exact or fuzzy.
func (r *Resolver) matchName(ctx context.Context, sig core.Signal, known []SignalOwner, obs *observation) error {
	for _, k := range known {
		score := 1.0
		if k.Signal.Value != sig.Value {
			score = NameSimilarity(sig.Value, k.Signal.Value)
		}
		if score < r.cfg.FuzzyThreshold {
			continue
		}
		canon, err := r.Canonical(ctx, k.CustomerID)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if score > obs.names[canon] {
			obs.names[canon] = score
			obs.nameSig[canon] = k.Signal
		}
	}
	return nil
}

func (r *Resolver) resolveOnce(ctx context.Context, norm []core.Signal) (*Resolution, bool, error) {
	obs, err := r.observe(ctx, norm)
	if err != nil {
		return nil, false, err
	}

	switch {
	case len(obs.strong) > 0:
		ids := make([]string, 0, len(obs.strong))
		confidence := 0.0
		for id, w := range obs.strong {
			ids = append(ids, id)
			confidence = max(confidence, w)
		}
		res := &Resolution{CustomerID: ids[0], Confidence: confidence}
		if len(ids) > 1 {
			winner, merges, err := r.merge(ctx, ids, "shared contact signals")
			if errors.Is(err, ErrMergeConflict) {
				return nil, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			res.CustomerID, res.Merged = winner, merges
		}
		lost, err := r.claimAll(ctx, res.CustomerID, obs)
		if err != nil || lost {
			return nil, lost, err
		}
		if err := r.addNames(ctx, res.CustomerID, obs.newNames); err != nil {
			return nil, false, err
		}
		others, err := r.otherNameHolders(ctx, res.CustomerID, obs)
		if err != nil {
			return nil, false, err
		}
		if len(others) > 0 {
			res.Candidates = others
			if err := r.recordLinks(ctx, res.CustomerID, others, obs); err != nil {
				return nil, false, err
			}
			r.log.Warn("low-confidence link: resolved customer shares a name with other customers",
				"customer_id", res.CustomerID,
				"candidates", others,
			)
		}
		return res, false, nil

	case len(obs.names) > 0 && len(obs.unclaimed) == 0:
		cands, err := r.rankCandidates(ctx, obs.names)
		if err != nil {
			return nil, false, err
		}
		res := &Resolution{
			CustomerID:    cands[0],
			Confidence:    r.cfg.NameWeight,
			LowConfidence: true,
			Candidates:    cands,
		}
		if len(cands) > 1 {
			res.Ambiguous = true
			res.Confidence = r.cfg.NameWeight / float64(len(cands))
		}
		r.log.Warn("low-confidence resolution",
			"customer_id", res.CustomerID,
			"candidates", cands,
			"ambiguous", res.Ambiguous,
		)
		return res, false, nil

	default:
		id, retry, err := r.create(ctx, obs)
		if err != nil || retry {
			return nil, retry, err
		}
		res := &Resolution{CustomerID: id, Confidence: 1.0, Created: true}
		if len(obs.names) > 0 {
			cands, err := r.rankCandidates(ctx, obs.names)
			if err != nil {
				return nil, false, err
			}
			res.Candidates = cands
			if err := r.recordLinks(ctx, id, cands, obs); err != nil {
				return nil, false, err
			}
			r.log.Warn("low-confidence resolution: new customer shares a name with existing customers",
				"customer_id", id,
				"candidates", cands,
			)
		} else {
			r.log.Info("created customer", "customer_id", id, "signals", len(obs.unclaimed)+len(obs.newNames))
		}
		return res, false, nil
	}
}

// rankCandidates orders name matches by similarity, then age, then id.
func (r *Resolver) rankCandidates(ctx context.Context, names map[string]float64) ([]string, error) {
	type cand struct {
		id      string
		score   float64
		created time.Time
	}
	cands := make([]cand, 0, len(names))
	for id, score := range names {
		c, err := r.store.GetCustomer(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load candidate %s: %w", id, err)
		}
		cands = append(cands, cand{id: id, score: score, created: c.CreatedAt})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if !cands[i].created.Equal(cands[j].created) {
			return cands[i].created.Before(cands[j].created)
		}
		return cands[i].id < cands[j].id
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out, nil
}

// otherNameHolders returns the live customers other than id whose names
// matched the request, best first.
func (r *Resolver) otherNameHolders(ctx context.Context, id string, obs *observation) ([]string, error) {
	others := make(map[string]float64, len(obs.names))
	for cand, score := range obs.names {
		canon, err := r.Canonical(ctx, cand)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if canon != id {
			others[canon] = max(others[canon], score)
			if _, ok := obs.nameSig[canon]; !ok {
				obs.nameSig[canon] = obs.nameSig[cand]
				obs.names[canon] = score
			}
		}
	}
	if len(others) == 0 {
		return nil, nil
	}
	return r.rankCandidates(ctx, others)
}

// recordLinks files a pending link between id and each candidate, unless
// the pair already has one in any state.
func (r *Resolver) recordLinks(ctx context.Context, id string, cands []string, obs *observation) error {
	existing, err := r.store.Links(ctx, id)
	if err != nil {
		return fmt.Errorf("list link candidates: %w", err)
	}
	linked := make(map[string]bool, len(existing))
	for _, l := range existing {
		linked[l.CustomerID] = true
		linked[l.CandidateID] = true
	}
	for _, cand := range cands {
		if linked[cand] {
			continue
		}
		err := r.store.PutLink(ctx, LinkCandidate{
			ID:          uuid.New().String(),
			CustomerID:  id,
			CandidateID: cand,
			Signal:      obs.nameSig[cand],
			Score:       obs.names[cand],
			Status:      LinkPending,
			CreatedAt:   r.now(),
		})
		if err != nil {
			return fmt.Errorf("record link candidate: %w", err)
		}
	}
	return nil
}

// claim binds sig to id, taking it over from an erased owner if needed.
func (r *Resolver) claim(ctx context.Context, sig core.Signal, id string, obs *observation) (string, error) {
	if dead, ok := obs.stale[sig.Key()]; ok {
		moved, err := r.store.ReassignSignal(ctx, sig, dead, id)
		if err != nil {
			return "", err
		}
		if moved {
			return id, nil
		}
	}
	return r.store.ClaimSignal(ctx, sig, id)
}

func (r *Resolver) addSignal(ctx context.Context, id string, sig core.Signal) error {
	return r.store.UpdateCustomer(ctx, id, func(c *core.Customer) error {
		if !c.HasSignal(sig) {
			c.Signals = append(c.Signals, sig)
		}
		c.UpdatedAt = r.now()
		return nil
	})
}

func (r *Resolver) addNames(ctx context.Context, id string, names []core.Signal) error {
	for _, n := range names {
		if err := r.store.AddName(ctx, n.Value, id); err != nil {
			return fmt.Errorf("record name: %w", err)
		}
		if err := r.addSignal(ctx, id, n); err != nil {
			return err
		}
	}
	return nil
}

// claimAll binds the request's unowned strong signals to an existing
// customer. It reports true when one was taken by someone else meanwhile, in
// which case the caller re-reads and merges.
func (r *Resolver) claimAll(ctx context.Context, id string, obs *observation) (bool, error) {
	for _, sig := range obs.unclaimed {
		owner, err := r.claim(ctx, sig, id, obs)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", sig.Type, err)
		}
		if owner != id {
			return true, nil
		}
		if err := r.addSignal(ctx, id, sig); err != nil {
			return false, err
		}
	}
	return false, nil
}

// create makes a customer for signals nobody owns. The customer record is
// written before any signal points at it. If the very first claim is lost
// the still-unreferenced record is dropped and the caller retries as a match.
func (r *Resolver) create(ctx context.Context, obs *observation) (string, bool, error) {
	now := r.now()
	id := r.newID()
	if err := r.store.CreateCustomer(ctx, &core.Customer{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
		return "", false, fmt.Errorf("create customer: %w", err)
	}

	for i, sig := range obs.unclaimed {
		owner, err := r.claim(ctx, sig, id, obs)
		if err != nil {
			return "", false, fmt.Errorf("claim %s: %w", sig.Type, err)
		}
		if owner != id {
			if i == 0 {
				if err := r.store.DeleteCustomer(ctx, id); err != nil {
					return "", false, err
				}
			}
			return "", true, nil
		}
		if err := r.addSignal(ctx, id, sig); err != nil {
			return "", false, err
		}
	}
	return id, false, r.addNames(ctx, id, obs.newNames)
}

// merge folds customers into the oldest one. Losers keep their records with
// a redirect; their signals move to the winner.
func (r *Resolver) merge(ctx context.Context, ids []string, reason string) (string, []core.IdentityMerge, error) {
	custs := make([]*core.Customer, 0, len(ids))
	for _, id := range ids {
		c, err := r.store.GetCustomer(ctx, id)
		if err != nil {
			return "", nil, fmt.Errorf("load %s for merge: %w", id, err)
		}
		custs = append(custs, c)
	}
	sort.Slice(custs, func(i, j int) bool {
		if !custs[i].CreatedAt.Equal(custs[j].CreatedAt) {
			return custs[i].CreatedAt.Before(custs[j].CreatedAt)
		}
		return custs[i].ID < custs[j].ID
	})

	winner := custs[0].ID
	var merges []core.IdentityMerge
	for _, loser := range custs[1:] {
		m := core.IdentityMerge{
			ID:       uuid.New().String(),
			Loser:    loser.ID,
			Winner:   winner,
			Reason:   reason,
			MergedAt: r.now(),
		}
		if err := r.store.RecordMerge(ctx, m); err != nil {
			return "", nil, err
		}
		for _, sig := range loser.Signals {
			if !sig.Type.Strong() {
				if err := r.addNames(ctx, winner, []core.Signal{sig}); err != nil {
					return "", nil, err
				}
				continue
			}
			moved, err := r.store.ReassignSignal(ctx, sig, loser.ID, winner)
			if err != nil {
				return "", nil, fmt.Errorf("reassign %s: %w", sig.Type, err)
			}
			if moved {
				if err := r.addSignal(ctx, winner, sig); err != nil {
					return "", nil, err
				}
			}
		}
		if err := r.store.RemoveNames(ctx, loser.ID); err != nil {
			return "", nil, err
		}
		err := r.store.UpdateCustomer(ctx, loser.ID, func(c *core.Customer) error {
			c.Signals = nil
			c.MergedInto = winner
			c.UpdatedAt = m.MergedAt
			return nil
		})
		if err != nil {
			return "", nil, err
		}
		if err := r.settleLinks(ctx, loser.ID, winner); err != nil {
			return "", nil, err
		}
		merges = append(merges, m)
		r.log.Info("merged customers", "loser", loser.ID, "winner", winner, "reason", reason)
	}
	return winner, merges, nil
}

// settleLinks confirms pending link candidates that a merge just proved.
func (r *Resolver) settleLinks(ctx context.Context, loser, winner string) error {
	links, err := r.store.Links(ctx, loser)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Status != LinkPending {
			continue
		}
		other := l.CandidateID
		if other == loser {
			other = l.CustomerID
		}
		canon, err := r.Canonical(ctx, other)
		if err != nil {
			continue
		}
		if canon == winner {
			if err := r.store.UpdateLink(ctx, l.ID, LinkConfirmed, r.now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Canonical follows merge redirects from id to the surviving customer.
// Unknown ids yield core.ErrNotFound and erased ones core.ErrErased.
func (r *Resolver) Canonical(ctx context.Context, id string) (string, error) {
	const maxHops = 64
	for hop := 0; hop < maxHops; hop++ {
		dead, err := r.store.Tombstoned(ctx, id)
		if err != nil {
			return "", err
		}
		if dead {
			return "", fmt.Errorf("customer %s: %w", id, core.ErrErased)
		}
		next, ok, err := r.store.Redirect(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			if _, err := r.store.GetCustomer(ctx, id); err != nil {
				return "", fmt.Errorf("customer %s: %w", id, err)
			}
			return id, nil
		}
		id = next
	}
	return "", fmt.Errorf("customer %s: redirect chain too long", id)
}

// Aliases returns the canonical id of id followed by every retired id that
// redirects to it.
func (r *Resolver) Aliases(ctx context.Context, id string) ([]string, error) {
	canon, err := r.Canonical(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []string{canon}
	for i := 0; i < len(out); i++ {
		losers, err := r.store.Absorbed(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out = append(out, losers...)
	}
	return out, nil
}

// PendingLinks lists unreviewed link candidates touching the customer.
func (r *Resolver) PendingLinks(ctx context.Context, id string) ([]LinkCandidate, error) {
	aliases, err := r.Aliases(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []LinkCandidate
	for _, a := range aliases {
		links, err := r.store.Links(ctx, a)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if l.Status == LinkPending && !seen[l.ID] {
				seen[l.ID] = true
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// ConfirmLink accepts a link candidate and merges the two customers.
// It returns the surviving customer id.
func (r *Resolver) ConfirmLink(ctx context.Context, linkID string) (string, error) {
	l, err := r.store.GetLink(ctx, linkID)
	if err != nil {
		return "", err
	}
	if l.Status != LinkPending {
		return "", fmt.Errorf("%w: link %s already %s", core.ErrInvalidInput, linkID, l.Status)
	}
	a, err := r.Canonical(ctx, l.CustomerID)
	if err != nil {
		return "", err
	}
	b, err := r.Canonical(ctx, l.CandidateID)
	if err != nil {
		return "", err
	}
	winner := a
	if a != b {
		winner, _, err = r.merge(ctx, []string{a, b}, "confirmed name link")
		if err != nil {
			return "", err
		}
	}
	if err := r.store.UpdateLink(ctx, linkID, LinkConfirmed, r.now()); err != nil {
		return "", err
	}
	return winner, nil
}

// RejectLink records that the two customers are different people.
func (r *Resolver) RejectLink(ctx context.Context, linkID string) error {
	l, err := r.store.GetLink(ctx, linkID)
	if err != nil {
		return err
	}
	if l.Status != LinkPending {
		return fmt.Errorf("%w: link %s already %s", core.ErrInvalidInput, linkID, l.Status)
	}
	return r.store.UpdateLink(ctx, linkID, LinkRejected, r.now())
}

// Scrub unbinds every signal and name owned by the given ids and clears
// their customer records and link candidates. Safe to repeat.
func (r *Resolver) Scrub(ctx context.Context, ids []string) error {
	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}
	for _, t := range []core.SignalType{core.SignalEmail, core.SignalPhone} {
		bound, err := r.store.SignalsOfType(ctx, t)
		if err != nil {
			return err
		}
		for _, b := range bound {
			if owned[b.CustomerID] {
				if err := r.store.ReleaseSignal(ctx, b.Signal, b.CustomerID); err != nil {
					return fmt.Errorf("release %s: %w", t, err)
				}
			}
		}
	}
	for _, id := range ids {
		if err := r.store.RemoveNames(ctx, id); err != nil {
			return err
		}
		err := r.store.UpdateCustomer(ctx, id, func(c *core.Customer) error {
			c.Signals = nil
			return nil
		})
		if err != nil && !core.IsNotFound(err) {
			return err
		}
		if err := r.store.DeleteLinks(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Bury tombstones the ids and then drops their customer records. Once a
// tombstone exists the id resolves to core.ErrNotFound forever.
func (r *Resolver) Bury(ctx context.Context, ids []string) error {
	now := r.now()
	for _, id := range ids {
		if err := r.store.PutTombstone(ctx, core.Tombstone{CustomerID: id, ErasedAt: now}); err != nil {
			return fmt.Errorf("tombstone %s: %w", id, err)
		}
	}
	for _, id := range ids {
		if err := r.store.DeleteCustomer(ctx, id); err != nil {
			return fmt.Errorf("delete customer %s: %w", id, err)
		}
	}
	return nil
}
