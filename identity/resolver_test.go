package identity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestResolver returns a resolver whose clock ticks one second per read
// and whose ids are c1, c2, ...
func newTestResolver(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	var tick, seq atomic.Int64
	store := NewMemoryStore()
	r := NewResolver(store, Config{},
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return epoch.Add(time.Duration(tick.Add(1)) * time.Second) }),
		WithIDGenerator(func() string { return fmt.Sprintf("c%d", seq.Add(1)) }),
	)
	return r, store
}

func phone(v string) core.Signal { return core.Signal{Type: core.SignalPhone, Value: v} }
func email(v string) core.Signal { return core.Signal{Type: core.SignalEmail, Value: v} }
func name(v string) core.Signal  { return core.Signal{Type: core.SignalName, Value: v} }

func resolve(t *testing.T, r *Resolver, sigs ...core.Signal) *Resolution {
	t.Helper()
	res, err := r.Resolve(context.Background(), sigs)
	require.NoError(t, err)
	return res
}

func TestResolve_NewCustomer(t *testing.T) {
	r, _ := newTestResolver(t)

	res := resolve(t, r, phone("+1 (415) 555-0100"))
	assert.True(t, res.Created)
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.LowConfidence)

	again := resolve(t, r, phone("415.555.0100"))
	assert.False(t, again.Created)
	assert.Equal(t, res.CustomerID, again.CustomerID)
	assert.Equal(t, DefaultConfig.PhoneWeight, again.Confidence)
}

func TestResolve_NoUsableSignals(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), []core.Signal{phone("12"), email("not-an-address")})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = r.Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestResolve_InvalidSignalsAreDropped(t *testing.T) {
	r, store := newTestResolver(t)

	res := resolve(t, r, phone("12"), email("alice@example.com"))
	assert.True(t, res.Created)

	c, err := store.GetCustomer(context.Background(), res.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, []core.Signal{email("alice@example.com")}, c.Signals)
}

func TestResolve_StrongSignalsAttachToExisting(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first := resolve(t, r, phone("4155550100"))
	second := resolve(t, r, phone("4155550100"), email("Alice@Example.com"))
	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Empty(t, second.Merged)

	owner, err := store.LookupSignal(ctx, email("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, owner)

	byEmail := resolve(t, r, email("alice@example.com"))
	assert.Equal(t, first.CustomerID, byEmail.CustomerID)
	assert.Equal(t, DefaultConfig.EmailWeight, byEmail.Confidence)
}

func TestResolve_BridgingSignalsMergeIntoOldest(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	a := resolve(t, r, phone("4155550100"))
	b := resolve(t, r, email("alice@example.com"))
	require.NotEqual(t, a.CustomerID, b.CustomerID)

	bridged := resolve(t, r, email("alice@example.com"), phone("4155550100"))
	assert.Equal(t, a.CustomerID, bridged.CustomerID)
	require.Len(t, bridged.Merged, 1)
	assert.Equal(t, b.CustomerID, bridged.Merged[0].Loser)
	assert.Equal(t, a.CustomerID, bridged.Merged[0].Winner)

	canon, err := r.Canonical(ctx, b.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, a.CustomerID, canon)

	aliases, err := r.Aliases(ctx, b.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.CustomerID, b.CustomerID}, aliases)

	owner, err := store.LookupSignal(ctx, email("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, a.CustomerID, owner)

	loser, err := store.GetCustomer(ctx, b.CustomerID)
	require.NoError(t, err)
	assert.False(t, loser.Live())
	assert.Empty(t, loser.Signals)

	merges, err := store.Merges(ctx, b.CustomerID)
	require.NoError(t, err)
	assert.Len(t, merges, 1)
}

func TestResolve_MergeIsOrderIndependent(t *testing.T) {
	orders := [][]core.Signal{
		{phone("4155550100"), email("alice@example.com")},
		{email("alice@example.com"), phone("4155550100")},
	}
	var winners []string
	for _, order := range orders {
		r, _ := newTestResolver(t)
		resolve(t, r, phone("4155550100"))
		resolve(t, r, email("alice@example.com"))
		winners = append(winners, resolve(t, r, order...).CustomerID)
	}
	assert.Equal(t, winners[0], winners[1])
	assert.Equal(t, "c1", winners[0])
}

func TestResolve_ChainedMergesFollowRedirects(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	a := resolve(t, r, phone("4155550100"))
	b := resolve(t, r, email("b@example.com"))
	c := resolve(t, r, email("c@example.com"))

	resolve(t, r, email("b@example.com"), email("c@example.com"))
	resolve(t, r, phone("4155550100"), email("c@example.com"))

	for _, id := range []string{a.CustomerID, b.CustomerID, c.CustomerID} {
		canon, err := r.Canonical(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, a.CustomerID, canon, id)
	}
	aliases, err := r.Aliases(ctx, c.CustomerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.CustomerID, b.CustomerID, c.CustomerID}, aliases)
	assert.Equal(t, a.CustomerID, aliases[0])
}

func TestResolve_NameOnlyIsLowConfidence(t *testing.T) {
	r, _ := newTestResolver(t)

	known := resolve(t, r, phone("4155550100"), name("Maria Garcia"))

	res := resolve(t, r, name("maria  GARCIA"))
	assert.Equal(t, known.CustomerID, res.CustomerID)
	assert.True(t, res.LowConfidence)
	assert.False(t, res.Ambiguous)
	assert.False(t, res.Created)
	assert.Equal(t, DefaultConfig.NameWeight, res.Confidence)
}

func TestResolve_FuzzyName(t *testing.T) {
	r, _ := newTestResolver(t)

	known := resolve(t, r, phone("4155550100"), name("John Smith"))

	res := resolve(t, r, name("Jon Smith"))
	assert.Equal(t, known.CustomerID, res.CustomerID)
	assert.True(t, res.LowConfidence)

	res = resolve(t, r, name("Smith, John"))
	assert.Equal(t, known.CustomerID, res.CustomerID)

	stranger := resolve(t, r, name("Joanna Smythe-Williams"))
	assert.True(t, stranger.Created)
}

func TestResolve_AmbiguousName(t *testing.T) {
	r, _ := newTestResolver(t)

	first := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	second := resolve(t, r, phone("4155550199"), name("Maria Garcia"))
	require.NotEqual(t, first.CustomerID, second.CustomerID)

	res := resolve(t, r, name("Maria Garcia"))
	assert.True(t, res.Ambiguous)
	assert.True(t, res.LowConfidence)
	assert.Equal(t, first.CustomerID, res.CustomerID, "earliest customer wins ties")
	assert.Equal(t, []string{first.CustomerID, second.CustomerID}, res.Candidates)
	assert.InDelta(t, DefaultConfig.NameWeight/2, res.Confidence, 1e-9)
}

func TestResolve_NameNeverMerges(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	second := resolve(t, r, email("maria@example.com"), name("Maria Garcia"))

	assert.True(t, second.Created)
	assert.NotEqual(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, []string{first.CustomerID}, second.Candidates)

	canon, err := r.Canonical(ctx, second.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, second.CustomerID, canon)

	links, err := r.PendingLinks(ctx, second.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, first.CustomerID, links[0].CandidateID)
	assert.Equal(t, LinkPending, links[0].Status)

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestConfirmLink(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	second := resolve(t, r, email("maria@example.com"), name("Maria Garcia"))

	links, err := r.PendingLinks(ctx, first.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	winner, err := r.ConfirmLink(ctx, links[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, winner)

	canon, err := r.Canonical(ctx, second.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, canon)

	byEmail := resolve(t, r, email("maria@example.com"))
	assert.Equal(t, first.CustomerID, byEmail.CustomerID)

	_, err = r.ConfirmLink(ctx, links[0].ID)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRejectLink(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	second := resolve(t, r, email("maria@example.com"), name("Maria Garcia"))

	links, err := r.PendingLinks(ctx, second.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NoError(t, r.RejectLink(ctx, links[0].ID))

	l, err := store.GetLink(ctx, links[0].ID)
	require.NoError(t, err)
	assert.Equal(t, LinkRejected, l.Status)

	canon, err := r.Canonical(ctx, second.CustomerID)
	require.NoError(t, err)
	assert.NotEqual(t, first.CustomerID, canon)

	pending, err := r.PendingLinks(ctx, second.CustomerID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLinkSettledByLaterStrongMerge(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	second := resolve(t, r, email("maria@example.com"), name("Maria Garcia"))
	links, err := r.PendingLinks(ctx, second.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	resolve(t, r, phone("4155550100"), email("maria@example.com"))

	l, err := store.GetLink(ctx, links[0].ID)
	require.NoError(t, err)
	assert.Equal(t, LinkConfirmed, l.Status)
}

func TestResolve_StrongMatchSharingNameFilesLink(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	bobA := resolve(t, r, email("a@example.com"), name("Bob Smith"))
	bobB := resolve(t, r, email("b@example.com"))

	res := resolve(t, r, email("b@example.com"), name("Bob Smith"))
	assert.Equal(t, bobB.CustomerID, res.CustomerID)
	assert.False(t, res.Created)
	assert.Equal(t, []string{bobA.CustomerID}, res.Candidates)

	links, err := r.PendingLinks(ctx, bobB.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, bobB.CustomerID, links[0].CustomerID)
	assert.Equal(t, bobA.CustomerID, links[0].CandidateID)
	assert.Equal(t, NormalizeName("Bob Smith"), links[0].Signal.Value)

	// Repeats neither duplicate the link nor revive a rejected one.
	resolve(t, r, email("b@example.com"), name("Bob Smith"))
	links, err = r.PendingLinks(ctx, bobB.CustomerID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	require.NoError(t, r.RejectLink(ctx, links[0].ID))
	resolve(t, r, email("b@example.com"), name("Bob Smith"))
	pending, err := r.PendingLinks(ctx, bobB.CustomerID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolve_StrongMatchOwnNameFilesNoLink(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	bob := resolve(t, r, email("a@example.com"), name("Bob Smith"))
	again := resolve(t, r, email("a@example.com"), name("Bob Smith"))
	assert.Equal(t, bob.CustomerID, again.CustomerID)
	assert.Empty(t, again.Candidates)

	links, err := r.PendingLinks(ctx, bob.CustomerID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestResolve_ConcurrentSamePhone(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	const workers = 32
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(ctx, []core.Signal{phone("+1 415 555 0100")})
			if assert.NoError(t, err) {
				ids[i] = res.CustomerID
			}
		}()
	}
	wg.Wait()

	owner, err := store.LookupSignal(ctx, phone("4155550100"))
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, owner, id)
	}
}

func TestResolve_ConcurrentBridging(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	requests := [][]core.Signal{
		{phone("4155550100")},
		{email("alice@example.com")},
		{phone("4155550100"), email("alice@example.com")},
		{email("alice@example.com"), phone("4155550100")},
	}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(sigs []core.Signal) {
			defer wg.Done()
			_, err := r.Resolve(ctx, sigs)
			assert.NoError(t, err)
		}(requests[i%len(requests)])
	}
	wg.Wait()

	res := resolve(t, r, phone("4155550100"), email("alice@example.com"))
	byPhone := resolve(t, r, phone("4155550100"))
	byEmail := resolve(t, r, email("alice@example.com"))
	assert.Equal(t, res.CustomerID, byPhone.CustomerID)
	assert.Equal(t, res.CustomerID, byEmail.CustomerID)

	// Each strong signal has exactly one owner, and it resolves to the survivor.
	for _, sig := range []core.Signal{phone("4155550100"), email("alice@example.com")} {
		owner, err := store.LookupSignal(ctx, sig)
		require.NoError(t, err)
		canon, err := r.Canonical(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, res.CustomerID, canon)
	}
}

func TestErasedCustomerIsNotResurrected(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	old := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	aliases, err := r.Aliases(ctx, old.CustomerID)
	require.NoError(t, err)

	require.NoError(t, r.Scrub(ctx, aliases))
	require.NoError(t, r.Bury(ctx, aliases))

	_, err = r.Canonical(ctx, old.CustomerID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = store.LookupSignal(ctx, phone("4155550100"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	fresh := resolve(t, r, phone("4155550100"), name("Maria Garcia"))
	assert.True(t, fresh.Created)
	assert.NotEqual(t, old.CustomerID, fresh.CustomerID)
	assert.Empty(t, fresh.Candidates)

	// Scrub and Bury are safe to repeat.
	require.NoError(t, r.Scrub(ctx, aliases))
	require.NoError(t, r.Bury(ctx, aliases))
}

func TestStaleSignalOfErasedCustomerIsReclaimed(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	old := resolve(t, r, phone("4155550100"))
	// Tombstone written but the signal never released: an interrupted erasure.
	require.NoError(t, store.PutTombstone(ctx, core.Tombstone{CustomerID: old.CustomerID, ErasedAt: epoch}))

	fresh := resolve(t, r, phone("4155550100"))
	assert.True(t, fresh.Created)
	assert.NotEqual(t, old.CustomerID, fresh.CustomerID)

	owner, err := store.LookupSignal(ctx, phone("4155550100"))
	require.NoError(t, err)
	assert.Equal(t, fresh.CustomerID, owner)
}

func TestCanonical_Unknown(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Canonical(context.Background(), "nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
