package identity

import (
	"context"
	"errors"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// SignalOwner pairs a bound signal with the customer that owns it.
type SignalOwner struct {
	Signal     core.Signal
	CustomerID string
}

// LinkStatus is the review state of a suspected duplicate.
type LinkStatus string

const (
	LinkPending   LinkStatus = "pending"
	LinkConfirmed LinkStatus = "confirmed"
	LinkRejected  LinkStatus = "rejected"
)

// LinkCandidate records a low-confidence suspicion that two customers are the
// same person, raised by a name-only match. It never merges on its own.
type LinkCandidate struct {
	ID          string
	CustomerID  string // Customer created or resolved by the request
	CandidateID string // Existing customer matched by name only
	Signal      core.Signal
	Score       float64
	Status      LinkStatus
	CreatedAt   time.Time
	DecidedAt   time.Time
}

// Store persists the contact-signal index, customers, merges, tombstones and
// link candidates.
//
// The strong-signal index (phone, email) is the only serialization point of
// identity resolution: ClaimSignal must be an atomic insert-if-absent per
// normalized signal and ReassignSignal an atomic compare-and-swap. Everything
// else is per-record. Names are not identity, so the name index is
// multi-valued: any number of customers may share one.
type Store interface {
	// ClaimSignal binds sig to customerID unless it is already bound, and
	// returns the owner after the call.
	ClaimSignal(ctx context.Context, sig core.Signal, customerID string) (owner string, err error)

	// LookupSignal returns the owner of sig or core.ErrNotFound.
	LookupSignal(ctx context.Context, sig core.Signal) (string, error)

	// ReassignSignal moves sig from one owner to another if from still owns it.
	ReassignSignal(ctx context.Context, sig core.Signal, from, to string) (bool, error)

	// ReleaseSignal unbinds sig if owner still owns it.
	ReleaseSignal(ctx context.Context, sig core.Signal, owner string) error

	// SignalsOfType lists every bound strong signal of type t.
	SignalsOfType(ctx context.Context, t core.SignalType) ([]SignalOwner, error)

	// AddName records that customerID is known by name. Repeats are no-ops.
	AddName(ctx context.Context, name, customerID string) error

	// Names lists every (name, customer) pair.
	Names(ctx context.Context) ([]SignalOwner, error)

	// RemoveNames drops every name recorded for customerID.
	RemoveNames(ctx context.Context, customerID string) error

	CreateCustomer(ctx context.Context, c *core.Customer) error
	GetCustomer(ctx context.Context, id string) (*core.Customer, error)

	// UpdateCustomer applies fn to the stored customer atomically.
	UpdateCustomer(ctx context.Context, id string, fn func(*core.Customer) error) error

	DeleteCustomer(ctx context.Context, id string) error

	// RecordMerge stores the audit record and the loser -> winner redirect.
	// Recording the same loser -> winner pair twice is a no-op; a loser
	// already redirected to another winner yields ErrMergeConflict.
	RecordMerge(ctx context.Context, m core.IdentityMerge) error

	// Redirect returns the id that absorbed id, if any.
	Redirect(ctx context.Context, id string) (winner string, ok bool, err error)

	// Absorbed returns the ids directly merged into winner.
	Absorbed(ctx context.Context, winner string) ([]string, error)

	// Merges returns the audit records where id won or lost.
	Merges(ctx context.Context, id string) ([]core.IdentityMerge, error)

	PutTombstone(ctx context.Context, t core.Tombstone) error
	Tombstoned(ctx context.Context, id string) (bool, error)

	PutLink(ctx context.Context, l LinkCandidate) error
	GetLink(ctx context.Context, id string) (*LinkCandidate, error)
	// Links returns candidates where id is either side.
	Links(ctx context.Context, id string) ([]LinkCandidate, error)
	UpdateLink(ctx context.Context, id string, status LinkStatus, at time.Time) error
	DeleteLinks(ctx context.Context, customerID string) error
}

// ErrMergeConflict is returned by Store.RecordMerge when the loser has
// already been merged into a different customer.
var ErrMergeConflict = errors.New("customer already merged elsewhere")
