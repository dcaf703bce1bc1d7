package core

import (
	"fmt"
	"time"
)

// SignalType is the kind of contact signal.
type SignalType string

const (
	SignalPhone SignalType = "phone"
	SignalEmail SignalType = "email"
	SignalName  SignalType = "name"
)

// Strong reports whether a signal type is trusted enough to drive a merge.
func (t SignalType) Strong() bool {
	return t == SignalPhone || t == SignalEmail
}

// Signal is a contact signal. Value is raw when supplied by a collaborator
// and normalized once it has passed through the identity resolver.
type Signal struct {
	Type  SignalType
	Value string
}

// Key is the index key for a normalized signal.
func (s Signal) Key() string {
	return string(s.Type) + ":" + s.Value
}

func (s Signal) String() string {
	return s.Key()
}

// ParseSignal builds a raw signal from collaborator input.
func ParseSignal(kind, value string) (Signal, error) {
	t := SignalType(kind)
	switch t {
	case SignalPhone, SignalEmail, SignalName:
		return Signal{Type: t, Value: value}, nil
	}
	return Signal{}, fmt.Errorf("%w: unknown signal type %q", ErrInvalidInput, kind)
}

// Customer is a canonical identity.
type Customer struct {
	ID        string
	Signals   []Signal
	CreatedAt time.Time
	UpdatedAt time.Time

	// MergedInto is set once the customer lost a merge; the record is kept
	// so old interactions resolve by indirection.
	MergedInto string
}

// Live reports whether the customer is still canonical.
func (c *Customer) Live() bool {
	return c.MergedInto == ""
}

// HasSignal reports whether the customer owns the normalized signal.
func (c *Customer) HasSignal(s Signal) bool {
	for _, own := range c.Signals {
		if own == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Customer) Clone() *Customer {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Signals = append([]Signal(nil), c.Signals...)
	return &cp
}

// IdentityMerge is the audit record of one merge. Interactions recorded under
// Loser resolve to Winner through it.
type IdentityMerge struct {
	ID       string
	Loser    string
	Winner   string
	Reason   string
	MergedAt time.Time
}

// Tombstone marks an erased customer so its identity is never resurrected.
type Tombstone struct {
	CustomerID string
	ErasedAt   time.Time
}

// Preference is an aggregated, learned customer preference.
type Preference struct {
	Value         string
	Confidence    float64
	Support       float64 // Share of evidence agreeing with Value
	EvidenceCount int
	LastUpdated   time.Time
}

// Preferences maps preference keys (e.g. "preferred_channel") to values.
type Preferences map[string]Preference
