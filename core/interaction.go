package core

import (
	"fmt"
	"time"
)

// Channel identifies the communication channel an interaction arrived on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

// ParseChannel converts a collaborator-supplied channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Direction records whether an interaction was received or sent.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Valid reports whether d is inbound or outbound.
func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// ParseDirection converts a collaborator-supplied direction name.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, s)
	}
	return d, nil
}

// Well-known derived attribute keys. Attributes are computed by an upstream
// classifier and stored opaquely; these are the ones read back by ranking and
// profiling.
const (
	AttrIntent    = "intent"
	AttrSentiment = "sentiment"
	AttrUrgency   = "urgency"
)

// Interaction is one inbound or outbound message.
//
// Embedding is nil until the embedding index has accepted the vector. A nil
// embedding means "not yet retrievable", never an error.
type Interaction struct {
	ID         string
	CustomerID string // Customer id at record time; may be retired by a later merge
	Channel    Channel
	Direction  Direction
	Text       string
	Timestamp  time.Time
	DedupKey   string // Caller-supplied external key (e.g. source message id)

	Embedding        []float32
	EmbeddingVersion string

	Attributes map[string]string
	RecordedAt time.Time
}

// Retrievable reports whether the interaction has a vector attached.
func (i *Interaction) Retrievable() bool {
	return len(i.Embedding) > 0
}

// Attribute returns a derived attribute or "".
func (i *Interaction) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return i.Attributes[key]
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (i *Interaction) Clone() *Interaction {
	if i == nil {
		return nil
	}
	c := *i
	if i.Embedding != nil {
		c.Embedding = append([]float32(nil), i.Embedding...)
	}
	if i.Attributes != nil {
		c.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
