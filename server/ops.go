package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/identity"
	"github.com/becomeliminal/nim-recall/memory"
)

// Operation names accepted by both transports.
const (
	OpIngest      = "ingest"
	OpRetrieve    = "retrieve"
	OpPreferences = "preferences"
	OpErase       = "erase"
	OpLinks       = "links"
	OpConfirmLink = "confirm_link"
	OpRejectLink  = "reject_link"
)

// Recall is the engine surface exposed to collaborators.
type Recall interface {
	Ingest(ctx context.Context, req engine.IngestRequest) (*engine.IngestResult, error)
	Retrieve(ctx context.Context, req engine.RetrieveRequest) (*memory.Result, error)
	CustomerPreferences(ctx context.Context, customerID string) (core.Preferences, error)
	EraseCustomer(ctx context.Context, customerID string) (bool, error)
	PendingLinks(ctx context.Context, customerID string) ([]identity.LinkCandidate, error)
	ConfirmLink(ctx context.Context, linkID string) (string, error)
	RejectLink(ctx context.Context, linkID string) error
}

// SignalPayload is one raw contact signal.
type SignalPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// IngestPayload is the body of an ingest call.
type IngestPayload struct {
	Text       string            `json:"text"`
	Channel    string            `json:"channel"`
	Direction  string            `json:"direction"`
	Signals    []SignalPayload   `json:"signals"`
	Timestamp  time.Time         `json:"timestamp"`
	DedupKey   string            `json:"dedup_key,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IngestResponse identifies what an ingest stored.
type IngestResponse struct {
	CustomerID    string   `json:"customer_id"`
	InteractionID string   `json:"interaction_id"`
	Created       bool     `json:"created"`
	Confidence    float64  `json:"confidence"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
	Ambiguous     bool     `json:"ambiguous,omitempty"`
	Candidates    []string `json:"candidates,omitempty"`
}

// RetrievePayload is the body of a retrieve call.
type RetrievePayload struct {
	CustomerID string    `json:"customer_id"`
	Text       string    `json:"text"`
	Channel    string    `json:"channel,omitempty"`
	Now        time.Time `json:"now"`
	Exclude    []string  `json:"exclude,omitempty"`
}

// ContextItem is one ranked prior interaction.
type ContextItem struct {
	InteractionID   string            `json:"interaction_id"`
	Channel         string            `json:"channel"`
	Direction       string            `json:"direction"`
	Text            string            `json:"text"`
	Timestamp       time.Time         `json:"timestamp"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Score           float64           `json:"score"`
	Similarity      float64           `json:"similarity"`
	Recency         float64           `json:"recency"`
	Importance      float64           `json:"importance"`
	ChannelAffinity float64           `json:"channel_affinity"`
}

// RetrieveResponse is the ranked context list plus its rendered blob.
type RetrieveResponse struct {
	CustomerID string        `json:"customer_id"`
	Items      []ContextItem `json:"items"`
	Degraded   bool          `json:"degraded,omitempty"`
	Context    string        `json:"context"`
}

// CustomerPayload names a customer.
type CustomerPayload struct {
	CustomerID string `json:"customer_id"`
}

// PreferenceValue is one learned preference.
type PreferenceValue struct {
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	Support       float64   `json:"support"`
	EvidenceCount int       `json:"evidence_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// PreferencesResponse maps preference keys to values.
type PreferencesResponse struct {
	CustomerID  string                     `json:"customer_id"`
	Preferences map[string]PreferenceValue `json:"preferences"`
}

// EraseResponse reports an erasure.
type EraseResponse struct {
	CustomerID string `json:"customer_id"`
	Erased     bool   `json:"erased"`
}

// LinkPayload names a link candidate.
type LinkPayload struct {
	LinkID string `json:"link_id"`
}

// Link is a pending suspicion that two customers are one person.
type Link struct {
	LinkID      string    `json:"link_id"`
	CustomerID  string    `json:"customer_id"`
	CandidateID string    `json:"candidate_id"`
	Name        string    `json:"name"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// LinksResponse lists a customer's pending links.
type LinksResponse struct {
	CustomerID string `json:"customer_id"`
	Links      []Link `json:"links"`
}

// LinkDecisionResponse reports a confirmed or rejected link. CustomerID is
// the surviving customer of a confirmation.
type LinkDecisionResponse struct {
	LinkID     string `json:"link_id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id,omitempty"`
}

// Dispatch decodes payload for op, runs it and returns the response value.
func Dispatch(ctx context.Context, recall Recall, op string, payload json.RawMessage) (any, error) {
	switch op {
	case OpIngest:
		var p IngestPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return ingest(ctx, recall, p)
	case OpRetrieve:
		var p RetrievePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return retrieve(ctx, recall, p)
	case OpPreferences:
		var p CustomerPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		prefs, err := recall.CustomerPreferences(ctx, p.CustomerID)
		if err != nil {
			return nil, err
		}
		out := PreferencesResponse{CustomerID: p.CustomerID, Preferences: make(map[string]PreferenceValue, len(prefs))}
		for k, v := range prefs {
			out.Preferences[k] = PreferenceValue(v)
		}
		return out, nil
	case OpErase:
		var p CustomerPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		ok, err := recall.EraseCustomer(ctx, p.CustomerID)
		if err != nil {
			return nil, err
		}
		return EraseResponse{CustomerID: p.CustomerID, Erased: ok}, nil
	case OpLinks:
		var p CustomerPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		links, err := recall.PendingLinks(ctx, p.CustomerID)
		if err != nil {
			return nil, err
		}
		out := LinksResponse{CustomerID: p.CustomerID, Links: make([]Link, len(links))}
		for i, l := range links {
			out.Links[i] = Link{
				LinkID:      l.ID,
				CustomerID:  l.CustomerID,
				CandidateID: l.CandidateID,
				Name:        l.Signal.Value,
				Score:       l.Score,
				CreatedAt:   l.CreatedAt,
			}
		}
		return out, nil
	case OpConfirmLink:
		var p LinkPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		winner, err := recall.ConfirmLink(ctx, p.LinkID)
		if err != nil {
			return nil, err
		}
		return LinkDecisionResponse{LinkID: p.LinkID, Status: string(identity.LinkConfirmed), CustomerID: winner}, nil
	case OpRejectLink:
		var p LinkPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := recall.RejectLink(ctx, p.LinkID); err != nil {
			return nil, err
		}
		return LinkDecisionResponse{LinkID: p.LinkID, Status: string(identity.LinkRejected)}, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", core.ErrInvalidInput, op)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", core.ErrInvalidInput)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}

func ingest(ctx context.Context, recall Recall, p IngestPayload) (*IngestResponse, error) {
	channel, err := core.ParseChannel(p.Channel)
	if err != nil {
		return nil, err
	}
	direction, err := core.ParseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	signals := make([]core.Signal, 0, len(p.Signals))
	for _, s := range p.Signals {
		sig, err := core.ParseSignal(s.Type, s.Value)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}

	res, err := recall.Ingest(ctx, engine.IngestRequest{
		Text:       p.Text,
		Channel:    channel,
		Direction:  direction,
		Signals:    signals,
		Timestamp:  p.Timestamp,
		DedupKey:   p.DedupKey,
		Attributes: p.Attributes,
	})
	if err != nil {
		return nil, err
	}
	return &IngestResponse{
		CustomerID:    res.CustomerID,
		InteractionID: res.InteractionID,
		Created:       res.Created,
		Confidence:    res.Identity.Confidence,
		LowConfidence: res.Identity.LowConfidence,
		Ambiguous:     res.Identity.Ambiguous,
		Candidates:    res.Identity.Candidates,
	}, nil
}

func retrieve(ctx context.Context, recall Recall, p RetrievePayload) (*RetrieveResponse, error) {
	req := engine.RetrieveRequest{
		CustomerID: p.CustomerID,
		Text:       p.Text,
		Now:        p.Now,
		Exclude:    p.Exclude,
	}
	if p.Channel != "" {
		ch, err := core.ParseChannel(p.Channel)
		if err != nil {
			return nil, err
		}
		req.Channel = ch
	}
	res, err := recall.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &RetrieveResponse{
		CustomerID: res.CustomerID,
		Items:      make([]ContextItem, len(res.Items)),
		Degraded:   res.Degraded,
		Context:    memory.Render(res),
	}
	for i, it := range res.Items {
		rec := it.Interaction
		out.Items[i] = ContextItem{
			InteractionID:   rec.ID,
			Channel:         string(rec.Channel),
			Direction:       string(rec.Direction),
			Text:            rec.Text,
			Timestamp:       rec.Timestamp,
			Attributes:      rec.Attributes,
			Score:           it.Score,
			Similarity:      it.Similarity,
			Recency:         it.Recency,
			Importance:      it.Importance,
			ChannelAffinity: it.ChannelAffinity,
		}
	}
	return out, nil
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrInvalidInput):
		return "invalid_input"
	case core.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return "unavailable"
	}
	return "internal"
}
