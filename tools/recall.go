// Package tools exposes customer recall to an LLM response generator as tool
// calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
)

// Tool names.
const (
	RetrieveCustomerContext = "retrieve_customer_context"
	GetCustomerPreferences  = "get_customer_preferences"
)

// Definition describes one tool.
type Definition struct {
	Name        string
	Description string
	InputSchema Schema
}

// Definitions returns every recall tool definition.
func Definitions() []Definition {
	return []Definition{
		{
			Name: RetrieveCustomerContext,
			Description: "Look up what this customer said before, across email, SMS and voice. " +
				"Returns the most relevant prior interactions, newest and most similar first. " +
				"Use it before replying to anyone who may have contacted us earlier.",
			InputSchema: WithThought(ObjectSchema(Schema{
				"customer_id":     StringProperty("Canonical customer id returned by ingestion"),
				"message":         StringProperty("The message you are answering"),
				"channel":         StringEnumProperty("Channel of the message you are answering", "email", "sms", "voice"),
				"exclude_message": StringProperty("Optional: interaction id of the message itself, to leave it out"),
			}, "customer_id", "message")),
		},
		{
			Name: GetCustomerPreferences,
			Description: "Get what we have learned about how this customer likes to be contacted: " +
				"preferred channel, best time of day, formality and tone, each with a confidence.",
			InputSchema: WithThought(ObjectSchema(Schema{
				"customer_id": StringProperty("Canonical customer id returned by ingestion"),
			}, "customer_id")),
		},
	}
}

// AnthropicTools converts the definitions into Messages API tool params.
func AnthropicTools() []anthropic.ToolUnionParam {
	defs := Definitions()
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: def.InputSchema["properties"],
			Required:   required(def.InputSchema),
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		out[i].OfTool.Description = anthropic.String(def.Description)
	}
	return out
}

// Recall is the part of the engine the tools call.
type Recall interface {
	Retrieve(ctx context.Context, req engine.RetrieveRequest) (*memory.Result, error)
	CustomerPreferences(ctx context.Context, customerID string) (core.Preferences, error)
}

// Executor runs tool calls against the engine.
type Executor struct {
	recall Recall
	now    func() time.Time
	log    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = logging.Component(l, "tools")
	}
}

// WithClock overrides time.Now for retrieval.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor.
func NewExecutor(recall Recall, opts ...ExecutorOption) *Executor {
	e := &Executor{
		recall: recall,
		now:    time.Now,
		log:    logging.Component(nil, "tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type retrieveInput struct {
	core.BaseInput
	CustomerID     string `json:"customer_id"`
	Message        string `json:"message"`
	Channel        string `json:"channel,omitempty"`
	ExcludeMessage string `json:"exclude_message,omitempty"`
}

type preferencesInput struct {
	core.BaseInput
	CustomerID string `json:"customer_id"`
}

// Execute runs the named tool and returns its text result.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case RetrieveCustomerContext:
		var in retrieveInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("%w: %s input: %v", core.ErrInvalidInput, name, err)
		}
		return e.retrieve(ctx, in)
	case GetCustomerPreferences:
		var in preferencesInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("%w: %s input: %v", core.ErrInvalidInput, name, err)
		}
		return e.preferences(ctx, in)
	}
	return "", fmt.Errorf("%w: unknown tool %q", core.ErrInvalidInput, name)
}

func (e *Executor) retrieve(ctx context.Context, in retrieveInput) (string, error) {
	req := engine.RetrieveRequest{
		CustomerID: in.CustomerID,
		Text:       in.Message,
		Now:        e.now(),
	}
	if in.Channel != "" {
		ch, err := core.ParseChannel(in.Channel)
		if err != nil {
			return "", err
		}
		req.Channel = ch
	}
	if in.ExcludeMessage != "" {
		req.Exclude = []string{in.ExcludeMessage}
	}
	e.log.Debug("retrieving customer context", "customer_id", in.CustomerID, "thought", in.Thought)

	res, err := e.recall.Retrieve(ctx, req)
	if err != nil {
		return "", err
	}
	return memory.Render(res), nil
}

func (e *Executor) preferences(ctx context.Context, in preferencesInput) (string, error) {
	e.log.Debug("reading customer preferences", "customer_id", in.CustomerID, "thought", in.Thought)
	prefs, err := e.recall.CustomerPreferences(ctx, in.CustomerID)
	if err != nil {
		return "", err
	}
	return FormatPreferences(prefs), nil
}

// FormatPreferences renders preferences one per line, in key order.
func FormatPreferences(prefs core.Preferences) string {
	if len(prefs) == 0 {
		return "No preferences learned for this customer yet."
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Learned preferences:\n")
	for _, k := range keys {
		p := prefs[k]
		fmt.Fprintf(&b, "- %s: %s (confidence %.2f, %d observations)\n", k, p.Value, p.Confidence, p.EvidenceCount)
	}
	return b.String()
}
