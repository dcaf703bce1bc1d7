package core

// BaseInput provides common fields for all tool inputs.
// Tools embed this struct so a response generator can say why it is pulling
// customer context.
type BaseInput struct {
	// Thought contains the generator's reasoning about the lookup.
	// Optional; logged with the call.
	Thought string `json:"thought,omitempty"`
}
