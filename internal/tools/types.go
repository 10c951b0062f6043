package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// Call is one tool invocation requested by the model (or replayed by the
// offline queue).
type Call struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Meta carries the per-invocation execution context.
type Meta struct {
	// Channel is the inbound channel of the originating message ("chat",
	// "email", "api").
	Channel string `json:"channel,omitempty"`

	// Context is an optional snapshot of recent conversation text, passed to
	// tools that classify free-form input.
	Context string `json:"context,omitempty"`
}

// Result is the normalized outcome of one tool execution.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Executor runs tool invocations. Implementations wrap the entry store and
// the knowledge base; the orchestration layer treats them as a port.
type Executor interface {
	Execute(ctx context.Context, call Call, meta Meta) Result
}

// Def describes a tool exposed to the language model.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Tool names the orchestration layer special-cases. Everything else is
// opaque and flows straight through to the executor.
const (
	ToolCaptureEntry = "capture_entry"
	ToolUpdateEntry  = "update_entry"
	ToolMoveEntry    = "move_entry"
)

// IsCaptureClass reports whether a failed invocation of this tool should be
// routed to the offline queue instead of surfacing an error.
func IsCaptureClass(toolName string) bool {
	return strings.TrimSpace(toolName) == ToolCaptureEntry
}

// ErrorPayload renders a failed result as the structured JSON reported back
// to the model.
func (r Result) ErrorPayload() []byte {
	b, err := json.Marshal(map[string]any{"success": false, "error": strings.TrimSpace(r.Error)})
	if err != nil {
		return []byte(`{"success":false}`)
	}
	return b
}

// Payload renders a result as JSON for the model's next round.
func (r Result) Payload() []byte {
	if !r.Success {
		return r.ErrorPayload()
	}
	body := map[string]any{"success": true}
	for k, v := range r.Data {
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return []byte(`{"success":true}`)
	}
	return b
}
