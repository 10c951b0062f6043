package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnavailable marks provider failures that should degrade gracefully
// (unconfigured key, unreachable endpoint). Callers branch on it with
// errors.Is to decide between failing the turn and queueing the request.
var ErrUnavailable = errors.New("language model provider unavailable")

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`
	JSON       []byte `json:"json,omitempty"`
}

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type CompletionRequest struct {
	Model           string    `json:"model"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	Messages        []Message `json:"messages"`
	Tools           []ToolDef `json:"tools,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

type CompletionResult struct {
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// Provider is the normalized language-model adapter contract.
//
// Complete drives the tool-calling protocol; Summarize is a plain
// prompt-in/text-out call used for conversation compaction.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	Summarize(ctx context.Context, prompt string, batchText string) (string, error)
}

// TextMessage builds a single-part text message.
func TextMessage(role string, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

// ToolResultMessage builds the message reporting one tool execution outcome
// back to the model.
func ToolResultMessage(toolCallID string, payload []byte) Message {
	return Message{Role: "tool", Content: []ContentPart{{
		Type:       "tool_result",
		ToolCallID: strings.TrimSpace(toolCallID),
		JSON:       payload,
	}}}
}

// ToolCallMessage replays an assistant tool invocation into the history.
func ToolCallMessage(call ToolCall) Message {
	argsRaw := "{}"
	if len(call.Args) > 0 {
		if b, err := json.Marshal(call.Args); err == nil {
			argsRaw = string(b)
		}
	}
	return Message{Role: "assistant", Content: []ContentPart{{
		Type:       "tool_call",
		ToolCallID: strings.TrimSpace(call.ID),
		ToolName:   strings.TrimSpace(call.Name),
		ArgsJSON:   argsRaw,
	}}}
}

// Options selects and configures a concrete provider adapter.
type Options struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type    string
	BaseURL string
	APIKey  string

	// Model is the default model for Complete calls.
	Model string
	// SummaryModel optionally routes Summarize to a cheaper model.
	SummaryModel string
}

func (o Options) SummaryModelOrDefault() string {
	if s := strings.TrimSpace(o.SummaryModel); s != "" {
		return s
	}
	return strings.TrimSpace(o.Model)
}

// New returns the provider adapter for the configured backend. A missing
// API key yields an adapter whose every call fails with ErrUnavailable, so
// the rest of the system degrades instead of crashing at startup.
func New(opts Options) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(opts.Type))
	if strings.TrimSpace(opts.APIKey) == "" {
		return unavailableProvider{reason: "missing api key"}, nil
	}
	switch providerType {
	case "openai", "openai_compatible":
		return newOpenAIProvider(opts), nil
	case "anthropic":
		return newAnthropicProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

type unavailableProvider struct {
	reason string
}

func (p unavailableProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	return CompletionResult{}, fmt.Errorf("%w: %s", ErrUnavailable, p.reason)
}

func (p unavailableProvider) Summarize(ctx context.Context, prompt string, batchText string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrUnavailable, p.reason)
}

func joinMessageText(msg Message) string {
	parts := make([]string, 0, len(msg.Content))
	for _, part := range msg.Content {
		if strings.ToLower(strings.TrimSpace(part.Type)) != "text" {
			continue
		}
		if txt := strings.TrimSpace(part.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			sb.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			sb.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
