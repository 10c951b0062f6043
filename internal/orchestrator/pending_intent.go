package orchestrator

import (
	"context"
	"regexp"
	"strings"

	"github.com/loomnote/loomnote-agent/internal/convstore"
	"github.com/loomnote/loomnote-agent/internal/tools"
)

// pendingIntentLookback bounds how many recent turns are scanned for an
// unanswered assistant prompt. Older prompts are considered abandoned.
const pendingIntentLookback = 12

// turnOutcome is the result of a short-circuited turn: the reply is fully
// determined without a model round-trip.
type turnOutcome struct {
	reply           string
	filedEntryPath  string
	filedConfidence float64
	toolsUsed       []string
	queued          bool
}

// intentRule pairs a recognizer for an earlier assistant prompt with a
// handler for the user's answer. Rules are evaluated in priority order
// against the newest matching prompt; the handler returns ok=false when the
// new message does not actually answer the prompt.
type intentRule struct {
	name    string
	matches func(assistantText string) bool
	handle  func(o *Orchestrator, ctx context.Context, msg string, turns []convstore.Turn, promptIdx int, meta tools.Meta) (turnOutcome, bool)
}

var intentRules = []intentRule{
	{
		name: "numbered_disambiguation",
		matches: func(text string) bool {
			lower := strings.ToLower(text)
			return strings.Contains(lower, multipleMatchesMarker) || strings.Contains(lower, disambigQuestionMarker)
		},
		handle: (*Orchestrator).handleDisambiguationAnswer,
	},
	{
		name: "single_candidate_confirmation",
		matches: func(text string) bool {
			lower := strings.ToLower(text)
			return strings.Contains(lower, singleMatchMarker) && strings.Contains(lower, reopenConfirmMarker)
		},
		handle: (*Orchestrator).handleReopenConfirmAnswer,
	},
	{
		name: "capture_confirmation",
		matches: func(text string) bool {
			lower := strings.ToLower(text)
			return strings.Contains(lower, capturePromptMarker) || strings.Contains(lower, savePromptMarker)
		},
		handle: (*Orchestrator).handleCaptureConfirmAnswer,
	},
}

// resolvePendingIntent scans recent assistant turns, newest first, for a
// recognizable prompt shape. Only the newest recognizable prompt is
// considered pending; if the new message does not answer it, the turn falls
// through to normal model handling.
func (o *Orchestrator) resolvePendingIntent(ctx context.Context, msg string, turns []convstore.Turn, meta tools.Meta) (turnOutcome, bool) {
	scanned := 0
	for i := len(turns) - 1; i >= 0 && scanned < pendingIntentLookback; i-- {
		scanned++
		t := turns[i]
		if t.Role != "assistant" {
			continue
		}
		for _, rule := range intentRules {
			if !rule.matches(t.Content) {
				continue
			}
			out, ok := rule.handle(o, ctx, msg, turns, i, meta)
			if ok {
				o.logger.Info("pending intent resolved", "rule", rule.name, "conversation_id", t.ConversationID)
			}
			return out, ok
		}
	}
	return turnOutcome{}, false
}

func (o *Orchestrator) handleDisambiguationAnswer(ctx context.Context, msg string, turns []convstore.Turn, promptIdx int, meta tools.Meta) (turnOutcome, bool) {
	options := parseNumberedOptions(turns[promptIdx].Content)
	if len(options) == 0 {
		return turnOutcome{}, false
	}

	n := numberChoice(msg)
	if n == 0 {
		lower := strings.ToLower(msg)
		for _, opt := range options {
			if strings.Contains(lower, strings.ToLower(opt.Title)) {
				n = opt.Number
				break
			}
		}
	}
	if n == 0 {
		if isNegative(msg) {
			return turnOutcome{reply: reopenDeclinedReply}, true
		}
		return turnOutcome{}, false
	}
	if n < 1 || n > len(options) {
		return turnOutcome{}, false
	}

	return o.reopenEntry(ctx, options[n-1].Path, meta), true
}

var singleMatchPathPattern = regexp.MustCompile(`\(([^()]+)\)\.\s*[Rr]eopen it\?`)

func (o *Orchestrator) handleReopenConfirmAnswer(ctx context.Context, msg string, turns []convstore.Turn, promptIdx int, meta tools.Meta) (turnOutcome, bool) {
	m := singleMatchPathPattern.FindStringSubmatch(turns[promptIdx].Content)
	if m == nil {
		return turnOutcome{}, false
	}
	path := strings.TrimSpace(m[1])

	switch {
	case isAffirmative(msg):
		return o.reopenEntry(ctx, path, meta), true
	case isNegative(msg):
		return turnOutcome{reply: reopenDeclinedReply}, true
	default:
		return turnOutcome{}, false
	}
}

func (o *Orchestrator) handleCaptureConfirmAnswer(ctx context.Context, msg string, turns []convstore.Turn, promptIdx int, meta tools.Meta) (turnOutcome, bool) {
	switch {
	case isNegative(msg):
		return turnOutcome{reply: captureDeclinedReply}, true
	case !isAffirmative(msg):
		return turnOutcome{}, false
	}

	// The prompt turn itself carries no payload; the text to capture is the
	// user message that triggered the prompt.
	original := ""
	for i := promptIdx - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			original = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if original == "" {
		return turnOutcome{}, false
	}

	hint := categoryHint(msg)
	if hint == "" {
		hint = categoryHint(turns[promptIdx].Content)
	}
	var hints []string
	if hint != "" {
		hints = []string{hint}
	}

	return o.captureText(ctx, original, hints, meta), true
}

// reopenEntry flips a completed entry back to open through the update tool
// and builds the deterministic reply.
func (o *Orchestrator) reopenEntry(ctx context.Context, path string, meta tools.Meta) turnOutcome {
	res := o.executor.Execute(ctx, tools.Call{
		Name: tools.ToolUpdateEntry,
		Args: map[string]any{"path": path, "status": "open"},
	}, meta)

	out := turnOutcome{toolsUsed: []string{tools.ToolUpdateEntry}}
	if !res.Success {
		o.logger.Warn("reopen failed", "path", path, "error", res.Error)
		if tools.IsNotFound(res.Error) {
			out.reply = noMatchReply
			return out
		}
		out.reply = "I couldn't reopen " + path + " right now. Please try again."
		return out
	}
	out.reply = reopenedReply(path)
	return out
}
