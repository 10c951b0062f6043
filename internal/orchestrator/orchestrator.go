// Package orchestrator turns one incoming user message into a reply: it
// resolves pending multi-turn intents from conversation history, drives the
// tool-calling protocol against the model provider, and routes captures that
// cannot complete into the offline queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomnote/loomnote-agent/internal/contextwindow"
	"github.com/loomnote/loomnote-agent/internal/convstore"
	"github.com/loomnote/loomnote-agent/internal/knowledge"
	"github.com/loomnote/loomnote-agent/internal/llm"
	"github.com/loomnote/loomnote-agent/internal/queue"
	"github.com/loomnote/loomnote-agent/internal/tools"
)

// Options wire the orchestrator's ports. Store, Window, Provider, Executor
// and Model are required; Queue and Knowledge are optional and degrade the
// corresponding features when absent.
type Options struct {
	Store     *convstore.Store
	Window    *contextwindow.Manager
	Provider  llm.Provider
	Executor  tools.Executor
	ToolDefs  []tools.Def
	Queue     *queue.Queue
	Knowledge *knowledge.Store
	Model     string
	Logger    *slog.Logger
}

// TurnResult is what the caller renders back to the user.
type TurnResult struct {
	ConversationID  string   `json:"conversation_id"`
	ReplyText       string   `json:"reply_text"`
	FiledEntryPath  string   `json:"filed_entry_path,omitempty"`
	FiledConfidence float64  `json:"filed_confidence,omitempty"`
	ToolsUsed       []string `json:"tools_used,omitempty"`
	QuickReplies    []string `json:"quick_replies,omitempty"`
	Queued          bool     `json:"queued,omitempty"`
}

type Orchestrator struct {
	store    *convstore.Store
	window   *contextwindow.Manager
	provider llm.Provider
	executor tools.Executor
	toolDefs []tools.Def
	queue    *queue.Queue
	kb       *knowledge.Store
	model    string
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.Window == nil {
		return nil, errors.New("context window manager is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("model provider is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    opts.Store,
		window:   opts.Window,
		provider: opts.Provider,
		executor: opts.Executor,
		toolDefs: opts.ToolDefs,
		queue:    opts.Queue,
		kb:       opts.Knowledge,
		model:    strings.TrimSpace(opts.Model),
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// conversationLock serializes turn handling per conversation. Window
// assembly and pending-intent scanning read the log the current turn writes
// to, so two concurrent turns in one conversation would race.
func (o *Orchestrator) conversationLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[conversationID] = l
	}
	return l
}

// HandleTurn processes one user message end to end. An empty conversationID
// starts a new conversation on the given channel.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID string, messageText string, channel string) (*TurnResult, error) {
	if o == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	messageText = strings.TrimSpace(messageText)
	if messageText == "" {
		return nil, errors.New("message text is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "api"
	}

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conv, err := o.store.CreateConversation(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ConversationID
	} else if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	lock := o.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.store.AppendTurn(ctx, convstore.Turn{
		TurnID:         convstore.NewID("turn_"),
		ConversationID: conversationID,
		Role:           "user",
		Content:        messageText,
	}); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	window, err := o.window.Assemble(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	meta := tools.Meta{Channel: channel, Context: conversationID}

	if out, ok := o.resolvePendingIntent(ctx, messageText, window.RecentTurns, meta); ok {
		return o.finishTurn(ctx, conversationID, out)
	}

	out, err := o.modelTurn(ctx, conversationID, messageText, channel, window, meta)
	if err != nil {
		return nil, err
	}
	return o.finishTurn(ctx, conversationID, out)
}

// modelTurn runs steps the pending-intent scan did not short-circuit: the
// primary completion, tool execution with its deterministic shortcuts, the
// reopen fallback, and the closing completion.
func (o *Orchestrator) modelTurn(ctx context.Context, conversationID string, messageText string, channel string, window *contextwindow.Window, meta tools.Meta) (turnOutcome, error) {
	req := llm.CompletionRequest{
		Model:        o.model,
		SystemPrompt: o.buildSystemPrompt(window),
		Messages:     buildWindowMessages(window),
		Tools:        toLLMTools(o.toolDefs),
	}

	result, err := o.provider.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			if out, ok := o.enqueueCapture(ctx, messageText, hintsFor(messageText), channel); ok {
				o.logger.Warn("model unavailable, capture queued", "conversation_id", conversationID)
				return out, nil
			}
		}
		// Fatal to the turn. No assistant turn is appended; the caller
		// retries the whole message.
		return turnOutcome{}, fmt.Errorf("model completion: %w", err)
	}

	calls := filterReclassifyCapture(result.ToolCalls, messageText)

	var (
		out           turnOutcome
		deterministic string
		notFoundSeen  bool
		toolMessages  []llm.Message
	)

	for _, call := range calls {
		res := o.executor.Execute(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args}, meta)
		out.toolsUsed = append(out.toolsUsed, call.Name)

		if res.Success {
			toolMessages = append(toolMessages, llm.ToolResultMessage(call.ID, res.Payload()))
			if tools.IsCaptureClass(call.Name) {
				out.filedEntryPath = stringField(res.Data, "path")
				out.filedConfidence = floatField(res.Data, "confidence")
				if reply := deterministicCaptureReply(res); reply != "" {
					deterministic = reply
				}
			}
			continue
		}

		toolMessages = append(toolMessages, llm.ToolResultMessage(call.ID, res.ErrorPayload()))
		o.logger.Warn("tool call failed", "tool", call.Name, "error", res.Error)
		if tools.IsNotFound(res.Error) {
			notFoundSeen = true
		}
		if tools.IsCaptureClass(call.Name) {
			if tools.IsDuplicate(res.Error) {
				deterministic = duplicateReply(tools.ExistingPath(res.Error))
				continue
			}
			if tools.IsUnavailable(res.Error) {
				text := stringField(call.Args, "text")
				if text == "" {
					text = messageText
				}
				if q, ok := o.enqueueCapture(ctx, text, hintsFor(messageText), channel); ok {
					out.queued = true
					deterministic = q.reply
				}
			}
		}
	}

	if isReopenIntent(messageText) && (len(calls) == 0 || notFoundSeen) {
		if fallback, ok := o.reopenFallback(ctx, messageText, meta); ok {
			fallback.toolsUsed = append(out.toolsUsed, fallback.toolsUsed...)
			return fallback, nil
		}
	}

	switch {
	case deterministic != "":
		out.reply = deterministic
	case len(calls) > 0:
		out.reply = o.closeWithModel(ctx, req, result, toolMessages, out.filedEntryPath)
	default:
		out.reply = strings.TrimSpace(result.Text)
		if out.reply == "" {
			out.reply = "Okay."
		}
	}
	return out, nil
}

// closeWithModel sends tool results back for a natural-language reply. Tool
// effects are already committed, so a provider failure here degrades to a
// deterministic acknowledgment instead of failing the turn.
func (o *Orchestrator) closeWithModel(ctx context.Context, req llm.CompletionRequest, first llm.CompletionResult, toolMessages []llm.Message, filedPath string) string {
	messages := req.Messages
	for _, call := range first.ToolCalls {
		messages = append(messages, llm.ToolCallMessage(call))
	}
	messages = append(messages, toolMessages...)

	final, err := o.provider.Complete(ctx, llm.CompletionRequest{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     messages,
	})
	if err == nil && strings.TrimSpace(final.Text) != "" {
		return strings.TrimSpace(final.Text)
	}
	if err != nil {
		o.logger.Warn("closing completion failed", "error", err)
	}
	if filedPath != "" {
		return capturedReply(filedPath)
	}
	return "All done."
}

// finishTurn appends the assistant turn, runs the summarization check, and
// assembles the result. Summarization failures are logged and retried on the
// next turn; they never lose the reply.
func (o *Orchestrator) finishTurn(ctx context.Context, conversationID string, out turnOutcome) (*TurnResult, error) {
	if _, err := o.store.AppendTurn(ctx, convstore.Turn{
		TurnID:          convstore.NewID("turn_"),
		ConversationID:  conversationID,
		Role:            "assistant",
		Content:         out.reply,
		FiledEntryPath:  out.filedEntryPath,
		FiledConfidence: out.filedConfidence,
	}); err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}

	if err := o.window.CheckAndSummarize(ctx, conversationID); err != nil {
		o.logger.Warn("summarization check failed", "conversation_id", conversationID, "error", err)
	}

	return &TurnResult{
		ConversationID:  conversationID,
		ReplyText:       out.reply,
		FiledEntryPath:  out.filedEntryPath,
		FiledConfidence: out.filedConfidence,
		ToolsUsed:       out.toolsUsed,
		QuickReplies:    quickReplies(out.reply),
		Queued:          out.queued,
	}, nil
}

// captureText files free text through the capture tool and maps the result
// to a deterministic reply. Failures other than duplicates are queued for
// replay rather than surfaced.
func (o *Orchestrator) captureText(ctx context.Context, text string, hints []string, meta tools.Meta) turnOutcome {
	args := map[string]any{"text": text}
	if len(hints) > 0 {
		args["hints"] = hints
	}
	res := o.executor.Execute(ctx, tools.Call{Name: tools.ToolCaptureEntry, Args: args}, meta)

	out := turnOutcome{toolsUsed: []string{tools.ToolCaptureEntry}}
	if res.Success {
		out.filedEntryPath = stringField(res.Data, "path")
		out.filedConfidence = floatField(res.Data, "confidence")
		if reply := deterministicCaptureReply(res); reply != "" {
			out.reply = reply
		} else {
			out.reply = capturedReply(out.filedEntryPath)
		}
		return out
	}
	if tools.IsDuplicate(res.Error) {
		out.reply = duplicateReply(tools.ExistingPath(res.Error))
		return out
	}

	o.logger.Warn("capture failed, queueing", "error", res.Error)
	if q, ok := o.enqueueCapture(ctx, text, hints, meta.Channel); ok {
		q.toolsUsed = out.toolsUsed
		return q
	}
	out.reply = "I couldn't capture that right now. Please try again."
	return out
}

// enqueueCapture persists a capture request for the background replayer.
// Returns false when the queue is absent or disabled.
func (o *Orchestrator) enqueueCapture(ctx context.Context, text string, hints []string, channel string) (turnOutcome, bool) {
	if o.queue == nil {
		return turnOutcome{}, false
	}
	item, err := o.queue.Enqueue(ctx, text, hints, channel, "")
	if err != nil {
		o.logger.Error("enqueue capture", "error", err)
		return turnOutcome{}, false
	}
	if item == nil {
		return turnOutcome{}, false
	}
	return turnOutcome{reply: queuedReply, queued: true}, true
}

// ProcessQueuedItem replays one queued capture through the tool port. A
// duplicate result counts as success so replays stay idempotent.
func (o *Orchestrator) ProcessQueuedItem(ctx context.Context, item *queue.Item) error {
	args := map[string]any{"text": item.Text}
	if len(item.Hints) > 0 {
		args["hints"] = item.Hints
	}
	res := o.executor.Execute(ctx, tools.Call{Name: tools.ToolCaptureEntry, Args: args}, tools.Meta{
		Channel: item.Channel,
		Context: item.ContextSnapshot,
	})
	if res.Success || tools.IsDuplicate(res.Error) {
		return nil
	}
	return errors.New(res.Error)
}

// filterReclassifyCapture drops capture calls when the model also requested
// a move and the message reads as a reclassification. Reclassifying existing
// data must not also create a duplicate entry.
func filterReclassifyCapture(calls []llm.ToolCall, messageText string) []llm.ToolCall {
	hasMove, hasCapture := false, false
	for _, c := range calls {
		switch c.Name {
		case tools.ToolMoveEntry:
			hasMove = true
		case tools.ToolCaptureEntry:
			hasCapture = true
		}
	}
	if !hasMove || !hasCapture || !reclassifyIntentPattern.MatchString(messageText) {
		return calls
	}
	kept := make([]llm.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Name == tools.ToolCaptureEntry {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// deterministicCaptureReply builds the reply for capture outcomes whose text
// is fully determined by the tool result, skipping the closing model call.
func deterministicCaptureReply(res tools.Result) string {
	if stringField(res.Data, "type") == "relationship" {
		return relationshipReply(stringSliceField(res.Data, "linked_people"))
	}
	return ""
}

// hintsFor derives capture hints from the raw message when queueing it
// before any classification ran.
func hintsFor(messageText string) []string {
	if h := categoryHint(messageText); h != "" {
		return []string{h}
	}
	return nil
}

func (o *Orchestrator) buildSystemPrompt(window *contextwindow.Window) string {
	var b strings.Builder
	b.WriteString("You are a personal knowledge-management assistant. Users send free-text notes, tasks, ideas, people and projects. ")
	b.WriteString("Classify and file incoming information with the available tools, answer questions from what you know, and ask before capturing when intent is unclear ")
	b.WriteString("(phrase the question as: would you like me to capture that as a ...?).\n")

	if o.kb != nil {
		if index, err := o.kb.Index(); err == nil && index != "" {
			b.WriteString("\nKnowledge base entries:\n")
			b.WriteString(index)
			b.WriteString("\n")
		}
	}

	if len(window.Summaries) > 0 {
		b.WriteString("\nEarlier in this conversation:\n")
		for _, s := range window.Summaries {
			b.WriteString("- ")
			b.WriteString(s.SummaryText)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func buildWindowMessages(window *contextwindow.Window) []llm.Message {
	out := make([]llm.Message, 0, len(window.RecentTurns))
	for _, t := range window.RecentTurns {
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		out = append(out, llm.TextMessage(role, t.Content))
	}
	return out
}

func toLLMTools(defs []tools.Def) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDef{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func floatField(data map[string]any, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringSliceField(data map[string]any, key string) []string {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
