// Package contextwindow assembles bounded prompt context for a conversation
// and rolls older turns into durable summaries in fixed-size batches.
package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomnote/loomnote-agent/internal/convstore"
)

const (
	// DefaultMaxVerbatim is how many recent turns stay in the window verbatim.
	DefaultMaxVerbatim = 15
	// DefaultBatchSize is how many turns are condensed into one summary.
	DefaultBatchSize = 10
)

const summaryPrompt = `Condense the following conversation excerpt into a short summary.
Preserve: topics discussed, decisions made, entries created or updated (with their paths),
and any user preferences stated. Write plain prose, no markup, at most 120 words.`

// Summarizer condenses a batch of turns into prose. Implemented by the
// LLM provider layer.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, batchText string) (string, error)
}

// Params control window shape. Zero values fall back to the defaults.
type Params struct {
	MaxVerbatim int
	BatchSize   int
}

func (p Params) maxVerbatim() int {
	if p.MaxVerbatim > 0 {
		return p.MaxVerbatim
	}
	return DefaultMaxVerbatim
}

func (p Params) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return DefaultBatchSize
}

// Window is the assembled context for one model call: ordered summaries of
// older conversation segments, then the most recent turns verbatim.
type Window struct {
	Summaries   []convstore.Summary
	RecentTurns []convstore.Turn
}

// Manager owns window assembly and batch summarization for conversations.
type Manager struct {
	store      *convstore.Store
	summarizer Summarizer
	params     Params
	logger     *slog.Logger
}

func NewManager(store *convstore.Store, summarizer Summarizer, params Params, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		summarizer: summarizer,
		params:     params,
		logger:     logger,
	}
}

// Assemble returns the context window for a conversation: all summaries in
// creation order plus the last maxVerbatim turns. Turns already covered by a
// summary are excluded even if the window size was reconfigured downward.
func (m *Manager) Assemble(ctx context.Context, conversationID string) (*Window, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("context manager not initialized")
	}

	summaries, err := m.store.ListSummaries(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	turns, err := m.store.ListTurns(ctx, conversationID, m.params.maxVerbatim())
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	if len(summaries) > 0 {
		last := summaries[len(summaries)-1]
		boundary, err := m.store.GetTurn(ctx, conversationID, last.EndTurnID)
		if err != nil {
			return nil, fmt.Errorf("resolve summary boundary: %w", err)
		}
		if boundary != nil {
			kept := turns[:0]
			for _, t := range turns {
				if t.ID > boundary.ID {
					kept = append(kept, t)
				}
			}
			turns = kept
		}
	}

	return &Window{Summaries: summaries, RecentTurns: turns}, nil
}

// CheckAndSummarize condenses the oldest eligible batch of turns into one
// summary when the conversation has outgrown the window. It never summarizes
// a partial batch and never touches the most recent maxVerbatim turns, so
// calling it repeatedly is safe; at most one batch is condensed per call.
func (m *Manager) CheckAndSummarize(ctx context.Context, conversationID string) error {
	if m == nil || m.store == nil {
		return errors.New("context manager not initialized")
	}
	if m.summarizer == nil {
		return errors.New("summarizer not configured")
	}

	maxVerbatim := m.params.maxVerbatim()
	batchSize := m.params.batchSize()

	total, err := m.store.CountTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	if total <= maxVerbatim+batchSize {
		return nil
	}

	turns, err := m.store.ListTurns(ctx, conversationID, 0)
	if err != nil {
		return fmt.Errorf("list turns: %w", err)
	}

	summaries, err := m.store.ListSummaries(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list summaries: %w", err)
	}

	start := 0
	if len(summaries) > 0 {
		last := summaries[len(summaries)-1]
		idx := -1
		for i, t := range turns {
			if t.TurnID == last.EndTurnID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("summary boundary turn %q not found", last.EndTurnID)
		}
		start = idx + 1
	}

	// Turns inside the verbatim tail are never eligible.
	eligibleEnd := len(turns) - maxVerbatim
	if eligibleEnd-start < batchSize {
		return nil
	}

	batch := turns[start : start+batchSize]
	text, err := m.summarizer.Summarize(ctx, summaryPrompt, renderBatch(batch))
	if err != nil {
		return fmt.Errorf("summarize batch: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("summarizer returned empty text")
	}

	_, err = m.store.AddSummary(ctx, convstore.Summary{
		ConversationID: conversationID,
		SummaryText:    text,
		MessageCount:   len(batch),
		StartTurnID:    batch[0].TurnID,
		EndTurnID:      batch[len(batch)-1].TurnID,
	})
	if err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	m.logger.Info("conversation batch summarized",
		"conversation_id", conversationID,
		"batch_size", len(batch),
		"start_turn", batch[0].TurnID,
		"end_turn", batch[len(batch)-1].TurnID)
	return nil
}

func renderBatch(batch []convstore.Turn) string {
	var b strings.Builder
	for _, t := range batch {
		role := "User"
		if t.Role == "assistant" {
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	return b.String()
}
