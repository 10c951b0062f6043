package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loomnote/loomnote-agent/internal/convstore"
)

type fakeSummarizer struct {
	calls int
	fail  bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string, batchText string) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("provider down")
	}
	return fmt.Sprintf("condensed batch %d", f.calls), nil
}

func newTestManager(t *testing.T, params Params, summarizer Summarizer) (*Manager, *convstore.Store) {
	t.Helper()
	store, err := convstore.Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, summarizer, params, slog.Default()), store
}

func seedConversation(t *testing.T, store *convstore.Store, n int) (string, []convstore.Turn) {
	t.Helper()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "cli")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	turns := make([]convstore.Turn, 0, n)
	for i := 1; i <= n; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		turn, err := store.AppendTurn(ctx, convstore.Turn{
			TurnID:         convstore.NewID("turn_"),
			ConversationID: conv.ConversationID,
			Role:           role,
			Content:        fmt.Sprintf("turn %d", i),
		})
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
		turns = append(turns, turn)
	}
	return conv.ConversationID, turns
}

func TestCheckAndSummarize_NoOpBelowThreshold(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	m, store := newTestManager(t, Params{MaxVerbatim: 15, BatchSize: 10}, sum)
	ctx := context.Background()

	// Exactly at the threshold still fits the verbatim budget.
	convID, _ := seedConversation(t, store, 25)
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize: %v", err)
	}
	if sum.calls != 0 {
		t.Fatalf("summarizer called %d times, want 0", sum.calls)
	}
	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 0 {
		t.Fatalf("len(summaries)=%d, want 0", len(sums))
	}
}

func TestCheckAndSummarize_CondensesOldestBatch(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	m, store := newTestManager(t, Params{MaxVerbatim: 15, BatchSize: 10}, sum)
	ctx := context.Background()

	convID, turns := seedConversation(t, store, 26)
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize: %v", err)
	}

	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(summaries)=%d, want 1", len(sums))
	}
	if sums[0].StartTurnID != turns[0].TurnID || sums[0].EndTurnID != turns[9].TurnID {
		t.Fatalf("summary covers [%s, %s], want [%s, %s]",
			sums[0].StartTurnID, sums[0].EndTurnID, turns[0].TurnID, turns[9].TurnID)
	}
	if sums[0].MessageCount != 10 {
		t.Fatalf("MessageCount=%d, want 10", sums[0].MessageCount)
	}

	window, err := m.Assemble(ctx, convID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(window.RecentTurns) != 15 {
		t.Fatalf("len(recentTurns)=%d, want 15", len(window.RecentTurns))
	}
	if window.RecentTurns[0].Content != "turn 12" || window.RecentTurns[14].Content != "turn 26" {
		t.Fatalf("window spans [%q, %q], want [turn 12, turn 26]",
			window.RecentTurns[0].Content, window.RecentTurns[14].Content)
	}
}

func TestCheckAndSummarize_Idempotent(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	m, store := newTestManager(t, Params{MaxVerbatim: 15, BatchSize: 10}, sum)
	ctx := context.Background()

	convID, _ := seedConversation(t, store, 26)
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize first: %v", err)
	}
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize second: %v", err)
	}

	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(summaries)=%d after repeat call, want 1", len(sums))
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer called %d times, want 1", sum.calls)
	}
}

func TestCheckAndSummarize_NeverPartialBatch(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	m, store := newTestManager(t, Params{MaxVerbatim: 5, BatchSize: 4}, sum)
	ctx := context.Background()

	// 12 turns: batch one covers 1-4, leaving 3 eligible (< batchSize).
	convID, _ := seedConversation(t, store, 12)
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize first: %v", err)
	}
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize second: %v", err)
	}

	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(summaries)=%d, want 1 (partial batch must not be summarized)", len(sums))
	}
}

func TestCheckAndSummarize_SummaryCoverageContiguous(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	m, store := newTestManager(t, Params{MaxVerbatim: 5, BatchSize: 4}, sum)
	ctx := context.Background()

	convID, turns := seedConversation(t, store, 18)
	for i := 0; i < 4; i++ {
		if err := m.CheckAndSummarize(ctx, convID); err != nil {
			t.Fatalf("CheckAndSummarize %d: %v", i, err)
		}
	}

	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	// Eligible region is 18-5=13 turns, so three full batches of 4.
	if len(sums) != 3 {
		t.Fatalf("len(summaries)=%d, want 3", len(sums))
	}

	// Ranges must tile the front of the log with no gaps or overlaps.
	next := 0
	for i, s := range sums {
		if s.StartTurnID != turns[next].TurnID {
			t.Fatalf("summary %d starts at %s, want %s", i, s.StartTurnID, turns[next].TurnID)
		}
		if s.EndTurnID != turns[next+3].TurnID {
			t.Fatalf("summary %d ends at %s, want %s", i, s.EndTurnID, turns[next+3].TurnID)
		}
		next += 4
	}

	window, err := m.Assemble(ctx, convID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, turn := range window.RecentTurns {
		if turn.ID <= turns[next-1].ID {
			t.Fatalf("summarized turn %s leaked into the verbatim window", turn.TurnID)
		}
	}
}

func TestCheckAndSummarize_FailurePropagatesAndRetries(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{fail: true}
	m, store := newTestManager(t, Params{MaxVerbatim: 15, BatchSize: 10}, sum)
	ctx := context.Background()

	convID, _ := seedConversation(t, store, 26)
	if err := m.CheckAndSummarize(ctx, convID); err == nil {
		t.Fatalf("CheckAndSummarize: want error when summarizer fails")
	}
	sums, err := store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 0 {
		t.Fatalf("len(summaries)=%d after failure, want 0", len(sums))
	}

	// Recovery on the next call re-derives the same batch.
	sum.fail = false
	if err := m.CheckAndSummarize(ctx, convID); err != nil {
		t.Fatalf("CheckAndSummarize retry: %v", err)
	}
	sums, err = store.ListSummaries(ctx, convID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(summaries)=%d after retry, want 1", len(sums))
	}
}
