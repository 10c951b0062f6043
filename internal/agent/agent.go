// Package agent assembles the application: stores, model provider, tool
// registry, orchestrator and offline queue, wired from one config.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loomnote/loomnote-agent/internal/config"
	"github.com/loomnote/loomnote-agent/internal/contextwindow"
	"github.com/loomnote/loomnote-agent/internal/convstore"
	"github.com/loomnote/loomnote-agent/internal/knowledge"
	"github.com/loomnote/loomnote-agent/internal/llm"
	"github.com/loomnote/loomnote-agent/internal/orchestrator"
	"github.com/loomnote/loomnote-agent/internal/queue"
	"github.com/loomnote/loomnote-agent/internal/tools"
)

type Options struct {
	Config  *config.Config
	Version string
	Logger  *slog.Logger
}

// Agent owns the wired component graph and their lifecycles.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store *convstore.Store
	queue *queue.Queue
	orch  *orchestrator.Orchestrator
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stateDir := cfg.DefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	store, err := convstore.Open(filepath.Join(stateDir, "conversations.db"))
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	provider, err := llm.New(llm.Options{
		Type:         cfg.Provider.Type,
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.ProviderAPIKey(),
		Model:        cfg.Provider.Model,
		SummaryModel: cfg.Provider.SummaryModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init model provider: %w", err)
	}

	kb, err := knowledge.NewStore(cfg.KnowledgeDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init knowledge store: %w", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterEntryTools(registry, kb.Root()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	q, err := queue.Open(filepath.Join(stateDir, "queue.db"), queue.Options{
		Enabled:              cfg.Queue.EnabledOrDefault(),
		MaxAttempts:          cfg.Queue.MaxAttemptsOrDefault(),
		RetryBaseSec:         cfg.Queue.RetryBaseSecOrDefault(),
		DedupeTTLHours:       cfg.Queue.DedupeTTLHoursOrDefault(),
		ProcessingTimeoutSec: cfg.Queue.ProcessingTimeoutSecOrDefault(),
		TickIntervalSec:      cfg.Queue.TickIntervalSecOrDefault(),
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	window := contextwindow.NewManager(store, provider, contextwindow.Params{
		MaxVerbatim: cfg.Context.MaxVerbatimOrDefault(),
		BatchSize:   cfg.Context.BatchSizeOrDefault(),
	}, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     store,
		Window:    window,
		Provider:  provider,
		Executor:  registry,
		ToolDefs:  registry.Snapshot(),
		Queue:     q,
		Knowledge: kb,
		Model:     cfg.Provider.Model,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		_ = q.Close()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	return &Agent{cfg: cfg, logger: logger, store: store, queue: q, orch: orch}, nil
}

// HandleMessage processes one user message and returns the reply.
func (a *Agent) HandleMessage(ctx context.Context, conversationID string, text string, channel string) (*orchestrator.TurnResult, error) {
	if a == nil {
		return nil, errors.New("agent not initialized")
	}
	return a.orch.HandleTurn(ctx, conversationID, text, channel)
}

// Run drains the offline queue until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("agent not initialized")
	}
	a.logger.Info("agent started", "state_dir", a.cfg.DefaultStateDir())
	a.queue.Run(ctx, a.orch.ProcessQueuedItem)
	return ctx.Err()
}

// DrainQueueOnce runs a single queue pass, for one-shot invocations.
func (a *Agent) DrainQueueOnce(ctx context.Context) error {
	if a == nil {
		return errors.New("agent not initialized")
	}
	return a.queue.Tick(ctx, a.orch.ProcessQueuedItem)
}

// ListFailedQueueItems surfaces terminally failed captures.
func (a *Agent) ListFailedQueueItems(ctx context.Context) ([]queue.Item, error) {
	if a == nil {
		return nil, errors.New("agent not initialized")
	}
	return a.queue.ListFailed(ctx)
}

func (a *Agent) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if err := a.queue.Close(); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
