package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loomnote/loomnote-agent/internal/agent"
	"github.com/loomnote/loomnote-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "send":
		sendCmd(os.Args[2:])
	case "queue":
		queueCmd(os.Args[2:])
	case "version":
		fmt.Printf("loomnote-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `loomnote-agent

Usage:
  loomnote-agent run [flags]
  loomnote-agent send [flags] <message...>
  loomnote-agent queue list-failed|drain [flags]
  loomnote-agent version

Commands:
  run       Interactive chat on stdin with the queue drainer running.
  send      Send one message and print the assistant reply.
  queue     Inspect or drain the offline capture queue.
  version   Print build information.

`)
}

func loadAgent(cfgPath string) *agent.Agent {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	a, err := agent.New(agent.Options{Config: cfg, Version: Version, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	return a
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(cfg.LogFormat)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	channel := fs.String("channel", "cli", "Channel label recorded with each turn")
	_ = fs.Parse(args)

	a := loadAgent(*cfgPath)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	// Queue ticker in the background, chat loop in the foreground.
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	chatLoop(ctx, a, *channel)

	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

// chatLoop reads messages from stdin, one per line, and prints each reply.
// All turns share one conversation. Returns on EOF or context cancellation.
func chatLoop(ctx context.Context, a *agent.Agent, channel string) {
	fmt.Fprintln(os.Stderr, "loomnote-agent ready. Type a message, Ctrl-D to quit.")

	var conversationID string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}

		res, err := a.HandleMessage(ctx, conversationID, message, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		conversationID = res.ConversationID
		fmt.Println(res.ReplyText)
		if len(res.QuickReplies) > 0 {
			fmt.Fprintf(os.Stderr, "  [%s]\n", strings.Join(res.QuickReplies, " / "))
		}
	}
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	conversation := fs.String("conversation", "", "Conversation id to continue (empty: start a new one)")
	channel := fs.String("channel", "cli", "Channel label recorded with the turn")
	timeout := fs.Duration("timeout", 120*time.Second, "Turn timeout")
	asJSON := fs.Bool("json", false, "Print the full turn result as JSON")
	_ = fs.Parse(args)

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		fmt.Fprintln(os.Stderr, "send: message text is required")
		fs.Usage()
		os.Exit(2)
	}

	a := loadAgent(*cfgPath)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := a.HandleMessage(ctx, *conversation, message, *channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	fmt.Println(res.ReplyText)
	if res.ConversationID != "" {
		fmt.Fprintf(os.Stderr, "conversation: %s\n", res.ConversationID)
	}
}

func queueCmd(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	sub := args[0]

	fs := flag.NewFlagSet("queue "+sub, flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args[1:])

	a := loadAgent(*cfgPath)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch sub {
	case "list-failed":
		items, err := a.ListFailedQueueItems(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed items: %v\n", err)
			os.Exit(1)
		}
		if len(items) == 0 {
			fmt.Println("no failed items")
			return
		}
		for _, it := range items {
			fmt.Printf("%s  attempts=%d  channel=%s\n  text: %s\n  last error: %s\n",
				it.ItemID, it.Attempts, it.Channel, it.Text, it.LastError)
		}
	case "drain":
		if err := a.DrainQueueOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "drain failed: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(2)
	}
}
