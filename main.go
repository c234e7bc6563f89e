// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// roxxllm is an interactive client for a long-form-memory chat backend.
//
// It keeps a local view of the conversation directory and the active
// session, streams assistant responses with coalesced updates, and
// reconciles titles, turn counts, and history against the server.
//
// Interactive commands:
//   /new          start a fresh conversation on the next message
//   /list         list conversations
//   /switch N     open conversation number N from /list
//   /delete N     delete conversation number N from /list
//   /title        show the active conversation title
//   /help         show available commands
//   /quit         exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/Mayank29903/Roxxllm/internal/api"
	"github.com/Mayank29903/Roxxllm/internal/chat"
	"github.com/Mayank29903/Roxxllm/internal/config"
	"github.com/Mayank29903/Roxxllm/internal/kv"
	"github.com/Mayank29903/Roxxllm/internal/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dataDir, err := cfg.DataDir()
	if err != nil {
		return err
	}

	store, err := kv.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	client := api.NewClient(cfg.Server.BaseURL).
		WithAPIKey(cfg.Server.APIKey).
		WithMaxRetries(cfg.Server.MaxRetries).
		WithRateLimit(cfg.Server.RequestsPerSec).
		WithReadBuffer(cfg.Stream.ReadBufferBytes)

	engine := chat.NewEngine(client, store, chat.Options{
		FlushInterval: cfg.FlushInterval(),
		PageSize:      cfg.History.PageSize,
	})

	// Live reload of tunables: only the coalescing interval is safe to
	// change mid-session.
	if path, err := config.ConfigPath(); err == nil {
		if watcher, werr := config.NewWatcher(path, 500*time.Millisecond, func(c *config.Config) {
			engine.SetFlushInterval(c.FlushInterval())
		}); werr == nil {
			if werr := watcher.Watch(); werr == nil {
				defer watcher.Close()
			} else {
				watcher.Close()
			}
		}
	}

	repl := newREPL(engine, dataDir)
	defer repl.Close()

	ctx := context.Background()
	if err := engine.Hydrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load conversations: %v\n", err)
	}

	repl.printWelcome()
	return repl.loop(ctx)
}

// =============================================================================
// REPL
// =============================================================================

// repl drives the interactive session over a liner prompt.
type repl struct {
	engine      *chat.Engine
	line        *liner.State
	historyFile string

	// printed tracks how much of the visible buffer has been written so
	// streaming updates print only the new suffix. Snapshot callbacks
	// arrive on the engine's flush goroutine while send resets it from
	// the prompt loop, so it needs the mutex.
	mu      sync.Mutex
	printed int
}

func newREPL(engine *chat.Engine, dataDir string) *repl {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &repl{
		engine:      engine,
		line:        line,
		historyFile: filepath.Join(dataDir, "input_history"),
	}
	r.loadHistory()

	engine.Subscribe(r.onSnapshot)
	return r
}

// loadHistory restores input history from the previous session.
func (r *repl) loadHistory() {
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
}

// saveHistory persists input history. Owner-only permissions: the history
// may contain anything the user typed.
func (r *repl) saveHistory() {
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	r.line.WriteHistory(f)
}

// Close saves history and releases the terminal.
func (r *repl) Close() {
	r.saveHistory()
	r.line.Close()
}

// onSnapshot prints the unseen suffix of the visible streaming buffer.
func (r *repl) onSnapshot(s chat.Snapshot) {
	if s.State != chat.StateStreaming {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.Visible) > r.printed {
		fmt.Print(s.Visible[r.printed:])
		r.printed = len(s.Visible)
	}
}

func (r *repl) printWelcome() {
	fmt.Println("roxxllm - type a message, or /help for commands")
	if convs := r.engine.Directory().List(); len(convs) > 0 {
		fmt.Printf("%d conversation(s) available; /list to browse\n", len(convs))
	}
	fmt.Println()
}

// loop reads and dispatches input until exit.
func (r *repl) loop(ctx context.Context) error {
	for {
		input, err := r.line.Prompt("> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			// Ctrl+D or terminal gone
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := r.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// send streams one message, printing the response as it coalesces.
// Ctrl+C while streaming cancels the send.
func (r *repl) send(ctx context.Context, content string) error {
	r.mu.Lock()
	r.printed = 0
	r.mu.Unlock()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			r.engine.CancelSend()
		case <-stop:
		}
	}()
	defer func() {
		signal.Stop(sigs)
		close(stop)
	}()

	err := r.engine.Send(ctx, content, true)
	fmt.Println()
	if err != nil {
		if err == context.Canceled || strings.Contains(err.Error(), context.Canceled.Error()) {
			fmt.Println("(cancelled)")
			return nil
		}
		return err
	}
	return nil
}

// handleCommand dispatches a slash command. Returns true to exit.
func (r *repl) handleCommand(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := fields[0]

	switch cmd {
	case "/quit", "/q", "/exit":
		return true, nil

	case "/help", "/h":
		r.printHelp()
		return false, nil

	case "/new":
		if err := r.engine.NewConversation(); err != nil {
			return false, err
		}
		fmt.Println("next message starts a new conversation")
		return false, nil

	case "/list", "/l":
		r.printList()
		return false, nil

	case "/switch", "/s":
		conv, err := r.conversationArg(fields)
		if err != nil {
			return false, err
		}
		if err := r.engine.SelectConversation(ctx, conv.ID); err != nil {
			return false, err
		}
		r.printTranscript()
		return false, nil

	case "/delete", "/d":
		conv, err := r.conversationArg(fields)
		if err != nil {
			return false, err
		}
		if err := r.engine.DeleteConversation(ctx, conv.ID); err != nil {
			return false, err
		}
		fmt.Printf("deleted %q\n", conv.DisplayTitle())
		return false, nil

	case "/title", "/t":
		if conv, ok := r.engine.Session().Conversation(); ok {
			fmt.Println(conv.DisplayTitle())
		} else {
			fmt.Println("no conversation selected")
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// conversationArg resolves a 1-based /list index argument.
func (r *repl) conversationArg(fields []string) (model.Conversation, error) {
	if len(fields) < 2 {
		return model.Conversation{}, fmt.Errorf("usage: %s N", fields[0])
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return model.Conversation{}, fmt.Errorf("not a number: %s", fields[1])
	}
	convs := r.engine.Directory().List()
	if n < 1 || n > len(convs) {
		return model.Conversation{}, fmt.Errorf("no conversation %d (have %d)", n, len(convs))
	}
	return convs[n-1], nil
}

func (r *repl) printList() {
	convs := r.engine.Directory().List()
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	activeID := ""
	if conv, ok := r.engine.Session().Conversation(); ok {
		activeID = conv.ID
	}
	for i, c := range convs {
		marker := " "
		if c.ID == activeID {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%d turns)\n", marker, i+1, c.DisplayTitle(), c.TurnCount)
	}
}

// printTranscript prints the selected conversation's history.
func (r *repl) printTranscript() {
	msgs := r.engine.Session().Messages()
	for _, m := range msgs {
		fmt.Printf("%s: %s\n", m.Role.DisplayName(), m.Content)
	}
	if len(msgs) == 0 {
		fmt.Println("(empty conversation)")
	}
}

func (r *repl) printHelp() {
	fmt.Println(`commands:
  /new          start a fresh conversation on the next message
  /list         list conversations
  /switch N     open conversation N
  /delete N     delete conversation N
  /title        show the active conversation title
  /quit         exit`)
}
