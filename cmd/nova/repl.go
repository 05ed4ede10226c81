package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/auth"
	"github.com/MegaGrindStone/nova-chat/internal/coordinator"
	"github.com/MegaGrindStone/nova-chat/internal/models"
)

type repl struct {
	coord *coordinator.Coordinator
	auth  *auth.Context
	out   io.Writer
	// interrupts stops the reply that is streaming in. Signals received while idle are drained
	// before the next send.
	interrupts   <-chan os.Signal
	pollInterval time.Duration

	logger *slog.Logger
}

const helpText = `Commands:
  /help                 show this help
  /new                  start a new conversation
  /list                 list conversations
  /switch <n|id>        open a conversation from /list
  /rename <title>       rename the open conversation
  /delete [n|id]        delete a conversation, the open one by default
  /regen                regenerate the last reply
  /history              print the open conversation
  /usage                show token usage and estimated cost
  /model [name]         show or set the model
  /temp [value]         show or set the temperature
  /max [tokens]         show or set the reply token limit
  /prompt [text]        show or set the system prompt
  /settings             show the generation settings
  /logout               forget the stored credential and quit
  /quit                 quit
Anything else is sent as a message. Press Ctrl+C while a reply streams to stop it.`

// handle runs one line of input. It reports whether the REPL should quit.
func (r repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(command) {
	case "/help", "/?":
		fmt.Fprintln(r.out, helpText)
	case "/quit", "/exit", "/q":
		return true, nil
	case "/logout":
		if err := r.auth.Clear(); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Logged out.")
		return true, nil
	case "/new":
		if err := r.coord.NewThread(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Started a new conversation.")
	case "/list":
		r.printThreads()
	case "/switch":
		id, err := r.resolveThread(arg)
		if err != nil {
			return false, err
		}
		if err := r.coord.SelectThread(ctx, id); err != nil {
			return false, err
		}
		r.printHistory()
	case "/rename":
		snap := r.coord.Snapshot()
		if err := r.coord.RenameThread(ctx, snap.ActiveThreadID, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Renamed to %q.\n", arg)
	case "/delete":
		id := r.coord.Snapshot().ActiveThreadID
		if arg != "" {
			var err error
			if id, err = r.resolveThread(arg); err != nil {
				return false, err
			}
		}
		if err := r.coord.DeleteThread(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Deleted.")
	case "/regen":
		return false, r.regenerate(ctx)
	case "/history":
		r.printHistory()
	case "/usage":
		r.printUsage()
	case "/model":
		if arg != "" {
			if err := r.coord.SetModel(arg); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(r.out, "Model: %s\n", r.coord.Settings().Model)
	case "/temp":
		if arg != "" {
			t, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return false, fmt.Errorf("invalid temperature %q", arg)
			}
			if err := r.coord.SetTemperature(t); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(r.out, "Temperature: %.2f\n", r.coord.Settings().Temperature)
	case "/max":
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return false, fmt.Errorf("invalid token limit %q", arg)
			}
			if err := r.coord.SetMaxTokens(n); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(r.out, "Max tokens: %d\n", r.coord.Settings().MaxTokens)
	case "/prompt":
		if arg != "" {
			if err := r.coord.SetSystemPrompt(arg); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(r.out, "System prompt: %s\n", r.coord.Settings().SystemPrompt)
	case "/settings":
		r.printSettings()
	default:
		return false, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return false, nil
}

func (r repl) send(ctx context.Context, text string) error {
	r.drainInterrupts()
	if !r.coord.Send(ctx, text) {
		if msg := r.coord.Snapshot().ActionError; msg != "" {
			return errors.New(msg)
		}
		return errors.New("cannot send right now")
	}
	r.follow(ctx)
	return nil
}

func (r repl) regenerate(ctx context.Context) error {
	if !r.coord.Regenerate(ctx) {
		return errors.New("nothing to regenerate")
	}
	snap := r.coord.Snapshot()
	if snap.ActionError != "" {
		return errors.New(snap.ActionError)
	}
	if msg, ok := lastAssistant(snap.Messages); ok {
		fmt.Fprintf(r.out, "nova> %s\n", msg.Content)
	}
	return nil
}

// follow prints the assistant draft as tokens arrive, until the run has finished. An interrupt
// stops the stream; the run still finishes so the partial reply is kept.
func (r repl) follow(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	snap := r.coord.Snapshot()
	draft, _ := lastAssistant(snap.Messages)
	printed := ""
	fmt.Fprint(r.out, "nova> ")

	for snap.Busy {
		select {
		case <-ticker.C:
		case <-r.interrupts:
			r.coord.Stop()
		case <-ctx.Done():
			r.coord.Stop()
			_ = r.coord.Wait(context.Background())
		}

		snap = r.coord.Snapshot()
		if msg, ok := findDraft(snap.Messages, draft.LocalID); ok {
			draft = msg
		} else if msg, ok := lastAssistant(snap.Messages); ok && draft.Status != models.StatusErrored {
			// Reconciled: the draft was replaced by the stored reply.
			draft = msg
		}
		if draft.Status != models.StatusErrored && strings.HasPrefix(draft.Content, printed) {
			fmt.Fprint(r.out, draft.Content[len(printed):])
			printed = draft.Content
		}
	}

	switch {
	case draft.Status != models.StatusErrored:
		fmt.Fprintln(r.out)
		if snap.ActionError != "" {
			fmt.Fprintf(r.out, "! %s\n", snap.ActionError)
		}
	case snap.ActionError == "":
		// Stopped: the partial reply is kept as it was.
		fmt.Fprintf(r.out, "%s [stopped]\n", strings.TrimPrefix(draft.Content, printed))
	default:
		if printed != "" {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, draft.Content)
	}
	r.logger.Debug("Reply finished", slog.String("status", string(draft.Status)))
}

func (r repl) drainInterrupts() {
	for {
		select {
		case <-r.interrupts:
		default:
			return
		}
	}
}

// resolveThread accepts a 1-based position in the /list output or a thread id.
func (r repl) resolveThread(arg string) (models.ID, error) {
	if arg == "" {
		return "", errors.New("a conversation number or id is required")
	}
	threads := r.coord.Snapshot().Threads
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(threads) {
		return threads[n-1].ID, nil
	}
	for _, t := range threads {
		if string(t.ID) == arg {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no conversation %q", arg)
}

func (r repl) printThreads() {
	snap := r.coord.Snapshot()
	if len(snap.Threads) == 0 {
		fmt.Fprintln(r.out, "No conversations.")
		return
	}
	for i, t := range snap.Threads {
		marker := " "
		if t.ID == snap.ActiveThreadID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %2d. %s (%s)\n", marker, i+1, t.Title, t.Model)
	}
}

func (r repl) printHistory() {
	snap := r.coord.Snapshot()
	for _, t := range snap.Threads {
		if t.ID == snap.ActiveThreadID {
			fmt.Fprintf(r.out, "== %s ==\n", t.Title)
			break
		}
	}
	for _, m := range snap.Messages {
		fmt.Fprintf(r.out, "%s> %s\n", speaker(m.Role), m.Content)
	}
}

func (r repl) printUsage() {
	u := r.coord.Snapshot().Usage
	fmt.Fprintf(r.out, "Prompt tokens:     %d\n", u.TotalPromptTokens)
	fmt.Fprintf(r.out, "Completion tokens: %d\n", u.TotalCompletionTokens)
	fmt.Fprintf(r.out, "Total tokens:      %d\n", u.TotalTokens)
	fmt.Fprintf(r.out, "Estimated cost:    $%.4f\n", u.TotalEstimatedCostUSD)
}

func (r repl) printSettings() {
	s := r.coord.Settings()
	fmt.Fprintf(r.out, "Model:         %s\n", s.Model)
	fmt.Fprintf(r.out, "Temperature:   %.2f\n", s.Temperature)
	fmt.Fprintf(r.out, "Max tokens:    %d\n", s.MaxTokens)
	fmt.Fprintf(r.out, "System prompt: %s\n", s.SystemPrompt)
}

func speaker(role models.Role) string {
	if role == models.RoleAssistant {
		return "nova"
	}
	return string(role)
}

func findDraft(msgs []models.Message, localID string) (models.Message, bool) {
	for _, m := range msgs {
		if m.LocalID == localID {
			return m, true
		}
	}
	return models.Message{}, false
}

func lastAssistant(msgs []models.Message) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}
