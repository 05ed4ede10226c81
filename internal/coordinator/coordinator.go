// Package coordinator orchestrates a chat client: it owns the thread list, the transcript of the
// active thread and at most one in-flight generation, and turns every failure into a single
// user-facing action error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/MegaGrindStone/nova-chat/internal/transcript"
)

// Backend is the chat backend the coordinator drives. services.Client implements it.
type Backend interface {
	ListThreads(ctx context.Context) ([]models.Thread, error)
	CreateThread(ctx context.Context, cfg models.ThreadConfig) (models.Thread, error)
	RenameThread(ctx context.Context, id models.ID, title string) (models.Thread, error)
	DeleteThread(ctx context.Context, id models.ID) error
	FetchHistory(ctx context.Context, id models.ID) (models.Thread, []models.Message, error)

	SendAndStream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error)
	SendAndWait(ctx context.Context, req models.GenerationRequest) (models.Message, error)

	Usage(ctx context.Context) (models.UsageSummary, error)
}

// Options configure a Coordinator.
type Options struct {
	// Settings are the initial generation settings. The zero value uses models.DefaultSettings.
	Settings    models.Settings
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Snapshot is a consistent view of the coordinator state for rendering.
type Snapshot struct {
	Threads        []models.Thread
	ActiveThreadID models.ID
	Messages       []models.Message
	Usage          models.UsageSummary
	Settings       models.Settings
	ActionError    string
	// Streaming is true while a stream session is open.
	Streaming bool
	// Busy is true while a send or regenerate run hasn't finished all its phases.
	Busy bool
}

// Coordinator is safe for concurrent use. Lock order is coordinator, then session, then transcript.
type Coordinator struct {
	backend     Backend
	idleTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	threads     []models.Thread
	activeID    models.ID
	transcript  *transcript.Transcript
	usage       models.UsageSummary
	settings    models.Settings
	actionError string
	session     *stream.Session
	running     chan struct{}
}

const (
	streamFallback     = "Streaming failed."
	regenerateFallback = "Regenerate failed."
)

// ErrEmptyTitle is returned when a thread is renamed to a blank title.
var ErrEmptyTitle = errors.New("title is required")

// New creates a coordinator with no active thread. Call Bootstrap to load the user's threads.
func New(backend Backend, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := opts.Settings
	if settings == (models.Settings{}) {
		settings = models.DefaultSettings()
	}
	return &Coordinator{
		backend:     backend,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.With(slog.String("module", "coordinator")),
		transcript:  transcript.New(""),
		settings:    settings,
	}
}

// Bootstrap loads the thread list and usage, then selects the most recent thread or creates one
// when the user has none.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	threads, err := c.backend.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}
	usage, err := c.backend.Usage(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch usage: %w", err)
	}

	c.mu.Lock()
	c.threads = threads
	c.usage = usage
	c.mu.Unlock()

	if len(threads) == 0 {
		return c.NewThread(ctx)
	}
	return c.SelectThread(ctx, threads[0].ID)
}

// SelectThread makes id the active thread and loads its history. The thread's model and system
// prompt, normalised for legacy values, become the current settings.
func (c *Coordinator) SelectThread(ctx context.Context, id models.ID) error {
	thread, msgs, err := c.backend.FetchHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch history: %w", err)
	}
	thread = models.MigrateThread(thread, 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = id
	c.transcript.ReplaceAll(id, msgs)
	if thread.Model != "" {
		c.settings.Model = thread.Model
	}
	if thread.SystemPrompt != "" {
		c.settings.SystemPrompt = thread.SystemPrompt
	}
	if thread.ID == "" {
		thread.ID = id
	}
	c.upsertThreadLocked(thread)
	return nil
}

// NewThread creates a thread with the current model and system prompt and makes it active.
func (c *Coordinator) NewThread(ctx context.Context) error {
	c.mu.Lock()
	cfg := models.ThreadConfig{
		Title:        models.DefaultThreadTitle,
		Model:        c.settings.Model,
		SystemPrompt: c.settings.SystemPrompt,
	}
	c.mu.Unlock()

	thread, err := c.backend.CreateThread(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = slices.Insert(c.threads, 0, thread)
	c.activeID = thread.ID
	c.transcript.ReplaceAll(thread.ID, nil)
	return nil
}

// RenameThread changes the title of thread id.
func (c *Coordinator) RenameThread(ctx context.Context, id models.ID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	thread, err := c.backend.RenameThread(ctx, id, title)
	if err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if thread.ID == "" {
		thread.ID = id
	}
	c.upsertThreadLocked(thread)
	return nil
}

// DeleteThread removes thread id. Deleting the active thread selects the next one, or creates a new
// thread if none is left.
func (c *Coordinator) DeleteThread(ctx context.Context, id models.ID) error {
	if err := c.backend.DeleteThread(ctx, id); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}

	c.mu.Lock()
	c.threads = slices.DeleteFunc(c.threads, func(t models.Thread) bool { return t.ID == id })
	wasActive := c.activeID == id
	var next models.ID
	if len(c.threads) > 0 {
		next = c.threads[0].ID
	}
	if wasActive {
		c.activeID = ""
	}
	c.mu.Unlock()

	if !wasActive {
		return nil
	}
	if next != "" {
		return c.SelectThread(ctx, next)
	}
	return c.NewThread(ctx)
}

// Send appends the user message and an assistant draft to the transcript and starts streaming the
// reply into the draft. It reports whether a run was started: blank text, no active thread or a
// run in progress make it a no-op. The run continues in the background under ctx; use Wait to
// block until it has finished.
func (c *Coordinator) Send(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	c.mu.Lock()
	if c.activeID == "" || c.running != nil {
		c.mu.Unlock()
		return false
	}
	req := c.settings.Request(c.activeID, text)
	if err := req.Validate(); err != nil {
		c.actionError = err.Error()
		c.mu.Unlock()
		return false
	}

	c.actionError = ""
	c.transcript.Append(models.Message{Role: models.RoleUser, Content: text, Status: models.StatusFinal})
	draftID := c.transcript.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	sess := stream.New(c.backend, req, c.transcript.Bind(draftID), stream.Options{
		IdleTimeout: c.idleTimeout,
		Logger:      c.logger,
	})
	done := make(chan struct{})
	c.session = sess
	c.running = done
	c.mu.Unlock()

	go c.runSend(ctx, sess, done)
	return true
}

// Regenerate re-sends the last user message through the blocking endpoint, then reconciles. It
// blocks until done and reports whether it ran: it is a no-op with fewer than two messages or while
// another run is in progress.
func (c *Coordinator) Regenerate(ctx context.Context) bool {
	c.mu.Lock()
	if c.activeID == "" || c.running != nil || c.transcript.Len() < 2 {
		c.mu.Unlock()
		return false
	}
	last, ok := c.transcript.LastUserMessage()
	if !ok {
		c.mu.Unlock()
		return false
	}
	threadID := c.activeID
	req := c.settings.Request(threadID, last.Content)
	c.actionError = ""
	done := make(chan struct{})
	c.running = done
	c.mu.Unlock()

	defer c.finish(done)

	if _, err := c.backend.SendAndWait(ctx, req); err != nil {
		c.logger.Warn("Regenerate failed",
			slog.String("threadID", string(threadID)),
			slog.String("err", err.Error()))
		c.setActionError(errorMessage(err, regenerateFallback))
		return true
	}
	c.reconcile(ctx, threadID, regenerateFallback)
	return true
}

// Stop cancels the active stream session. It reports whether there was one to cancel.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil || sess.State().Terminal() {
		return false
	}
	sess.Cancel()
	return true
}

// Wait blocks until the current send or regenerate run has finished, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if running == nil {
		return nil
	}
	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Threads:        slices.Clone(c.threads),
		ActiveThreadID: c.activeID,
		Messages:       c.transcript.Messages(),
		Usage:          c.usage,
		Settings:       c.settings,
		ActionError:    c.actionError,
		Busy:           c.running != nil,
	}
	sess := c.session
	c.mu.Unlock()

	snap.Streaming = sess != nil && !sess.State().Terminal()
	return snap
}

// Settings returns the current generation settings.
func (c *Coordinator) Settings() models.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetModel sets the model used by the next request.
func (c *Coordinator) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		model = models.DefaultModel
	}
	return c.updateSettings(func(s *models.Settings) { s.Model = model })
}

// SetTemperature sets the sampling temperature of the next request.
func (c *Coordinator) SetTemperature(t float64) error {
	return c.updateSettings(func(s *models.Settings) { s.Temperature = t })
}

// SetMaxTokens sets the completion limit of the next request.
func (c *Coordinator) SetMaxTokens(n int) error {
	return c.updateSettings(func(s *models.Settings) { s.MaxTokens = n })
}

// SetSystemPrompt sets the system prompt of the next request.
func (c *Coordinator) SetSystemPrompt(prompt string) error {
	return c.updateSettings(func(s *models.Settings) { s.SystemPrompt = prompt })
}

func (c *Coordinator) updateSettings(update func(*models.Settings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.settings
	update(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	c.settings = next
	return nil
}

func (c *Coordinator) runSend(ctx context.Context, sess *stream.Session, done chan struct{}) {
	defer c.finish(done)

	for range sess.Events(ctx) {
	}

	threadID := sess.Request().ThreadID
	out := sess.Outcome()
	switch out.State {
	case stream.StateCompleted:
		c.reconcile(ctx, threadID, streamFallback)
	case stream.StateFailed:
		reason := out.Reason
		if reason == "" {
			reason = streamFallback
		}
		c.setActionError(reason)
	case stream.StateCancelled:
		c.logger.Debug("Stream stopped", slog.String("threadID", string(threadID)))
	}
}

// reconcile replaces the transcript with the backend history of threadID and refreshes usage and
// the thread list. On failure the transcript keeps its optimistic state.
func (c *Coordinator) reconcile(ctx context.Context, threadID models.ID, fallback string) {
	_, msgs, err := c.backend.FetchHistory(ctx, threadID)
	if err != nil {
		c.logger.Warn("Failed to reconcile transcript",
			slog.String("threadID", string(threadID)),
			slog.String("err", err.Error()))
		c.setActionError(errorMessage(err, fallback))
		return
	}

	c.mu.Lock()
	// The user may have switched threads while the reply streamed in.
	if c.activeID == threadID {
		c.transcript.Reconcile(msgs)
	}
	c.mu.Unlock()

	usage, err := c.backend.Usage(ctx)
	if err != nil {
		c.logger.Warn("Failed to refresh usage", slog.String("err", err.Error()))
		c.setActionError(errorMessage(err, fallback))
		return
	}
	threads, err := c.backend.ListThreads(ctx)
	if err != nil {
		c.logger.Warn("Failed to refresh threads", slog.String("err", err.Error()))
		c.setActionError(errorMessage(err, fallback))
		return
	}

	c.mu.Lock()
	c.usage = usage
	c.threads = threads
	c.mu.Unlock()
}

func (c *Coordinator) finish(done chan struct{}) {
	c.mu.Lock()
	c.session = nil
	c.running = nil
	c.mu.Unlock()
	close(done)
}

func (c *Coordinator) setActionError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionError = msg
}

func (c *Coordinator) upsertThreadLocked(thread models.Thread) {
	for i := range c.threads {
		if c.threads[i].ID == thread.ID {
			c.threads[i] = thread
			return
		}
	}
	c.threads = slices.Insert(c.threads, 0, thread)
}

// errorMessage extracts the text shown to the user: the backend's detail when it sent one,
// otherwise the error text, otherwise fallback.
func errorMessage(err error, fallback string) string {
	var apiErr *services.APIError
	if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Detail) != "" {
		return apiErr.Detail
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
