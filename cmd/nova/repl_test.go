package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/auth"
	"github.com/MegaGrindStone/nova-chat/internal/coordinator"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	threads []models.Thread
	history map[models.ID][]models.Message
	nextID  int
	// stream returns the body of the next streaming send.
	stream func() io.ReadCloser
	reply  string
	usage  models.UsageSummary
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		threads: []models.Thread{{ID: "t1", Title: "First", Model: models.DefaultModel}},
		history: map[models.ID][]models.Message{},
	}
}

func (f *fakeBackend) ListThreads(context.Context) ([]models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.threads), nil
}

func (f *fakeBackend) CreateThread(_ context.Context, cfg models.ThreadConfig) (models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	thread := models.Thread{
		ID:           models.ID(fmt.Sprintf("n%d", f.nextID)),
		Title:        cfg.Title,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}
	f.threads = slices.Insert(f.threads, 0, thread)
	return thread, nil
}

func (f *fakeBackend) RenameThread(_ context.Context, id models.ID, title string) (models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.threads {
		if f.threads[i].ID == id {
			f.threads[i].Title = title
			return f.threads[i], nil
		}
	}
	return models.Thread{}, notFound()
}

func (f *fakeBackend) DeleteThread(_ context.Context, id models.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = slices.DeleteFunc(f.threads, func(t models.Thread) bool { return t.ID == id })
	delete(f.history, id)
	return nil
}

func (f *fakeBackend) FetchHistory(_ context.Context, id models.ID) (models.Thread, []models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.threads {
		if t.ID == id {
			return t, slices.Clone(f.history[id]), nil
		}
	}
	return models.Thread{}, nil, notFound()
}

func (f *fakeBackend) SendAndStream(_ context.Context, req models.GenerationRequest) (io.ReadCloser, error) {
	f.store(req)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream(), nil
}

func (f *fakeBackend) SendAndWait(_ context.Context, req models.GenerationRequest) (models.Message, error) {
	return f.store(req), nil
}

func (f *fakeBackend) Usage(context.Context) (models.UsageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeBackend) store(req models.GenerationRequest) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.history[req.ThreadID]
	user := models.Message{ID: models.ID(fmt.Sprintf("m%d", len(msgs)+1)), Role: models.RoleUser, Content: req.UserText}
	reply := models.Message{ID: models.ID(fmt.Sprintf("m%d", len(msgs)+2)), Role: models.RoleAssistant, Content: f.reply}
	f.history[req.ThreadID] = append(msgs, user, reply)
	f.usage.TotalTokens += 10
	return reply
}

func notFound() error {
	return &services.APIError{StatusCode: http.StatusNotFound, Detail: "Conversation not found"}
}

func frames(events ...string) func() io.ReadCloser {
	return func() io.ReadCloser {
		var b strings.Builder
		for _, ev := range events {
			b.WriteString("data: " + ev + "\n\n")
		}
		return io.NopCloser(strings.NewReader(b.String()))
	}
}

type replFixture struct {
	repl       repl
	backend    *fakeBackend
	auth       *auth.Context
	out        *bytes.Buffer
	interrupts chan os.Signal
}

func newREPLFixture(t *testing.T, backend *fakeBackend) replFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ac, err := auth.NewContext(nil)
	require.NoError(t, err)
	require.NoError(t, ac.Set(models.TokenPair{AccessToken: "acc"}))

	coord := coordinator.New(backend, coordinator.Options{Logger: logger})
	require.NoError(t, coord.Bootstrap(context.Background()))

	out := &bytes.Buffer{}
	interrupts := make(chan os.Signal, 1)
	return replFixture{
		repl: repl{
			coord:        coord,
			auth:         ac,
			out:          out,
			interrupts:   interrupts,
			pollInterval: 5 * time.Millisecond,
			logger:       logger,
		},
		backend:    backend,
		auth:       ac,
		out:        out,
		interrupts: interrupts,
	}
}

func TestREPLSendStreamsReply(t *testing.T) {
	backend := newFakeBackend()
	backend.reply = "Hello there"
	backend.stream = frames(`{"type":"token","value":"Hello"}`, `{"type":"token","value":" there"}`, `{"type":"done"}`)
	f := newREPLFixture(t, backend)

	quit, err := f.repl.handle(context.Background(), "hi")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, "nova> Hello there\n", f.out.String())

	snap := f.repl.coord.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Equal(t, models.StatusFinal, snap.Messages[1].Status)
	assert.Equal(t, 10, snap.Usage.TotalTokens)
}

func TestREPLSendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.stream = frames(`{"type":"error","value":"Quota exceeded"}`)
	f := newREPLFixture(t, backend)

	_, err := f.repl.handle(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "nova> "+models.ErrorContent("Quota exceeded")+"\n", f.out.String())
}

func TestREPLStopKeepsPartialReply(t *testing.T) {
	backend := newFakeBackend()
	pr, pw := io.Pipe()
	backend.stream = func() io.ReadCloser { return pr }
	f := newREPLFixture(t, backend)

	go func() {
		_, _ = io.WriteString(pw, `data: {"type":"token","value":"Partial"}`+"\n\n")
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if msg, ok := lastAssistant(f.repl.coord.Snapshot().Messages); ok && msg.Content == "Partial" {
				break
			}
			time.Sleep(time.Millisecond)
		}
		f.interrupts <- os.Interrupt
	}()

	_, err := f.repl.handle(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "nova> Partial [stopped]\n", f.out.String())

	msg, ok := lastAssistant(f.repl.coord.Snapshot().Messages)
	require.True(t, ok)
	assert.Equal(t, models.StatusErrored, msg.Status)
	assert.Equal(t, "Partial", msg.Content)
}

func TestREPLRegenerate(t *testing.T) {
	backend := newFakeBackend()
	backend.reply = "Second answer"
	backend.history["t1"] = []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "question"},
		{ID: "m2", Role: models.RoleAssistant, Content: "First answer"},
	}
	f := newREPLFixture(t, backend)

	_, err := f.repl.handle(context.Background(), "/regen")
	require.NoError(t, err)
	assert.Equal(t, "nova> Second answer\n", f.out.String())
	assert.Len(t, f.repl.coord.Snapshot().Messages, 4)
}

func TestREPLCommands(t *testing.T) {
	ctx := context.Background()
	f := newREPLFixture(t, newFakeBackend())

	run := func(line string) string {
		t.Helper()
		f.out.Reset()
		quit, err := f.repl.handle(ctx, line)
		require.NoError(t, err, line)
		assert.False(t, quit, line)
		return f.out.String()
	}

	assert.Contains(t, run("/help"), "/regen")
	assert.Contains(t, run("/new"), "Started a new conversation.")
	assert.Equal(t, "*  1. New Chat (gpt-4o-mini)\n   2. First (gpt-4o-mini)\n", run("/list"))

	assert.Contains(t, run("/switch 2"), "== First ==")
	assert.Equal(t, models.ID("t1"), f.repl.coord.Snapshot().ActiveThreadID)

	assert.Equal(t, "Renamed to \"Renamed\".\n", run("/rename Renamed"))
	assert.Contains(t, run("/list"), "*  2. Renamed")

	run("/delete n1")
	assert.Len(t, f.repl.coord.Snapshot().Threads, 1)

	assert.Equal(t, "Model: gpt-4o\n", run("/model gpt-4o"))
	assert.Equal(t, "Temperature: 1.50\n", run("/temp 1.5"))
	assert.Equal(t, "Max tokens: 100\n", run("/max 100"))
	assert.Equal(t, "System prompt: Be brief.\n", run("/prompt Be brief."))
	assert.Contains(t, run("/settings"), "Max tokens:    100")
	assert.Contains(t, run("/usage"), "Estimated cost:    $0.0000")
	assert.Empty(t, run(""))
}

func TestREPLCommandErrors(t *testing.T) {
	ctx := context.Background()
	f := newREPLFixture(t, newFakeBackend())

	for _, line := range []string{"/bogus", "/temp hot", "/temp 3", "/max 0", "/switch 9", "/switch", "/rename  ", "/regen"} {
		t.Run(line, func(t *testing.T) {
			_, err := f.repl.handle(ctx, line)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, models.DefaultTemperature, f.repl.coord.Settings().Temperature)
}

func TestREPLQuitAndLogout(t *testing.T) {
	f := newREPLFixture(t, newFakeBackend())

	quit, err := f.repl.handle(context.Background(), "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.True(t, f.auth.HasCredential())

	quit, err = f.repl.handle(context.Background(), "/logout")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.False(t, f.auth.HasCredential())
}
