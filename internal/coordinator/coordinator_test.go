package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/coordinator"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu         sync.Mutex
	threads    []models.Thread
	history    map[models.ID][]models.Message
	historyErr error
	usage      models.UsageSummary
	streamBody func() (io.ReadCloser, error)
	waitErr    error

	streamed []models.GenerationRequest
	waited   []models.GenerationRequest
	fetches  int
	nextID   int
}

const (
	tokenHi    = "data: {\"type\":\"token\",\"value\":\"Hi\"}\n\n"
	tokenThere = "data: {\"type\":\"token\",\"value\":\" there\"}\n\n"
	doneFrame  = "data: {\"type\":\"done\"}\n\n"
)

func newFakeBackend(threads ...models.Thread) *fakeBackend {
	return &fakeBackend{
		threads: threads,
		history: make(map[models.ID][]models.Message),
		nextID:  100,
	}
}

func newCoordinator(t *testing.T, b *fakeBackend) *coordinator.Coordinator {
	t.Helper()
	c := coordinator.New(b, coordinator.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, c.Bootstrap(context.Background()))
	return c
}

func waitRun(t *testing.T, c *coordinator.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func staticStream(body string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func TestBootstrapSelectsFirstThreadAndMigrates(t *testing.T) {
	b := newFakeBackend(
		models.Thread{ID: "1", Title: "Old", Model: "gemini-1.5-flash-latest", SystemPrompt: models.LegacySystemPrompt},
		models.Thread{ID: "2", Title: "Other", Model: "gpt-4o"},
	)
	b.history["1"] = []models.Message{{ID: "10", Role: models.RoleUser, Content: "hey"}}
	c := newCoordinator(t, b)

	snap := c.Snapshot()
	assert.Equal(t, models.ID("1"), snap.ActiveThreadID)
	assert.Equal(t, "gemini-2.5-flash", snap.Settings.Model)
	assert.Equal(t, models.DefaultSystemPrompt, snap.Settings.SystemPrompt)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hey", snap.Messages[0].Content)
	assert.Len(t, snap.Threads, 2)
}

func TestBootstrapCreatesThreadWhenNone(t *testing.T) {
	b := newFakeBackend()
	c := newCoordinator(t, b)

	snap := c.Snapshot()
	require.Len(t, snap.Threads, 1)
	assert.Equal(t, models.DefaultThreadTitle, snap.Threads[0].Title)
	assert.Equal(t, models.DefaultModel, snap.Threads[0].Model)
	assert.Equal(t, snap.Threads[0].ID, snap.ActiveThreadID)
	assert.Empty(t, snap.Messages)
}

func TestSendCompletesAndReconciles(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1", Title: "Chat"})
	c := newCoordinator(t, b)

	b.streamBody = staticStream(tokenHi + tokenThere + doneFrame)
	b.setHistory("1", []models.Message{
		{ID: "11", Role: models.RoleUser, Content: "hello"},
		{ID: "12", Role: models.RoleAssistant, Content: "Hi there", TotalTokens: 9},
	})
	b.setUsage(models.UsageSummary{TotalTokens: 9})

	require.True(t, c.Send(context.Background(), "  hello  "))
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Empty(t, snap.ActionError)
	assert.False(t, snap.Streaming)
	assert.False(t, snap.Busy)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, models.ID("12"), snap.Messages[1].ID)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.Equal(t, models.StatusFinal, snap.Messages[1].Status)
	assert.Equal(t, 9, snap.Usage.TotalTokens)

	sent := b.streamRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].UserText)
	assert.Equal(t, models.ID("1"), sent[0].ThreadID)
}

func TestSendIgnoresBlankText(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	assert.False(t, c.Send(context.Background(), " \n\t "))
	assert.Empty(t, c.Snapshot().Messages)
	assert.Empty(t, b.streamRequests())
}

func TestSendSingleStreamingMessage(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	pr, pw := io.Pipe()
	b.streamBody = func() (io.ReadCloser, error) { return pr, nil }

	require.True(t, c.Send(context.Background(), "first"))
	_, err := io.WriteString(pw, tokenHi)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Content == "Hi"
	}, 5*time.Second, 5*time.Millisecond)

	assert.False(t, c.Send(context.Background(), "second"))
	assert.False(t, c.Regenerate(context.Background()))

	snap := c.Snapshot()
	assert.True(t, snap.Streaming)
	assert.True(t, snap.Busy)
	require.Len(t, snap.Messages, 2)
	streaming := 0
	for _, m := range snap.Messages {
		if m.Status == models.StatusStreaming {
			streaming++
		}
	}
	assert.Equal(t, 1, streaming)

	_, err = io.WriteString(pw, doneFrame)
	require.NoError(t, err)
	waitRun(t, c)
	assert.Len(t, b.streamRequests(), 1)
}

func TestSendErrorEventSkipsRefetch(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)
	fetchesBefore := b.fetchCount()

	b.streamBody = staticStream("data: {\"type\":\"token\",\"value\":\"partial\"}\n\n" +
		"data: {\"type\":\"error\",\"value\":\"rate limited\"}\n\n")
	require.True(t, c.Send(context.Background(), "hello"))
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Equal(t, "rate limited", snap.ActionError)
	require.Len(t, snap.Messages, 2)
	assert.Contains(t, snap.Messages[1].Content, "rate limited")
	assert.Equal(t, models.StatusErrored, snap.Messages[1].Status)
	assert.Equal(t, fetchesBefore, b.fetchCount())
}

func TestSendTransportFailureUsesDetail(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	b.streamBody = func() (io.ReadCloser, error) {
		return nil, &services.APIError{StatusCode: http.StatusTooManyRequests, Detail: "Rate limit exceeded"}
	}
	require.True(t, c.Send(context.Background(), "hello"))
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Equal(t, "Rate limit exceeded", snap.ActionError)
	assert.Equal(t, models.ErrorContent("Rate limit exceeded"), snap.Messages[1].Content)
}

func TestStopKeepsPartialContent(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)
	fetchesBefore := b.fetchCount()

	pr, pw := io.Pipe()
	defer pw.Close()
	b.streamBody = func() (io.ReadCloser, error) { return pr, nil }

	assert.False(t, c.Stop())
	require.True(t, c.Send(context.Background(), "hello"))
	_, err := io.WriteString(pw, "data: {\"type\":\"token\",\"value\":\"Par\"}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Content == "Par"
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, c.Stop())
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Empty(t, snap.ActionError)
	assert.Equal(t, "Par", snap.Messages[1].Content)
	assert.Equal(t, models.StatusErrored, snap.Messages[1].Status)
	assert.Equal(t, fetchesBefore, b.fetchCount())
	assert.False(t, c.Stop())
}

func TestReconcileFailureKeepsTranscript(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	b.streamBody = staticStream(tokenHi + tokenThere + doneFrame)
	b.setHistoryErr(&services.APIError{StatusCode: http.StatusInternalServerError, Detail: "database locked"})
	require.True(t, c.Send(context.Background(), "hello"))
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Equal(t, "database locked", snap.ActionError)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.Equal(t, models.StatusFinal, snap.Messages[1].Status)
}

func TestThreadSwitchDuringStream(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"}, models.Thread{ID: "2"})
	b.history["2"] = []models.Message{{ID: "20", Role: models.RoleUser, Content: "other thread"}}
	c := newCoordinator(t, b)

	pr, pw := io.Pipe()
	b.streamBody = func() (io.ReadCloser, error) { return pr, nil }
	require.True(t, c.Send(context.Background(), "hello"))
	_, err := io.WriteString(pw, tokenHi)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Content == "Hi"
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SelectThread(context.Background(), "2"))
	b.setHistory("1", []models.Message{{ID: "11", Role: models.RoleUser, Content: "hello"}})
	_, err = io.WriteString(pw, tokenThere+doneFrame)
	require.NoError(t, err)
	waitRun(t, c)

	snap := c.Snapshot()
	assert.Equal(t, models.ID("2"), snap.ActiveThreadID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "other thread", snap.Messages[0].Content)
}

func TestRegenerate(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	assert.False(t, c.Regenerate(context.Background()))
	assert.Empty(t, b.waitRequests())

	b.setHistory("1", []models.Message{
		{ID: "11", Role: models.RoleUser, Content: "tell a joke"},
		{ID: "12", Role: models.RoleAssistant, Content: "no"},
	})
	require.NoError(t, c.SelectThread(context.Background(), "1"))

	b.setHistory("1", []models.Message{
		{ID: "11", Role: models.RoleUser, Content: "tell a joke"},
		{ID: "12", Role: models.RoleAssistant, Content: "no"},
		{ID: "13", Role: models.RoleUser, Content: "tell a joke"},
		{ID: "14", Role: models.RoleAssistant, Content: "a joke"},
	})
	require.True(t, c.Regenerate(context.Background()))

	waited := b.waitRequests()
	require.Len(t, waited, 1)
	assert.Equal(t, "tell a joke", waited[0].UserText)
	snap := c.Snapshot()
	assert.Len(t, snap.Messages, 4)
	assert.Empty(t, snap.ActionError)
	assert.False(t, snap.Busy)
}

func TestRegenerateFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "detail", err: &services.APIError{StatusCode: http.StatusBadGateway, Detail: "AI request failed. Please try again."}, want: "AI request failed. Please try again."},
		{name: "plain error", err: errors.New("connection refused"), want: "connection refused"},
		{name: "empty error", err: errors.New(""), want: "Regenerate failed."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(models.Thread{ID: "1"})
			b.history["1"] = []models.Message{
				{ID: "11", Role: models.RoleUser, Content: "q"},
				{ID: "12", Role: models.RoleAssistant, Content: "a"},
			}
			c := newCoordinator(t, b)
			b.waitErr = tt.err

			require.True(t, c.Regenerate(context.Background()))
			assert.Equal(t, tt.want, c.Snapshot().ActionError)
		})
	}
}

func TestThreadManagement(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1", Title: "One"}, models.Thread{ID: "2", Title: "Two"})
	c := newCoordinator(t, b)
	ctx := context.Background()

	require.NoError(t, c.RenameThread(ctx, "2", "  Renamed  "))
	assert.ErrorIs(t, c.RenameThread(ctx, "2", "   "), coordinator.ErrEmptyTitle)
	assert.Equal(t, "Renamed", findThread(c.Snapshot().Threads, "2").Title)

	require.NoError(t, c.NewThread(ctx))
	snap := c.Snapshot()
	require.Len(t, snap.Threads, 3)
	assert.Equal(t, snap.Threads[0].ID, snap.ActiveThreadID)

	// Deleting an inactive thread keeps the selection.
	active := snap.ActiveThreadID
	require.NoError(t, c.DeleteThread(ctx, "2"))
	assert.Equal(t, active, c.Snapshot().ActiveThreadID)

	// Deleting the active thread selects the next one.
	require.NoError(t, c.DeleteThread(ctx, active))
	assert.Equal(t, models.ID("1"), c.Snapshot().ActiveThreadID)

	// Deleting the last thread creates a fresh one.
	require.NoError(t, c.DeleteThread(ctx, "1"))
	snap = c.Snapshot()
	require.Len(t, snap.Threads, 1)
	assert.Equal(t, models.DefaultThreadTitle, snap.Threads[0].Title)
	assert.Equal(t, snap.Threads[0].ID, snap.ActiveThreadID)
}

func TestSettings(t *testing.T) {
	b := newFakeBackend(models.Thread{ID: "1"})
	c := newCoordinator(t, b)

	require.NoError(t, c.SetTemperature(1.5))
	assert.ErrorIs(t, c.SetTemperature(2.5), models.ErrInvalidTemperature)
	require.NoError(t, c.SetMaxTokens(100))
	assert.ErrorIs(t, c.SetMaxTokens(0), models.ErrInvalidMaxTokens)
	require.NoError(t, c.SetModel("gpt-4o"))
	require.NoError(t, c.SetSystemPrompt("be terse"))
	assert.ErrorIs(t, c.SetSystemPrompt(strings.Repeat("p", 8001)), models.ErrPromptTooLong)

	s := c.Settings()
	assert.Equal(t, models.Settings{Model: "gpt-4o", Temperature: 1.5, MaxTokens: 100, SystemPrompt: "be terse"}, s)

	b.streamBody = staticStream(doneFrame)
	require.True(t, c.Send(context.Background(), "hi"))
	waitRun(t, c)
	sent := b.streamRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, 1.5, sent[0].Temperature)
	assert.Equal(t, 100, sent[0].MaxTokens)
	assert.Equal(t, "be terse", sent[0].SystemPrompt)
}

func findThread(threads []models.Thread, id models.ID) models.Thread {
	for _, t := range threads {
		if t.ID == id {
			return t
		}
	}
	return models.Thread{}
}

func (f *fakeBackend) ListThreads(context.Context) ([]models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Thread(nil), f.threads...), nil
}

func (f *fakeBackend) CreateThread(_ context.Context, cfg models.ThreadConfig) (models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	thread := models.Thread{
		ID:           models.ID(fmt.Sprint(f.nextID)),
		Title:        cfg.Title,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}
	f.threads = append([]models.Thread{thread}, f.threads...)
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
	return models.Thread{}, &services.APIError{StatusCode: http.StatusNotFound, Detail: "Conversation not found"}
}

func (f *fakeBackend) DeleteThread(_ context.Context, id models.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.threads {
		if f.threads[i].ID == id {
			f.threads = append(f.threads[:i], f.threads[i+1:]...)
			return nil
		}
	}
	return &services.APIError{StatusCode: http.StatusNotFound, Detail: "Conversation not found"}
}

func (f *fakeBackend) FetchHistory(_ context.Context, id models.ID) (models.Thread, []models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.historyErr != nil {
		return models.Thread{}, nil, f.historyErr
	}
	var thread models.Thread
	for _, t := range f.threads {
		if t.ID == id {
			thread = t
		}
	}
	return thread, append([]models.Message(nil), f.history[id]...), nil
}

func (f *fakeBackend) SendAndStream(_ context.Context, req models.GenerationRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamed = append(f.streamed, req)
	body := f.streamBody
	f.mu.Unlock()
	return body()
}

func (f *fakeBackend) SendAndWait(_ context.Context, req models.GenerationRequest) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, req)
	if f.waitErr != nil {
		return models.Message{}, f.waitErr
	}
	return models.Message{Role: models.RoleAssistant, Content: "ok"}, nil
}

func (f *fakeBackend) Usage(context.Context) (models.UsageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeBackend) setHistory(id models.ID, msgs []models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = msgs
}

func (f *fakeBackend) setHistoryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr = err
}

func (f *fakeBackend) setUsage(u models.UsageSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = u
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) streamRequests() []models.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GenerationRequest(nil), f.streamed...)
}

func (f *fakeBackend) waitRequests() []models.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GenerationRequest(nil), f.waited...)
}
