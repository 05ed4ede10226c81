package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type newChatRequest struct {
	Title        *string `json:"title"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
}

type renameChatRequest struct {
	Title string `json:"title"`
}

// sendRequest is the body of both send endpoints. Optional fields are pointers so that an absent
// field falls back to the thread or server default.
type sendRequest struct {
	ThreadID     models.ID `json:"conversation_id"`
	Message      string    `json:"message"`
	Temperature  *float64  `json:"temperature"`
	MaxTokens    *int      `json:"max_tokens"`
	Model        *string   `json:"model"`
	SystemPrompt *string   `json:"system_prompt"`
}

// generation is a validated send request resolved against its thread.
type generation struct {
	user         models.User
	thread       models.Thread
	text         string
	systemPrompt string
	request      models.CompletionRequest
}

const maxTitleLength = 255

const threadNotFoundDetail = "Conversation not found"

// HandleNewChat creates a thread. Missing fields take the defaults of a fresh thread.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	var req newChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	thread := models.Thread{
		Title:        models.DefaultThreadTitle,
		Model:        models.DefaultModel,
		SystemPrompt: models.DefaultSystemPrompt,
	}
	if req.Title != nil {
		thread.Title = *req.Title
	}
	if req.Model != nil {
		thread.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		thread.SystemPrompt = *req.SystemPrompt
	}
	if utf8.RuneCountInString(thread.Title) > maxTitleLength {
		writeError(w, http.StatusBadRequest, "title must be at most 255 characters")
		return
	}
	settings := models.Settings{
		Model:        thread.Model,
		Temperature:  models.DefaultTemperature,
		MaxTokens:    models.DefaultMaxTokens,
		SystemPrompt: thread.SystemPrompt,
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := userFromContext(r.Context())
	thread, err := m.store.AddThread(r.Context(), user.ID, thread)
	if err != nil {
		m.logger.Error("Failed to add thread", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// HandleListChats answers with the threads of the user, most recently updated first.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	threads, err := m.store.Threads(r.Context(), user.ID)
	if err != nil {
		m.logger.Error("Failed to get threads", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// HandleRenameChat changes the title of a thread.
func (m Main) HandleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req renameChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if n := utf8.RuneCountInString(req.Title); n < 1 || n > maxTitleLength {
		writeError(w, http.StatusBadRequest, "title must be between 1 and 255 characters")
		return
	}

	user := userFromContext(r.Context())
	thread, ok := m.ownedThread(w, r, user)
	if !ok {
		return
	}
	thread.Title = req.Title

	thread, err := m.store.UpdateThread(r.Context(), user.ID, thread)
	if err != nil {
		m.writeStoreError(w, "Failed to update thread", err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleDeleteChat removes a thread with its messages.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if err := m.store.DeleteThread(r.Context(), user.ID, models.ID(r.PathValue("id"))); err != nil {
		m.writeStoreError(w, "Failed to delete thread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleHistory answers with a thread and its messages in chronological order.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	thread, ok := m.ownedThread(w, r, user)
	if !ok {
		return
	}

	messages, err := m.store.Messages(r.Context(), thread.ID)
	if err != nil {
		m.writeStoreError(w, "Failed to get messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, services.HistoryResponse{
		Conversation: thread,
		Messages:     messages,
	})
}

// HandleSend answers a message with a single model call. Nothing is stored when the call fails.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	gen, ok := m.prepareGeneration(w, r)
	if !ok {
		return
	}

	ctx, span := m.tracer.Start(r.Context(), "chat.send", trace.WithAttributes(
		attribute.String("thread.id", string(gen.thread.ID)),
		attribute.String("model", gen.request.Model),
	))
	defer span.End()

	res, err := m.llm.Complete(ctx, gen.request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.recordGeneration(ctx, "send", "error")
		m.logger.Error("Error from llm provider",
			slog.String("threadID", string(gen.thread.ID)),
			slog.String("err", err.Error()))
		writeError(w, http.StatusBadGateway, services.FormatLLMError(err))
		return
	}
	if res.Model == "" {
		res.Model = gen.request.Model
	}

	userMsg, err := m.store.AddMessage(ctx, gen.thread.ID, models.Message{Role: models.RoleUser, Content: gen.text})
	if err != nil {
		m.writeStoreError(w, "Failed to add user message", err)
		return
	}
	aiMsg, err := m.completeGeneration(ctx, gen, res.Content, res.Model, res.Usage)
	if err != nil {
		m.writeStoreError(w, "Failed to store generation", err)
		return
	}

	m.recordGeneration(ctx, "send", "ok")
	writeJSON(w, http.StatusOK, services.SendResponse{
		UserMessage:      userMsg,
		AssistantMessage: aiMsg,
	})
}

// HandleSendStream answers a message as a server-sent event stream of token events closed by a
// done or an error event. The user message is stored before generation starts; the assistant
// message and its usage are stored before done is sent. A generation interrupted by the client
// leaves no assistant message.
func (m Main) HandleSendStream(w http.ResponseWriter, r *http.Request) {
	gen, ok := m.prepareGeneration(w, r)
	if !ok {
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// Nothing is sent before the first event, so failures up to here are plain JSON errors.
	if _, err := m.store.AddMessage(r.Context(), gen.thread.ID, models.Message{Role: models.RoleUser, Content: gen.text}); err != nil {
		m.writeStoreError(w, "Failed to add user message", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(m.closing, cancel)
	defer stopOnShutdown()

	ctx, span := m.tracer.Start(ctx, "chat.stream", trace.WithAttributes(
		attribute.String("thread.id", string(gen.thread.ID)),
		attribute.String("model", gen.request.Model),
	))
	defer span.End()

	logger := m.logger.With(slog.String("threadID", string(gen.thread.ID)))

	var content strings.Builder
	var usage models.Usage
	for chunk, err := range m.llm.Stream(ctx, gen.request) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.recordGeneration(ctx, "stream", "error")
			logger.Error("Error from llm provider", slog.String("err", err.Error()))
			_ = m.sendEvent(sess, stream.Event{Type: stream.EventError, Value: services.FormatLLMError(err)})
			return
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		content.WriteString(chunk.Delta)
		if err := m.sendEvent(sess, stream.Event{Type: stream.EventToken, Value: chunk.Delta}); err != nil {
			logger.Debug("Client went away", slog.String("err", err.Error()))
			return
		}
	}
	if ctx.Err() != nil {
		m.recordGeneration(ctx, "stream", "cancelled")
		logger.Info("Generation cancelled", slog.String("err", ctx.Err().Error()))
		return
	}

	if _, err := m.completeGeneration(ctx, gen, content.String(), gen.request.Model, usage); err != nil {
		logger.Error("Failed to store generation", slog.String("err", err.Error()))
		detail := "AI request failed. Please try again."
		if errors.Is(err, services.ErrNotFound) {
			detail = threadNotFoundDetail
		}
		_ = m.sendEvent(sess, stream.Event{Type: stream.EventError, Value: detail})
		return
	}

	m.recordGeneration(ctx, "stream", "ok")
	_ = m.sendEvent(sess, stream.Event{Type: stream.EventDone})
}

// prepareGeneration validates the send request and resolves it against the user's thread and its
// latest messages. It writes the error response itself when it returns false.
func (m Main) prepareGeneration(w http.ResponseWriter, r *http.Request) (generation, bool) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return generation{}, false
	}

	gr := models.GenerationRequest{
		ThreadID:    req.ThreadID,
		UserText:    req.Message,
		Temperature: models.DefaultTemperature,
		MaxTokens:   models.DefaultMaxTokens,
	}
	if req.Temperature != nil {
		gr.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		if err := models.ValidateMaxTokens(*req.MaxTokens); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return generation{}, false
		}
		gr.MaxTokens = *req.MaxTokens
	}
	if req.Model != nil {
		gr.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		gr.SystemPrompt = *req.SystemPrompt
	}
	if err := gr.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return generation{}, false
	}

	user := userFromContext(r.Context())
	thread, err := m.store.Thread(r.Context(), user.ID, gr.ThreadID)
	if err != nil {
		m.writeStoreError(w, "Failed to get thread", err)
		return generation{}, false
	}

	history, err := m.store.Messages(r.Context(), thread.ID)
	if err != nil {
		m.writeStoreError(w, "Failed to get messages", err)
		return generation{}, false
	}
	if len(history) > m.contextMessages {
		history = history[len(history)-m.contextMessages:]
	}

	model := gr.Model
	if model == "" {
		model = thread.Model
	}
	if model == "" {
		model = models.DefaultModel
	}

	// The thread's prompt applies to this generation, a new prompt takes effect from the next one.
	msgs := make([]models.Message, 0, len(history)+2)
	msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: thread.SystemPrompt})
	for _, msg := range history {
		msgs = append(msgs, models.Message{Role: msg.Role, Content: msg.Content})
	}
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: gr.UserText})

	return generation{
		user:         user,
		thread:       thread,
		text:         gr.UserText,
		systemPrompt: gr.SystemPrompt,
		request: models.CompletionRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: gr.Temperature,
			MaxTokens:   gr.MaxTokens,
		},
	}, true
}

// completeGeneration stores the assistant message and the usage of a finished generation, and
// records the model and prompt it used on the thread.
func (m Main) completeGeneration(
	ctx context.Context,
	gen generation,
	content, model string,
	usage models.Usage,
) (models.Message, error) {
	msg, err := m.store.AddMessage(ctx, gen.thread.ID, models.Message{
		Role:             models.RoleAssistant,
		Content:          content,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	})
	if err != nil {
		return models.Message{}, err
	}

	if err := m.store.AddUsage(ctx, models.UsageLog{
		UserID:           gen.user.ID,
		ThreadID:         gen.thread.ID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		EstimatedCostUSD: services.EstimateCost(model, usage.TotalTokens),
	}); err != nil {
		return models.Message{}, err
	}
	m.tokens.Add(ctx, int64(usage.TotalTokens), metric.WithAttributes(attribute.String("model", model)))

	// The thread may have been renamed while the reply was generated.
	thread, err := m.store.Thread(ctx, gen.user.ID, gen.thread.ID)
	if err != nil {
		return models.Message{}, err
	}
	thread.Model = gen.request.Model
	if gen.systemPrompt != "" {
		thread.SystemPrompt = gen.systemPrompt
	}
	if _, err := m.store.UpdateThread(ctx, gen.user.ID, thread); err != nil {
		return models.Message{}, err
	}

	return msg, nil
}

func (m Main) ownedThread(w http.ResponseWriter, r *http.Request, user models.User) (models.Thread, bool) {
	thread, err := m.store.Thread(r.Context(), user.ID, models.ID(r.PathValue("id")))
	if err != nil {
		m.writeStoreError(w, "Failed to get thread", err)
		return models.Thread{}, false
	}
	return thread, true
}

// writeStoreError answers 404 for missing or foreign threads and 500 otherwise.
func (m Main) writeStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, services.ErrNotFound) {
		writeError(w, http.StatusNotFound, threadNotFoundDetail)
		return
	}
	m.logger.Error(msg, slog.String("err", err.Error()))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (m Main) sendEvent(sess *sse.Session, e stream.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func (m Main) recordGeneration(ctx context.Context, mode, result string) {
	m.generations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
}
