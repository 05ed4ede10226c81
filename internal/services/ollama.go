package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	defaultModel string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and default model name. The
// host parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, defaultModel string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		defaultModel: defaultModel,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

func (o Ollama) chatRequest(req models.CompletionRequest, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	model := req.Model
	// Hosted model names mean nothing to a local server.
	if model == "" || strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "gemini-") {
		model = o.defaultModel
	}

	options := map[string]any{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	return &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}
}

// Complete sends a non-streaming chat request and returns the whole reply.
func (o Ollama) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	chatReq := o.chatRequest(req, false)

	var res models.Completion
	res.Model = chatReq.Model
	if err := o.client.Chat(ctx, chatReq, func(cr api.ChatResponse) error {
		res.Content += cr.Message.Content
		if cr.Done {
			res.Usage = ollamaUsage(cr.Metrics)
		}
		return nil
	}); err != nil {
		return models.Completion{}, fmt.Errorf("error sending request: %w", err)
	}

	return res, nil
}

// Stream implements the LLM interface by streaming responses from the Ollama model. The function
// returns an iterator that yields response chunks; the final chunk carries the token usage.
func (o Ollama) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[models.CompletionChunk, error] {
	return func(yield func(models.CompletionChunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, o.chatRequest(req, true), func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			chunk := models.CompletionChunk{Delta: res.Message.Content}
			if res.Done {
				usage := ollamaUsage(res.Metrics)
				chunk.Usage = &usage
			}
			if chunk.Delta == "" && chunk.Usage == nil {
				return nil
			}
			if !yield(chunk, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.CompletionChunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

func ollamaUsage(m api.Metrics) models.Usage {
	return models.Usage{
		PromptTokens:     m.PromptEvalCount,
		CompletionTokens: m.EvalCount,
		TotalTokens:      m.PromptEvalCount + m.EvalCount,
	}
}
