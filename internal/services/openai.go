package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for OpenAI and OpenAI-compatible APIs.
type OpenAI struct {
	apiKey       string
	defaultModel string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL targets the official API; any other
// value targets an OpenAI-compatible endpoint.
func NewOpenAI(apiKey, baseURL, defaultModel string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Complete is a wrapper around the OpenAI chat completion API.
func (o OpenAI) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	if o.apiKey == "" {
		return models.Completion{}, ErrMissingAPIKey
	}

	chatReq := o.chatRequest(req, false)
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return models.Completion{}, fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Completion{}, errors.New("no choices found")
	}

	return models.Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   chatReq.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream is a wrapper around the OpenAI streaming chat completion API. The usage is requested with
// the stream and reported on the last chunk.
func (o OpenAI) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[models.CompletionChunk, error] {
	return func(yield func(models.CompletionChunk, error) bool) {
		if o.apiKey == "" {
			yield(models.CompletionChunk{}, ErrMissingAPIKey)
			return
		}

		chatReq := o.chatRequest(req, true)
		o.logger.Debug("Request",
			slog.String("model", chatReq.Model),
			slog.Int("messages", len(chatReq.Messages)))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(models.CompletionChunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.CompletionChunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			var chunk models.CompletionChunk
			if len(response.Choices) > 0 {
				chunk.Delta = response.Choices[0].Delta.Content
			}
			if response.Usage != nil {
				chunk.Usage = &models.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}
			if chunk.Delta == "" && chunk.Usage == nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(req models.CompletionRequest, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	temperature := float32(req.Temperature)
	if temperature == 0 {
		// The field is omitted when zero, which makes the provider fall back to its default.
		temperature = math.SmallestNonzeroFloat32
	}
	chatReq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    openAIMessages(req.Messages),
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}
