package services_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/ollama/ollama/api"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		model  string
		tokens int
		want   float64
	}{
		{model: "gpt-4o-mini", tokens: 1000, want: 0.0003},
		{model: "gpt-4o", tokens: 1500, want: 0.015},
		{model: "gemini-2.5-flash", tokens: 2000, want: 0.001},
		{model: "llama3.2", tokens: 1000, want: 0.002},
		{model: "gpt-4o-mini", tokens: 100, want: 0},
		{model: "gpt-4o-mini", tokens: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.model, tt.tokens), func(t *testing.T) {
			assert.InDelta(t, tt.want, services.EstimateCost(tt.model, tt.tokens), 1e-9)
		})
	}
}

func TestFormatLLMError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "missing key",
			err:  fmt.Errorf("stream: %w", services.ErrMissingAPIKey),
			want: "Server AI configuration is missing. Please contact support.",
		},
		{
			name: "openai rate limit",
			err:  fmt.Errorf("error sending request: %w", &goopenai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}),
			want: "AI provider rate limit reached. Please try again shortly.",
		},
		{
			name: "quota",
			err:  errors.New("You exceeded your current quota, please check your plan"),
			want: "AI provider quota exceeded. Please check billing/credits.",
		},
		{
			name: "auth",
			err:  &goopenai.RequestError{HTTPStatusCode: http.StatusUnauthorized, Err: errors.New("bad key")},
			want: "AI provider authentication failed. Please contact support.",
		},
		{
			name: "ollama missing model",
			err:  fmt.Errorf("error sending request: %w", api.StatusError{StatusCode: http.StatusNotFound, ErrorMessage: "model not found"}),
			want: "Selected AI model is unavailable. Please choose another model.",
		},
		{
			name: "outage",
			err:  &goopenai.APIError{HTTPStatusCode: http.StatusServiceUnavailable},
			want: "AI provider is temporarily unavailable. Please try again.",
		},
		{
			name: "generic",
			err:  errors.New("connection reset by peer"),
			want: "AI request failed. Please try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, services.FormatLLMError(tt.err))
		})
	}
}
