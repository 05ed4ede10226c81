package services

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/ollama/ollama/api"
	goopenai "github.com/sashabaranov/go-openai"
)

// ErrMissingAPIKey is returned by providers that were configured without a credential.
var ErrMissingAPIKey = errors.New("provider api key is missing")

var costPer1K = map[string]float64{
	"gpt-4o-mini":      0.0003,
	"gpt-4o":           0.01,
	"gemini-2.5-flash": 0.0005,
}

const defaultCostPer1K = 0.002

// EstimateCost returns the estimated USD cost of totalTokens on model, rounded to four decimals.
func EstimateCost(model string, totalTokens int) float64 {
	per1K, ok := costPer1K[model]
	if !ok {
		per1K = defaultCostPer1K
	}
	return math.Round(float64(totalTokens)/1000*per1K*10000) / 10000
}

// FormatLLMError maps a provider failure to the message shown to the user. Provider internals never
// leak to clients.
func FormatLLMError(err error) string {
	msg := strings.ToLower(err.Error())
	status := providerStatus(err)

	switch {
	case errors.Is(err, ErrMissingAPIKey):
		return "Server AI configuration is missing. Please contact support."
	case status == http.StatusTooManyRequests || strings.Contains(msg, "too many requests"):
		return "AI provider rate limit reached. Please try again shortly."
	case strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "exceeded your current quota"):
		return "AI provider quota exceeded. Please check billing/credits."
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "AI provider authentication failed. Please contact support."
	case status == http.StatusNotFound:
		return "Selected AI model is unavailable. Please choose another model."
	case status >= http.StatusInternalServerError:
		return "AI provider is temporarily unavailable. Please try again."
	default:
		return "AI request failed. Please try again."
	}
}

func providerStatus(err error) int {
	var oaiErr *goopenai.APIError
	if errors.As(err, &oaiErr) {
		return oaiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return ollamaErr.StatusCode
	}
	var ollamaPtrErr *api.StatusError
	if errors.As(err, &ollamaPtrErr) {
		return ollamaPtrErr.StatusCode
	}
	return 0
}
