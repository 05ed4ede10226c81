package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Thread represents a conversation container. The model and system prompt are the generation
// settings the backend last used for it.
type Thread struct {
	ID           ID        `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ThreadConfig is the payload used to create a thread.
type ThreadConfig struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// GenerationRequest is built fresh for every send and never mutated once issued. The same body is
// used by the streaming and the blocking endpoint.
type GenerationRequest struct {
	ThreadID     ID      `json:"conversation_id"`
	UserText     string  `json:"message"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// Settings holds the generation parameters a client applies to every new request.
type Settings struct {
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
	SystemPrompt string  `yaml:"systemPrompt"`
}

// UsageSummary aggregates the token usage of a user across all threads.
type UsageSummary struct {
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalTokens           int     `json:"total_tokens"`
	TotalEstimatedCostUSD float64 `json:"total_estimated_cost_usd"`
}

// User is the authenticated account as reported by the backend.
type User struct {
	ID        ID        `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Credentials identify a user at login. FullName is only used on signup.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// TokenPair is the bearer credential issued by the backend.
type TokenPair struct {
	AccessToken  string `json:"access_token" yaml:"accessToken"`
	RefreshToken string `json:"refresh_token" yaml:"refreshToken"`
	TokenType    string `json:"token_type,omitempty" yaml:"tokenType,omitempty"`
}

const (
	// DefaultModel is used when neither the thread nor the settings name a model.
	DefaultModel = "gpt-4o-mini"
	// DefaultSystemPrompt is the prompt new threads start with.
	DefaultSystemPrompt = "I am Nova Bot, your helpful AI assistant."
	// DefaultThreadTitle is the title of freshly created threads.
	DefaultThreadTitle = "New Chat"
	// DefaultTemperature and DefaultMaxTokens match the backend defaults.
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 700

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 1
	MaxMaxTokens   = 4000

	maxMessageLength      = 12000
	maxModelLength        = 120
	maxSystemPromptLength = 8000
)

var (
	ErrEmptyMessage       = errors.New("message is required")
	ErrMessageTooLong     = fmt.Errorf("message must be at most %d characters", maxMessageLength)
	ErrMissingThread      = errors.New("conversation_id is required")
	ErrInvalidTemperature = fmt.Errorf("temperature must be between %v and %v", MinTemperature, MaxTemperature)
	ErrInvalidMaxTokens   = fmt.Errorf("max_tokens must be between %d and %d", MinMaxTokens, MaxMaxTokens)
	ErrModelTooLong       = fmt.Errorf("model must be at most %d characters", maxModelLength)
	ErrPromptTooLong      = fmt.Errorf("system_prompt must be at most %d characters", maxSystemPromptLength)
)

// DefaultSettings returns the settings a fresh client starts with.
func DefaultSettings() Settings {
	return Settings{
		Model:        DefaultModel,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		SystemPrompt: DefaultSystemPrompt,
	}
}

// Validate checks the settings ranges.
func (s Settings) Validate() error {
	if err := ValidateTemperature(s.Temperature); err != nil {
		return err
	}
	if err := ValidateMaxTokens(s.MaxTokens); err != nil {
		return err
	}
	if utf8.RuneCountInString(s.Model) > maxModelLength {
		return ErrModelTooLong
	}
	if utf8.RuneCountInString(s.SystemPrompt) > maxSystemPromptLength {
		return ErrPromptTooLong
	}
	return nil
}

// Request builds the generation request for the given thread and text using these settings.
func (s Settings) Request(threadID ID, text string) GenerationRequest {
	return GenerationRequest{
		ThreadID:     threadID,
		UserText:     text,
		Model:        s.Model,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
		SystemPrompt: s.SystemPrompt,
	}
}

// Validate checks the request against the limits the backend enforces.
func (r GenerationRequest) Validate() error {
	if r.ThreadID == "" {
		return ErrMissingThread
	}
	if strings.TrimSpace(r.UserText) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(r.UserText) > maxMessageLength {
		return ErrMessageTooLong
	}
	if err := ValidateTemperature(r.Temperature); err != nil {
		return err
	}
	// Zero means "backend default" for requests that didn't set a limit.
	if r.MaxTokens != 0 {
		if err := ValidateMaxTokens(r.MaxTokens); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(r.Model) > maxModelLength {
		return ErrModelTooLong
	}
	if utf8.RuneCountInString(r.SystemPrompt) > maxSystemPromptLength {
		return ErrPromptTooLong
	}
	return nil
}

// ValidateTemperature reports whether t is an accepted sampling temperature.
func ValidateTemperature(t float64) error {
	if t < MinTemperature || t > MaxTemperature {
		return ErrInvalidTemperature
	}
	return nil
}

// ValidateMaxTokens reports whether n is an accepted completion limit.
func ValidateMaxTokens(n int) error {
	if n < MinMaxTokens || n > MaxMaxTokens {
		return ErrInvalidMaxTokens
	}
	return nil
}
