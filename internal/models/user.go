package models

import "time"

// TokenKind separates short-lived access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// TokenGrant is what the backend knows about an issued token.
type TokenGrant struct {
	UserID    ID        `json:"user_id"`
	Kind      TokenKind `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UsageLog records the tokens consumed by one generation.
type UsageLog struct {
	UserID           ID        `json:"user_id"`
	ThreadID         ID        `json:"conversation_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// Expired reports whether the grant is no longer valid at now.
func (g TokenGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}
