package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an opaque identifier assigned by the backend. It decodes from both JSON strings and JSON
// numbers, because backends differ in how they expose their primary keys, and always encodes as a string.
type ID string

// Message represents an individual entry of a thread transcript. Messages created locally carry only a
// LocalID until the backend's authoritative history replaces them; messages fetched from the backend
// carry both the server ID and token accounting.
type Message struct {
	ID   ID   `json:"id,omitempty"`
	Role Role `json:"role"`
	// Content is mutable while Status is StatusStreaming and immutable afterwards.
	Content string `json:"content"`

	// LocalID is the client-only correlation key. It is the only stable handle while ID is empty.
	LocalID string `json:"-"`
	Status  Status `json:"-"`

	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Role represents the role of a message participant.
type Role string

// Status represents the lifecycle state of a message in the transcript.
type Status string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the assistant.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used when building a model context, it never appears in a transcript.
	RoleSystem Role = "system"

	// StatusFinal marks a message whose content won't change anymore.
	StatusFinal Status = "final"
	// StatusStreaming marks the assistant draft that is receiving tokens.
	StatusStreaming Status = "streaming"
	// StatusErrored marks a draft whose generation failed or was stopped.
	StatusErrored Status = "errored"
)

// ErrorContent returns the inline content that replaces a failed draft.
func ErrorContent(reason string) string {
	return "Error: " + reason
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseInt(string(data), 10, 64); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(data)
	return nil
}

func (id ID) String() string {
	return string(id)
}
