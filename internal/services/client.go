package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/auth"
	"github.com/MegaGrindStone/nova-chat/internal/models"
)

// Client talks to the chat backend over HTTP. Every request carries the bearer credential held by
// the auth context it was created with.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *auth.Context

	logger *slog.Logger
}

// APIError is a non-success response of the backend.
type APIError struct {
	StatusCode int
	// Detail is the backend's human-readable explanation, if it gave one.
	Detail string
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	Conversation models.Thread    `json:"conversation"`
	Messages     []models.Message `json:"messages"`
}

// SendResponse is the body of the blocking send endpoint.
type SendResponse struct {
	UserMessage      models.Message `json:"user_message"`
	AssistantMessage models.Message `json:"assistant_message"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// ErrUnauthorized matches any APIError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// NewClient creates a client for the backend at baseURL, e.g. "http://localhost:8000/api". A nil
// httpClient uses a client without timeout, since streaming responses are long-lived.
func NewClient(baseURL string, httpClient *http.Client, ac *auth.Context, logger *slog.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		auth:       ac,
		logger:     logger.With(slog.String("module", "client")),
	}
}

// Authenticate logs in with creds and stores the issued credential in the auth context.
func (c Client) Authenticate(ctx context.Context, creds models.Credentials) (models.TokenPair, error) {
	var tokens models.TokenPair
	body := models.Credentials{Email: creds.Email, Password: creds.Password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", body, &tokens); err != nil {
		return models.TokenPair{}, err
	}
	if err := c.auth.Set(tokens); err != nil {
		return models.TokenPair{}, err
	}
	return tokens, nil
}

// Signup registers a new account. It doesn't log in.
func (c Client) Signup(ctx context.Context, creds models.Credentials) (models.User, error) {
	var user models.User
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signup", creds, &user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Refresh exchanges the held refresh token for a new credential.
func (c Client) Refresh(ctx context.Context) (models.TokenPair, error) {
	refresh := c.auth.RefreshToken()
	if refresh == "" {
		return models.TokenPair{}, ErrUnauthorized
	}

	var tokens models.TokenPair
	if err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: refresh}, &tokens); err != nil {
		return models.TokenPair{}, err
	}
	if err := c.auth.Set(tokens); err != nil {
		return models.TokenPair{}, err
	}
	return tokens, nil
}

// Me returns the authenticated user.
func (c Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Usage returns the token usage summary of the authenticated user.
func (c Client) Usage(ctx context.Context) (models.UsageSummary, error) {
	var usage models.UsageSummary
	if err := c.doJSON(ctx, http.MethodGet, "/users/usage/summary", nil, &usage); err != nil {
		return models.UsageSummary{}, err
	}
	return usage, nil
}

// ListThreads returns the user's threads, most recently updated first.
func (c Client) ListThreads(ctx context.Context) ([]models.Thread, error) {
	var threads []models.Thread
	if err := c.doJSON(ctx, http.MethodGet, "/chat/list", nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// CreateThread creates a thread with the given configuration.
func (c Client) CreateThread(ctx context.Context, cfg models.ThreadConfig) (models.Thread, error) {
	var thread models.Thread
	if err := c.doJSON(ctx, http.MethodPost, "/chat/new", cfg, &thread); err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// RenameThread changes the title of a thread.
func (c Client) RenameThread(ctx context.Context, id models.ID, title string) (models.Thread, error) {
	var thread models.Thread
	if err := c.doJSON(ctx, http.MethodPatch, "/chat/"+url.PathEscape(string(id)), renameRequest{Title: title}, &thread); err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// DeleteThread removes a thread and its history.
func (c Client) DeleteThread(ctx context.Context, id models.ID) error {
	return c.doJSON(ctx, http.MethodDelete, "/chat/"+url.PathEscape(string(id)), nil, nil)
}

// FetchHistory returns a thread and its messages in chronological order.
func (c Client) FetchHistory(ctx context.Context, id models.ID) (models.Thread, []models.Message, error) {
	var res HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(string(id)), nil, &res); err != nil {
		return models.Thread{}, nil, err
	}
	return res.Conversation, res.Messages, nil
}

// SendAndWait issues a blocking generation and returns the assistant message.
func (c Client) SendAndWait(ctx context.Context, req models.GenerationRequest) (models.Message, error) {
	var res SendResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/send", req, &res); err != nil {
		return models.Message{}, err
	}
	return res.AssistantMessage, nil
}

// SendAndStream issues a streaming generation and returns the event stream body. The caller must
// close it.
func (c Client) SendAndStream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error) {
	res, err := c.do(ctx, http.MethodPost, "/chat/send/stream", req, "text/event-stream")
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Detail == "" {
			apiErr.Detail = fmt.Sprintf("Streaming failed (%d)", apiErr.StatusCode)
		}
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		apiErr := readAPIError(res)
		if apiErr.Detail == "" {
			apiErr.Detail = fmt.Sprintf("Streaming failed (%d)", res.StatusCode)
		}
		return nil, apiErr
	}
	if res.Body == nil || res.Body == http.NoBody {
		return nil, &APIError{StatusCode: res.StatusCode, Detail: fmt.Sprintf("Streaming failed (%d)", res.StatusCode)}
	}
	return res.Body, nil
}

func (c Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.auth.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends a request. When the backend rejects the access token and a refresh token is held, the
// credential is refreshed once and the request retried. A failed refresh returns the original
// rejection as an *APIError.
func (c Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	send := func() (*http.Response, error) {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("error sending request: %w", err)
		}
		return res, nil
	}

	res, err := send()
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized || strings.HasPrefix(path, "/auth/") || c.auth.RefreshToken() == "" {
		return res, nil
	}

	rejected := readAPIError(res)
	res.Body.Close()
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Failed to refresh credential", slog.String("err", err.Error()))
		return nil, rejected
	}
	return send()
}

func (c Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	res, err := c.do(ctx, method, path, body, "")
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.logger.Debug("Backend response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", res.StatusCode))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return readAPIError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readAPIError(res *http.Response) *APIError {
	apiErr := &APIError{StatusCode: res.StatusCode}
	b, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var body errorResponse
	if err := json.Unmarshal(b, &body); err != nil {
		return apiErr
	}
	apiErr.Detail = parseDetail(body.Detail)
	return apiErr
}

// parseDetail accepts both a plain string and a list of validation errors, of which the first
// message is used.
func parseDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Msg)
	}
	return ""
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}
