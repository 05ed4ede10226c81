package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

const (
	minPasswordLength = 8
	// bcrypt only hashes the first 72 bytes and rejects longer input.
	maxPasswordBytes = 72
)

// HandleSignup registers a new account. It answers with the created user and doesn't issue
// tokens; clients log in afterwards.
func (m Main) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !decodeJSON(w, r, &creds) {
		return
	}

	email := strings.TrimSpace(creds.Email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if utf8.RuneCountInString(creds.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", minPasswordLength))
		return
	}
	if len(creds.Password) > maxPasswordBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Password must be at most %d bytes", maxPasswordBytes))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), m.bcryptCost)
	if err != nil {
		m.logger.Error("Failed to hash password", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := m.store.AddUser(r.Context(), models.User{
		Email:    email,
		FullName: strings.TrimSpace(creds.FullName),
	}, string(hash))
	if err != nil {
		if errors.Is(err, services.ErrEmailExists) {
			writeError(w, http.StatusBadRequest, "Email already exists")
			return
		}
		m.logger.Error("Failed to add user", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	m.logger.Info("User signed up", slog.String("userID", string(user.ID)))
	writeJSON(w, http.StatusCreated, user)
}

// HandleLogin exchanges an email and password for a token pair.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !decodeJSON(w, r, &creds) {
		return
	}

	user, hash, err := m.store.UserByEmail(r.Context(), creds.Email)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			m.logger.Error("Failed to get user", slog.String("err", err.Error()))
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusForbidden, "Inactive user")
		return
	}

	tokens, err := m.issueTokens(r.Context(), user.ID)
	if err != nil {
		m.logger.Error("Failed to issue tokens", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// HandleRefresh rotates a refresh token: the presented one is revoked and a new pair is issued.
func (m Main) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	grant, err := m.store.Token(r.Context(), req.RefreshToken)
	if err != nil || grant.Kind != models.TokenRefresh || grant.Expired(time.Now()) {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	if err := m.store.DeleteToken(r.Context(), req.RefreshToken); err != nil {
		m.logger.Error("Failed to revoke refresh token", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	tokens, err := m.issueTokens(r.Context(), grant.UserID)
	if err != nil {
		m.logger.Error("Failed to issue tokens", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (m Main) issueTokens(ctx context.Context, userID models.ID) (models.TokenPair, error) {
	now := time.Now().UTC()
	pair := models.TokenPair{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		TokenType:    "bearer",
	}

	if err := m.store.AddToken(ctx, pair.AccessToken, models.TokenGrant{
		UserID:    userID,
		Kind:      models.TokenAccess,
		ExpiresAt: now.Add(m.accessTokenTTL),
	}); err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to store access token: %w", err)
	}
	if err := m.store.AddToken(ctx, pair.RefreshToken, models.TokenGrant{
		UserID:    userID,
		Kind:      models.TokenRefresh,
		ExpiresAt: now.Add(m.refreshTokenTTL),
	}); err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return pair, nil
}
