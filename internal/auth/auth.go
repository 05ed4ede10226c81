// Package auth holds the bearer credential that every backend request is issued with.
package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"gopkg.in/yaml.v3"
)

// TokenStore persists the credential between runs.
type TokenStore interface {
	Load() (models.TokenPair, error)
	Save(tokens models.TokenPair) error
	Clear() error
}

// Context is the explicit credential holder passed to request-issuing components. It is safe for
// concurrent use.
type Context struct {
	store TokenStore

	mu     sync.RWMutex
	tokens models.TokenPair
}

// FileStore keeps the credential in a YAML file only readable by the current user.
type FileStore struct {
	path string
}

// NewContext returns a context primed with the credential found in store. A nil store keeps the
// credential in memory only.
func NewContext(store TokenStore) (*Context, error) {
	c := &Context{store: store}
	if store == nil {
		return c, nil
	}
	tokens, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	c.tokens = tokens
	return c, nil
}

// Token returns the access token, or an empty string if there is none.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

// RefreshToken returns the refresh token, or an empty string if there is none.
func (c *Context) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.RefreshToken
}

// HasCredential reports whether an access token is held. Clients without one route to login.
func (c *Context) HasCredential() bool {
	return c.Token() != ""
}

// Set replaces the held credential and persists it.
func (c *Context) Set(tokens models.TokenPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = tokens
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(tokens); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear drops the held credential and its persisted copy.
func (c *Context) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = models.TokenPair{}
	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// NewFileStore returns a store backed by the file at path. The file is created on the first Save.
func NewFileStore(path string) FileStore {
	return FileStore{path: path}
}

// Load reads the credential. A missing file yields an empty credential.
func (f FileStore) Load() (models.TokenPair, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.TokenPair{}, nil
		}
		return models.TokenPair{}, fmt.Errorf("error reading credential file: %w", err)
	}

	var tokens models.TokenPair
	if err := yaml.Unmarshal(b, &tokens); err != nil {
		return models.TokenPair{}, fmt.Errorf("error decoding credential file: %w", err)
	}
	return tokens, nil
}

// Save writes the credential with 0600 permissions.
func (f FileStore) Save(tokens models.TokenPair) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("error creating credential directory: %w", err)
	}
	b, err := yaml.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("error encoding credential: %w", err)
	}
	if err := os.WriteFile(f.path, b, 0600); err != nil {
		return fmt.Errorf("error writing credential file: %w", err)
	}
	return nil
}

// Clear removes the credential file.
func (f FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error removing credential file: %w", err)
	}
	return nil
}
