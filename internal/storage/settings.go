package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/austinbrady/Assist-sub001/internal/backend"
)

// APIConfig is the user's stored backend configuration. Keys other than the
// two URLs are preferences owned by the extension UI and are kept as-is.
type APIConfig map[string]any

const (
	fieldLocalURL = "localBackendUrl"
	fieldCloudURL = "cloudBackendUrl"
)

func (c APIConfig) str(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c APIConfig) LocalBackendURL() string { return c.str(fieldLocalURL) }

func (c APIConfig) CloudBackendURL() string { return c.str(fieldCloudURL) }

// Merge returns a new config with patch applied on top of c. A nil value in
// patch removes the key.
func (c APIConfig) Merge(patch APIConfig) APIConfig {
	out := make(APIConfig, len(c)+len(patch))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Candidates resolves the effective candidates: stored URLs win, defaults
// fill the gaps. A stored empty string disables that candidate.
func (c APIConfig) Candidates(defaults backend.Candidates) backend.Candidates {
	out := defaults
	if v, ok := c[fieldLocalURL].(string); ok {
		out.LocalURL = v
	}
	if v, ok := c[fieldCloudURL].(string); ok {
		out.CloudURL = v
	}
	return out
}

// Settings reads and writes the auth token and apiConfig. Every call goes to
// the store; nothing is cached so token rotation is picked up immediately.
type Settings struct {
	store Store
	mu    sync.Mutex // serializes apiConfig read-modify-write
}

func NewSettings(store Store) *Settings {
	return &Settings{store: store}
}

// Token returns the stored auth token and whether one is set.
func (s *Settings) Token(ctx context.Context) (string, bool, error) {
	v, err := s.store.Get(ctx, KeyAuthToken)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read auth token: %w", err)
	}
	if len(v) == 0 {
		return "", false, nil
	}
	return string(v), true, nil
}

// SetToken stores token, or removes it when token is nil.
func (s *Settings) SetToken(ctx context.Context, token *string) error {
	if token == nil || *token == "" {
		if err := s.store.Delete(ctx, KeyAuthToken); err != nil {
			return fmt.Errorf("clear auth token: %w", err)
		}
		return nil
	}
	if err := s.store.Set(ctx, KeyAuthToken, []byte(*token)); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}
	return nil
}

// APIConfig returns the stored config, or nil when none was saved.
func (s *Settings) APIConfig(ctx context.Context) (APIConfig, error) {
	v, err := s.store.Get(ctx, KeyAPIConfig)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read api config: %w", err)
	}
	var cfg APIConfig
	if err := json.Unmarshal(v, &cfg); err != nil {
		return nil, fmt.Errorf("decode api config: %w", err)
	}
	return cfg, nil
}

// UpdateAPIConfig merges patch into the stored config and persists the result.
func (s *Settings) UpdateAPIConfig(ctx context.Context, patch APIConfig) (APIConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.APIConfig(ctx)
	if err != nil {
		return nil, err
	}
	merged := current.Merge(patch)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode api config: %w", err)
	}
	if err := s.store.Set(ctx, KeyAPIConfig, data); err != nil {
		return nil, fmt.Errorf("write api config: %w", err)
	}
	return merged, nil
}
