// Package settings persists user-editable settings as JSON values in a
// key-value backend.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relaychat/internal/domain"
)

const (
	KeySystemPrompt   = "system_prompt"
	KeyProviderConfig = "provider_config"
	KeySearchConfig   = "search_config"

	DefaultSystemPrompt  = "You are a helpful assistant."
	DefaultProviderURL   = "http://localhost:8080/v1"
	DefaultProviderModel = "llama-3"
	DefaultTemperature   = 0.7
	DefaultSearchURL     = "http://localhost:8888"
	DefaultSearchLimit   = 5
)

// ErrInvalidSetting marks a rejected write. Nothing is stored.
var ErrInvalidSetting = errors.New("settings: invalid value")

// KeyValue is the string key-value contract every settings backend
// satisfies. Get reports false for a missing key.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

func DefaultProviderConfig() domain.ProviderConfig {
	temp := DefaultTemperature
	return domain.ProviderConfig{
		BaseURL:     DefaultProviderURL,
		Model:       DefaultProviderModel,
		Temperature: &temp,
	}
}

func DefaultSearchConfig() domain.SearchConfig {
	return domain.SearchConfig{
		Enabled:     false,
		BaseURL:     DefaultSearchURL,
		ResultLimit: DefaultSearchLimit,
		Policy:      domain.SearchPolicySentinel,
	}
}

// Service reads and writes typed settings. Reads never fail: a missing,
// unreadable or invalid value yields the default and a warning.
type Service struct {
	kv     KeyValue
	logger *slog.Logger
}

func NewService(kv KeyValue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{kv: kv, logger: logger}
}

func (s *Service) SystemPrompt(ctx context.Context) string {
	var prompt string
	if !s.load(ctx, KeySystemPrompt, &prompt) || strings.TrimSpace(prompt) == "" {
		return DefaultSystemPrompt
	}
	return prompt
}

func (s *Service) SetSystemPrompt(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: SetSystemPrompt: prompt must not be empty", ErrInvalidSetting)
	}
	return s.store(ctx, KeySystemPrompt, prompt)
}

func (s *Service) ProviderConfig(ctx context.Context) domain.ProviderConfig {
	cfg := DefaultProviderConfig()
	if !s.load(ctx, KeyProviderConfig, &cfg) {
		return DefaultProviderConfig()
	}
	if cfg.Temperature == nil {
		temp := DefaultTemperature
		cfg.Temperature = &temp
	}
	if err := cfg.Validate(); err != nil {
		s.logger.Warn("settings: stored provider config invalid, using defaults", "err", err)
		return DefaultProviderConfig()
	}
	return cfg
}

func (s *Service) SetProviderConfig(ctx context.Context, cfg domain.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: SetProviderConfig: %w", ErrInvalidSetting, err)
	}
	return s.store(ctx, KeyProviderConfig, cfg)
}

func (s *Service) SearchConfig(ctx context.Context) domain.SearchConfig {
	cfg := DefaultSearchConfig()
	if !s.load(ctx, KeySearchConfig, &cfg) {
		return DefaultSearchConfig()
	}
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = DefaultSearchLimit
	}
	if cfg.Policy == "" {
		cfg.Policy = domain.SearchPolicySentinel
	}
	if !cfg.Policy.Valid() {
		s.logger.Warn("settings: unknown search policy, using sentinel", "policy", cfg.Policy)
		cfg.Policy = domain.SearchPolicySentinel
	}
	return cfg
}

func (s *Service) SetSearchConfig(ctx context.Context, cfg domain.SearchConfig) error {
	if cfg.Policy != "" && !cfg.Policy.Valid() {
		return fmt.Errorf("%w: SetSearchConfig: unknown policy %q", ErrInvalidSetting, cfg.Policy)
	}
	if cfg.ResultLimit < 0 {
		return fmt.Errorf("%w: SetSearchConfig: result limit must not be negative", ErrInvalidSetting)
	}
	if cfg.Enabled {
		if err := domain.ValidateHTTPURL(cfg.BaseURL); err != nil {
			return fmt.Errorf("%w: SetSearchConfig: base url: %w", ErrInvalidSetting, err)
		}
	}
	return s.store(ctx, KeySearchConfig, cfg)
}

// Reset removes every stored setting so the defaults apply again.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.kv.Clear(ctx); err != nil {
		return fmt.Errorf("settings: Reset: %w", err)
	}
	return nil
}

// load decodes the JSON value under key into out. It reports false when the
// key is missing or cannot be read.
func (s *Service) load(ctx context.Context, key string, out any) bool {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("settings: read failed, using default", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Warn("settings: malformed value, using default", "key", key, "err", err)
		return false
	}
	return true
}

func (s *Service) store(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("settings: store %s: %w", key, err)
	}
	return nil
}
