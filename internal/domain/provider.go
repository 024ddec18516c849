package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig is an immutable snapshot of the model endpoint settings.
type ProviderConfig struct {
	BaseURL     string   `json:"baseUrl"`
	Model       string   `json:"model"`
	APIKey      string   `json:"apiKey,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// Validate checks the endpoint URL, model and sampling bounds.
func (c ProviderConfig) Validate() error {
	if err := ValidateHTTPURL(c.BaseURL); err != nil {
		return fmt.Errorf("provider: base url: %w", err)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("provider: model must not be empty")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("provider: temperature %v out of range [0,2]", *c.Temperature)
	}
	if c.MaxTokens < 0 {
		return errors.New("provider: max tokens must not be negative")
	}
	return nil
}

// SearchPolicy selects how the orchestrator decides to run a web search when
// the user enabled search for a turn.
type SearchPolicy string

const (
	// SearchPolicySentinel asks the model first and searches only when its
	// reply carries the search sentinel.
	SearchPolicySentinel SearchPolicy = "sentinel"
	// SearchPolicyAlways skips the decision call and searches with the user
	// text on every search-enabled turn.
	SearchPolicyAlways SearchPolicy = "always"
)

func (p SearchPolicy) Valid() bool {
	return p == SearchPolicySentinel || p == SearchPolicyAlways
}

// SearchConfig configures the search backend.
type SearchConfig struct {
	Enabled     bool         `json:"enabled"`
	BaseURL     string       `json:"baseUrl"`
	ResultLimit int          `json:"resultLimit"`
	Policy      SearchPolicy `json:"policy"`
}

// ValidateHTTPURL requires an absolute http or https URL with a host.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host must not be empty")
	}
	return nil
}
