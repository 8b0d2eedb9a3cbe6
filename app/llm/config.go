package llm

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

const (
	// model config validation limits
	minTemperature = 0.0
	maxTemperature = 2.0
	minMaxTokens   = 1
	maxMaxTokens   = 100000
	minTimeout     = time.Second
	maxTimeout     = 10 * time.Minute

	defaultMaxTokens   = 4000
	defaultTemperature = 0.2
	defaultTimeout     = 60 * time.Second
)

// ModelConfig describes a single OpenAI-compatible model endpoint.
type ModelConfig struct {
	Name        string        `yaml:"name" json:"name" jsonschema:"required,description=Unique model identifier used in API requests"`
	BaseURL     string        `yaml:"base_url" json:"base_url" jsonschema:"required,description=API base URL, e.g. https://api.deepseek.com/v1"`
	Model       string        `yaml:"model" json:"model" jsonschema:"required,description=Provider-side model name sent in requests"`
	APIKey      string        `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"description=API key, prefer api_key_env"`
	APIKeyEnv   string        `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty" jsonschema:"description=Environment variable holding the API key"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
}

// Defaults names the models used when a request does not pick one explicitly.
type Defaults struct {
	Generation string `yaml:"generation,omitempty" json:"generation,omitempty"`
	Evaluation string `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`
}

// Registry is the parsed models configuration file.
type Registry struct {
	Models   []ModelConfig `yaml:"models" json:"models" jsonschema:"required"`
	Defaults Defaults      `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// LoadRegistry reads and validates the models configuration file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read models config: %w", err)
	}

	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse models config: %w", err)
	}

	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("models config validation failed: %w", err)
	}

	return reg, nil
}

// Validate checks the registry for required fields and sane limits.
func (r *Registry) Validate() error {
	if len(r.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}

	seen := map[string]bool{}
	for i, m := range r.Models {
		if m.Name == "" {
			return fmt.Errorf("model %d: name is required", i+1)
		}
		if seen[m.Name] {
			return fmt.Errorf("model %d: duplicate name %q", i+1, m.Name)
		}
		seen[m.Name] = true

		if m.Model == "" {
			return fmt.Errorf("model %q: model is required", m.Name)
		}

		u, err := url.Parse(m.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("model %q: invalid base_url %q", m.Name, m.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("model %q: base_url scheme must be http or https", m.Name)
		}

		if m.MaxTokens != 0 && (m.MaxTokens < minMaxTokens || m.MaxTokens > maxMaxTokens) {
			return fmt.Errorf("model %q: max_tokens must be between %d and %d", m.Name, minMaxTokens, maxMaxTokens)
		}
		if m.Temperature != nil && (*m.Temperature < minTemperature || *m.Temperature > maxTemperature) {
			return fmt.Errorf("model %q: temperature must be between %.1f and %.1f", m.Name, minTemperature, maxTemperature)
		}
		if m.Timeout != 0 && (m.Timeout < minTimeout || m.Timeout > maxTimeout) {
			return fmt.Errorf("model %q: timeout must be between %s and %s", m.Name, minTimeout, maxTimeout)
		}
	}

	if r.Defaults.Generation != "" && !seen[r.Defaults.Generation] {
		return fmt.Errorf("defaults.generation references unknown model %q", r.Defaults.Generation)
	}
	if r.Defaults.Evaluation != "" && !seen[r.Defaults.Evaluation] {
		return fmt.Errorf("defaults.evaluation references unknown model %q", r.Defaults.Evaluation)
	}

	return nil
}

// Get returns the named model config with defaults filled in.
// Empty name falls back to defaults.generation, then to the first enabled model.
func (r *Registry) Get(name string) (ModelConfig, error) {
	if name == "" {
		name = r.Defaults.Generation
	}

	var found *ModelConfig
	if name == "" {
		for i := range r.Models {
			if r.Models[i].Enabled {
				found = &r.Models[i]
				break
			}
		}
		if found == nil {
			return ModelConfig{}, fmt.Errorf("no enabled models configured")
		}
	} else {
		for i := range r.Models {
			if r.Models[i].Name == name {
				found = &r.Models[i]
				break
			}
		}
		if found == nil {
			return ModelConfig{}, fmt.Errorf("model %q not found", name)
		}
		if !found.Enabled {
			return ModelConfig{}, fmt.Errorf("model %q is disabled", name)
		}
	}

	cfg := *found
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == nil {
		temp := defaultTemperature
		cfg.Temperature = &temp
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.APIKey == "" && cfg.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(cfg.APIKeyEnv)
	}
	return cfg, nil
}

// GetEvaluation is like Get but falls back to defaults.evaluation first.
func (r *Registry) GetEvaluation(name string) (ModelConfig, error) {
	if name == "" {
		name = r.Defaults.Evaluation
	}
	return r.Get(name)
}

// Available returns the names of all enabled models in config order.
func (r *Registry) Available() []string {
	names := []string{}
	for _, m := range r.Models {
		if m.Enabled {
			names = append(names, m.Name)
		}
	}
	return names
}

// GenerateSchema generates a JSON schema for the models configuration
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Registry{}), nil
}
