package capability

import (
	"encoding/json"
	"sync"
	"time"
)

// Registry resolves Purposes to endpoint fallback chains and tracks basic
// endpoint health so a repeatedly failing endpoint can be skipped without
// waiting for its retry budget to exhaust on every call.
type Registry struct {
	mu        sync.RWMutex
	purposes  map[Purpose]*PurposeConfig
	endpoints map[string]*EndpointConfig
	defaults  *DefaultsConfig
	health    map[string]*endpointHealth
}

// endpointHealth tracks a simple open/closed circuit per endpoint.
type endpointHealth struct {
	consecutiveFailures int
	openUntil           time.Time
}

// unhealthyThreshold is the number of consecutive failures before an
// endpoint's circuit opens.
const unhealthyThreshold = 3

// unhealthyCooldown is how long an opened circuit stays open before the
// endpoint is tried again.
const unhealthyCooldown = 30 * time.Second

// PurposeConfig defines model preferences for a purpose.
type PurposeConfig struct {
	// Description explains what this purpose is for.
	Description string `json:"description"`

	// Preferred lists endpoint names in order of preference. The first
	// available endpoint is used.
	Preferred []string `json:"preferred"`

	// Fallback lists backup endpoints tried if all preferred endpoints fail.
	Fallback []string `json:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, ollama, openai).
	Provider string `json:"provider"`

	// URL is the API endpoint URL (empty uses the provider default).
	URL string `json:"url,omitempty"`

	// Model is the actual model identifier sent to the provider.
	Model string `json:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty"`

	// CostPerInputToken and CostPerOutputToken, in USD, feed the Gateway's
	// cost ledger (see gateway.Ledger).
	CostPerInputToken  float64 `json:"cost_per_input_token,omitempty"`
	CostPerOutputToken float64 `json:"cost_per_output_token,omitempty"`
}

// DefaultsConfig holds the fallback endpoint used when a purpose has no
// configuration of its own.
type DefaultsConfig struct {
	Endpoint string `json:"endpoint"`
}

// NewRegistry creates a Registry from explicit configuration.
func NewRegistry(purposes map[Purpose]*PurposeConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		purposes:  purposes,
		endpoints: endpoints,
		defaults:  &DefaultsConfig{Endpoint: "default"},
		health:    make(map[string]*endpointHealth),
	}
}

// NewDefaultRegistry returns a Registry with sensible defaults covering all
// five purposes, used when no configuration file is present.
func NewDefaultRegistry() *Registry {
	return &Registry{
		purposes: map[Purpose]*PurposeConfig{
			PurposeParse: {
				Description: "Parse a raw intent message into structured form",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku"},
			},
			PurposeAnalyze: {
				Description: "Analyze the codebase for relevant files and patterns",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku"},
			},
			PurposeSpec: {
				Description: "Synthesize assertions, test-suite text, and contracts",
				Preferred:   []string{"claude-opus", "claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			PurposeImplement: {
				Description: "Generate one candidate implementation",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen", "codellama"},
			},
			PurposeScore: {
				Description: "Assess readability of a passing attempt",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
		},
		endpoints: map[string]*EndpointConfig{
			"claude-opus": {
				Provider:           "anthropic",
				Model:              "claude-opus-4-5-20251101",
				MaxTokens:          200000,
				CostPerInputToken:  15.0 / 1_000_000,
				CostPerOutputToken: 75.0 / 1_000_000,
			},
			"claude-sonnet": {
				Provider:           "anthropic",
				Model:              "claude-sonnet-4-20250514",
				MaxTokens:          200000,
				CostPerInputToken:  3.0 / 1_000_000,
				CostPerOutputToken: 15.0 / 1_000_000,
			},
			"claude-haiku": {
				Provider:           "anthropic",
				Model:              "claude-haiku-3-5-20241022",
				MaxTokens:          200000,
				CostPerInputToken:  0.8 / 1_000_000,
				CostPerOutputToken: 4.0 / 1_000_000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5-coder:14b",
				MaxTokens: 128000,
			},
			"codellama": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "codellama",
				MaxTokens: 16384,
			},
		},
		defaults: &DefaultsConfig{Endpoint: "qwen"},
		health:   make(map[string]*endpointHealth),
	}
}

// GetFallbackChain returns every endpoint name configured for a purpose, in
// preference order, regardless of current health.
func (r *Registry) GetFallbackChain(p Purpose) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.purposes[p]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Endpoint}
}

// GetAvailableFallbackChain is like GetFallbackChain but skips endpoints
// whose circuit is currently open.
func (r *Registry) GetAvailableFallbackChain(p Purpose) []string {
	chain := r.GetFallbackChain(p)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	return available
}

// GetEndpoint returns the endpoint configuration for a model name, or nil
// if unconfigured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// IsEndpointAvailable reports whether the named endpoint's circuit is
// closed (i.e. it has not failed enough times recently to be skipped).
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[name]
	if !ok {
		return true
	}
	return time.Now().After(h.openUntil)
}

// MarkEndpointSuccess resets an endpoint's failure count.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.health[name]; ok {
		h.consecutiveFailures = 0
		h.openUntil = time.Time{}
	}
}

// MarkEndpointFailure records a failed call; after unhealthyThreshold
// consecutive failures the endpoint's circuit opens for unhealthyCooldown.
func (r *Registry) MarkEndpointFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[name]
	if !ok {
		h = &endpointHealth{}
		r.health[name] = h
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= unhealthyThreshold {
		h.openUntil = time.Now().Add(unhealthyCooldown)
	}
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetPurpose updates or adds a purpose configuration.
func (r *Registry) SetPurpose(p Purpose, cfg *PurposeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.purposes == nil {
		r.purposes = make(map[Purpose]*PurposeConfig)
	}
	r.purposes[p] = cfg
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Purposes  map[Purpose]*PurposeConfig `json:"purposes"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
		Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
	}{
		Purposes:  r.purposes,
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the registry.
func (r *Registry) UnmarshalJSON(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tmp struct {
		Purposes  map[Purpose]*PurposeConfig `json:"purposes"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
		Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	r.purposes = tmp.Purposes
	r.endpoints = tmp.Endpoints
	r.defaults = tmp.Defaults
	if r.health == nil {
		r.health = make(map[string]*endpointHealth)
	}
	return nil
}
