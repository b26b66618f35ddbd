package capability

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON configuration structure for the Gateway's
// purpose registry, matching the "ai_registry" key in a manifest config
// file.
type RegistryConfig struct {
	Purposes  map[string]*PurposeConfig  `json:"purposes"`
	Endpoints map[string]*EndpointConfig `json:"endpoints"`
	Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
}

// LoadFromFile loads a registry configuration from a JSON file. The file
// should contain an "ai_registry" key with the configuration.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data. Accepts either a full
// config with an "ai_registry" key or just the registry config.
func LoadFromJSON(data []byte) (*Registry, error) {
	var fullConfig struct {
		AIRegistry *RegistryConfig `json:"ai_registry"`
	}
	if err := json.Unmarshal(data, &fullConfig); err == nil && fullConfig.AIRegistry != nil {
		return registryFromConfig(fullConfig.AIRegistry), nil
	}

	var regConfig RegistryConfig
	if err := json.Unmarshal(data, &regConfig); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}

	return registryFromConfig(&regConfig), nil
}

// registryFromConfig converts a RegistryConfig to a Registry.
func registryFromConfig(cfg *RegistryConfig) *Registry {
	purposes := make(map[Purpose]*PurposeConfig, len(cfg.Purposes))
	for k, v := range cfg.Purposes {
		p := ParsePurpose(k)
		if p == "" {
			p = Purpose(k)
		}
		purposes[p] = v
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = &DefaultsConfig{Endpoint: "default"}
	}

	return &Registry{
		purposes:  purposes,
		endpoints: cfg.Endpoints,
		defaults:  defaults,
		health:    make(map[string]*endpointHealth),
	}
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	purposes := make(map[string]*PurposeConfig, len(r.purposes))
	for k, v := range r.purposes {
		purposes[string(k)] = v
	}

	return &RegistryConfig{
		Purposes:  purposes,
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	}
}

// MergeFromConfig merges configuration into an existing registry. Existing
// entries are overwritten by the new config.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range cfg.Purposes {
		p := ParsePurpose(k)
		if p == "" {
			p = Purpose(k)
		}
		r.purposes[p] = v
	}

	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}

	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
}
