package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "ai_registry": {
    "purposes": {
      "parse": {"description": "parse intents", "preferred": ["local-model"], "fallback": []}
    },
    "endpoints": {
      "local-model": {"provider": "ollama", "model": "qwen2.5-coder:14b"}
    },
    "defaults": {"endpoint": "local-model"}
  }
}`

func TestLoadFromJSONWrapped(t *testing.T) {
	r, err := LoadFromJSON([]byte(sampleConfig))
	require.NoError(t, err)

	chain := r.GetFallbackChain(PurposeParse)
	assert.Equal(t, []string{"local-model"}, chain)
}

func TestLoadFromJSONBare(t *testing.T) {
	bare := `{
		"purposes": {"spec": {"preferred": ["claude-opus"]}},
		"endpoints": {"claude-opus": {"provider": "anthropic", "model": "claude-opus-4-5-20251101"}}
	}`
	r, err := LoadFromJSON([]byte(bare))
	require.NoError(t, err)

	assert.Equal(t, []string{"claude-opus"}, r.GetFallbackChain(PurposeSpec))
}

func TestMergeFromConfigOverwrites(t *testing.T) {
	r := NewDefaultRegistry()
	r.MergeFromConfig(&RegistryConfig{
		Purposes: map[string]*PurposeConfig{
			"parse": {Preferred: []string{"claude-haiku"}},
		},
	})

	assert.Equal(t, []string{"claude-haiku"}, r.GetFallbackChain(PurposeParse))
}

func TestToConfigRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()
	cfg := r.ToConfig()

	r2 := registryFromConfig(cfg)
	assert.Equal(t, r.GetFallbackChain(PurposeScore), r2.GetFallbackChain(PurposeScore))
}
