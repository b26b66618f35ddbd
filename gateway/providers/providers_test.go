package providers

import (
	"encoding/json"
	"testing"

	"github.com/manifestdev/manifest/capability"
	"github.com/manifestdev/manifest/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBuildRequestBodyUsesPurposeSystemPromptWhenNoneExplicit(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody(capability.PurposeScore, "claude", []gateway.Message{
		{Role: "user", Content: "score this"},
	}, nil, 0)
	require.NoError(t, err)

	var req struct {
		System   string `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, gateway.SystemPromptFor(capability.PurposeScore), req.System)
	assert.Len(t, req.Messages, 1)
}

func TestAnthropicBuildRequestBodyPrefersExplicitSystemMessage(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody(capability.PurposeScore, "claude", []gateway.Message{
		{Role: "system", Content: "custom framing"},
		{Role: "user", Content: "score this"},
	}, nil, 0)
	require.NoError(t, err)

	var req struct {
		System string `json:"system"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "custom framing", req.System)
}

func TestOllamaBuildRequestBodyPrependsPurposeSystemMessage(t *testing.T) {
	p := &OllamaProvider{}
	body, err := p.BuildRequestBody(capability.PurposeImplement, "llama3", []gateway.Message{
		{Role: "user", Content: "implement this"},
	}, nil, 0)
	require.NoError(t, err)

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, gateway.SystemPromptFor(capability.PurposeImplement), req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestOpenAIInheritsOllamaPurposeFramingViaEmbedding(t *testing.T) {
	p := &OpenAIProvider{}
	body, err := p.BuildRequestBody(capability.PurposeParse, "gpt-4o", []gateway.Message{
		{Role: "user", Content: "parse this"},
	}, nil, 0)
	require.NoError(t, err)

	var req struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
}
