package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/manifestdev/manifest/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal Provider used only by this test file. It is
// registered under a distinct name per test to avoid collisions with the
// real providers package.
type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) BuildURL(baseURL string) string { return baseURL }

func (f *fakeProvider) SetHeaders(req *http.Request) {}

func (f *fakeProvider) BuildRequestBody(purpose capability.Purpose, model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (f *fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &Response{Content: parsed.Content, Model: model}, nil
}

func newTestRegistry(t *testing.T, url string, providerName string) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry(
		map[capability.Purpose]*capability.PurposeConfig{
			capability.PurposeImplement: {Preferred: []string{"test-endpoint"}},
		},
		map[string]*capability.EndpointConfig{
			"test-endpoint": {Provider: providerName, URL: url, Model: "test-model"},
		},
	)
	return r
}

func TestCompleteSuccess(t *testing.T) {
	providerName := "fake-success"
	RegisterProvider(&fakeProvider{name: providerName})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "hello world"})
	}))
	defer server.Close()

	registry := newTestRegistry(t, server.URL, providerName)
	client := NewClient(registry)

	resp, err := client.Complete(context.Background(), Request{
		Purpose:  capability.PurposeImplement,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCompleteRequiresPurpose(t *testing.T) {
	registry := capability.NewDefaultRegistry()
	client := NewClient(registry)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestCompleteRequiresMessages(t *testing.T) {
	registry := capability.NewDefaultRegistry()
	client := NewClient(registry)

	_, err := client.Complete(context.Background(), Request{Purpose: capability.PurposeParse})
	assert.Error(t, err)
}

func TestCompleteFatalErrorStopsFallback(t *testing.T) {
	providerName := "fake-fatal"
	RegisterProvider(&fakeProvider{name: providerName})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}))
	defer server.Close()

	registry := newTestRegistry(t, server.URL, providerName)
	client := NewClient(registry, WithRetryConfig(RetryConfig{MaxAttempts: 1}))

	_, err := client.Complete(context.Background(), Request{
		Purpose:  capability.PurposeImplement,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestCompleteCostCeilingBlocksCall(t *testing.T) {
	providerName := "fake-ceiling"
	RegisterProvider(&fakeProvider{name: providerName})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "hi"})
	}))
	defer server.Close()

	registry := newTestRegistry(t, server.URL, providerName)
	registry.SetEndpoint("test-endpoint", &capability.EndpointConfig{
		Provider: providerName, URL: server.URL, Model: "test-model",
		CostPerInputToken: 1.0, CostPerOutputToken: 1.0,
	})
	client := NewClient(registry)

	ledger := NewLedger(0.0000001)
	_, err := client.Complete(context.Background(), Request{
		Purpose:  capability.PurposeImplement,
		Messages: []Message{{Role: "user", Content: "this prompt is long enough to cost something"}},
		MaxTokens: 1000,
		Ledger:    ledger,
	})

	require.Error(t, err)
	assert.True(t, IsCostCeiling(err))
}

func TestCalculateBackoffRespectsMax(t *testing.T) {
	c := NewClient(capability.NewDefaultRegistry(), WithRetryConfig(RetryConfig{
		MaxAttempts: 5, BackoffBase: 1, BackoffMultiplier: 100, MaxBackoff: 10,
	}))
	for attempt := 1; attempt <= 5; attempt++ {
		backoff := c.calculateBackoff(attempt)
		maxBackoffNanos := 10.0 * 1.25
		assert.LessOrEqual(t, backoff.Nanoseconds(), int64(maxBackoffNanos)+1)
	}
}
