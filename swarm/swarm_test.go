package swarm

import (
	"context"
	"testing"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/gateway/testutil"
	"github.com/manifestdev/manifest/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() *store.Specification {
	return &store.Specification{
		ID:           "spec:1",
		IntentID:     "intent:1",
		Version:      1,
		MayTouch:     []string{"auth/**"},
		MustNotTouch: []string{"migrations/**"},
		Assertions:   []store.Assertion{{ID: "a1", TestText: "t", Weight: 5}},
	}
}

func validImplementResponse() *gateway.Response {
	return &gateway.Response{Content: `{"changes":[{"path":"auth/handler.go","action":"create","content":"package auth"}],"approach":"did it","confidence":0.8}`}
}

func TestRunGeneratesAttemptsPerStrategy(t *testing.T) {
	// Distinct content per response, so dedup keeps both Attempts.
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		validImplementResponse(),
		{Content: `{"changes":[{"path":"auth/login.go","action":"create","content":"package auth"}],"approach":"other","confidence":0.6}`},
	}}
	sw := New(mock, nil, nil, 0)

	attempts, err := sw.Run(context.Background(), testSpec(), config.StrategyDistribution{"vanilla": 2})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, store.StrategyVanilla, a.Strategy)
		assert.Equal(t, store.AttemptPending, a.Status)
	}
}

func TestRunDiscardsInvalidPaths(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"changes":[{"path":"migrations/001.sql","action":"create","content":"x"}],"confidence":0.5}`},
	}}
	sw := New(mock, nil, nil, 0)

	attempts, err := sw.Run(context.Background(), testSpec(), config.StrategyDistribution{"vanilla": 1})
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRunDedupesIdenticalContent(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		validImplementResponse(),
		validImplementResponse(),
	}}
	sw := New(mock, nil, nil, 0)

	attempts, err := sw.Run(context.Background(), testSpec(), config.StrategyDistribution{"vanilla": 2})
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestRunMutationDowngradesWithoutSibling(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		validImplementResponse(),
	}}
	sw := New(mock, nil, nil, 0)

	attempts, err := sw.Run(context.Background(), testSpec(), config.StrategyDistribution{"mutation": 1})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.StrategyVanilla, attempts[0].Strategy)
}

func TestRunStopsSubmittingWhenCostCeilingReached(t *testing.T) {
	ledger := gateway.NewLedger(1.0)
	require.NoError(t, ledger.CheckAndReserve(1.0)) // exhaust the ceiling up front

	mock := &testutil.MockClient{Responses: []*gateway.Response{validImplementResponse()}}
	sw := New(mock, ledger, nil, 0)

	attempts, err := sw.Run(context.Background(), testSpec(), config.StrategyDistribution{"vanilla": 5})
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Zero(t, mock.GetCallCount())
}
