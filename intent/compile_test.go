package intent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/gateway/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644))
	return dir
}

func TestCompileHaltsOnUnclear(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"core":"x","unclear":["which database?"]}`},
	}}
	c := NewCompiler(mock, nil, newTempRepo(t), nil, 0)

	result, err := c.Compile(context.Background(), "intent:1", "make it better", 1)
	assert.ErrorIs(t, err, ErrClarificationNeeded)
	require.NotNil(t, result)
	require.NotNil(t, result.Parsed)
	assert.Equal(t, []string{"which database?"}, result.Parsed.Unclear)
	assert.Nil(t, result.Spec)
}

func TestCompileEmptyMessage(t *testing.T) {
	c := NewCompiler(&testutil.MockClient{}, nil, newTempRepo(t), nil, 0)
	_, err := c.Compile(context.Background(), "intent:1", "   ", 1)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestCompileProducesSpecification(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"core":"add auth","must":["use bcrypt"],"must_not":["touch migrations"],"done_when":["login succeeds with valid creds"],"unclear":[]}`},
		{Content: `{"relevant_files":["auth/handler.go"],"patterns":["table-driven tests"],"forbidden_zones":["migrations/**"],"integration_points":["auth/handler.go"]}`},
		{Content: `{"assertions":[{"description":"valid login succeeds","test_text":"func TestLogin(t *testing.T) {}","weight":8}],"test_suite_text":"package auth_test","type_contract_text":"type Authenticator interface{}","may_touch":["auth/handler.go"],"must_not_touch":[]}`},
	}}

	c := NewCompiler(mock, gateway.NewLedger(0), newTempRepo(t), nil, 0)
	result, err := c.Compile(context.Background(), "intent:1", "add email/password auth", 1)
	require.NoError(t, err)
	require.NotNil(t, result.Spec)

	spec := result.Spec
	assert.Equal(t, "intent:1", spec.IntentID)
	assert.Equal(t, 1, spec.Version)
	require.Len(t, spec.Assertions, 1)
	assert.Equal(t, 8, spec.Assertions[0].Weight)
	assert.Contains(t, spec.MayTouch, "auth/handler.go")
	assert.Contains(t, spec.MustNotTouch, "migrations/**")

	// Deterministic: recompiling identical inputs against an identical
	// mocked response sequence yields the same Specification ID.
	mock2 := &testutil.MockClient{Responses: mock.Responses}
	c2 := NewCompiler(mock2, gateway.NewLedger(0), newTempRepo(t), nil, 0)
	result2, err := c2.Compile(context.Background(), "intent:1", "add email/password auth", 1)
	require.NoError(t, err)
	assert.Equal(t, spec.ID, result2.Spec.ID)
}

func TestCompileRejectsOverlappingTouchSets(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"core":"x","done_when":["y happens"],"unclear":[]}`},
		{Content: `{"relevant_files":[],"integration_points":["shared/util.go"],"forbidden_zones":["shared/util.go"]}`},
		{Content: `{"assertions":[{"description":"d","test_text":"t","weight":5}],"may_touch":[],"must_not_touch":[]}`},
	}}
	c := NewCompiler(mock, nil, newTempRepo(t), nil, 0)
	_, err := c.Compile(context.Background(), "intent:1", "do a thing", 1)
	assert.ErrorIs(t, err, ErrContradictoryConstraints)
}

func TestCompileRejectsEmptyAssertions(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"core":"x","done_when":["y happens"],"unclear":[]}`},
		{Content: `{"relevant_files":[]}`},
		{Content: `{"assertions":[]}`},
	}}
	c := NewCompiler(mock, nil, newTempRepo(t), nil, 0)
	_, err := c.Compile(context.Background(), "intent:1", "do a thing", 1)
	assert.ErrorIs(t, err, ErrNoTestableConditions)
}
