// Package testutil provides test doubles for the gateway package.
package testutil

import (
	"context"
	"sync"

	"github.com/manifestdev/manifest/gateway"
)

// MockClient is a thread-safe mock Gateway client for testing. It captures
// the context passed to Complete() and returns configured responses in
// sequence.
//
// Usage:
//
//	mock := &MockClient{
//	    Responses: []*gateway.Response{
//	        {Content: `{"result": "success"}`, Model: "test-model"},
//	    },
//	}
type MockClient struct {
	mu              sync.Mutex
	capturedContext context.Context
	capturedReqs    []gateway.Request
	Responses       []*gateway.Response
	Err             error
	callCount       int
	responseIndex   int
}

// Complete returns the next configured response, or Err if set.
func (m *MockClient) Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.capturedReqs = append(m.capturedReqs, req)
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	return &gateway.Response{Content: "", Model: "test-model"}, nil
}

// GetCapturedContext returns the last context passed to Complete().
func (m *MockClient) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCapturedRequests returns every request passed to Complete(), in order.
func (m *MockClient) GetCapturedRequests() []gateway.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.Request(nil), m.capturedReqs...)
}

// GetCallCount returns the number of times Complete() was called.
func (m *MockClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset clears the mock's recorded state, for reuse across test cases.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.capturedContext = nil
	m.capturedReqs = nil
}
