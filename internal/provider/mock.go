package provider

import (
	"context"
	"sync"
)

// MockGenerator is a scriptable Generator for tests. Responses are
// consumed in order; when the script runs out the last entry repeats.
type MockGenerator struct {
	AdapterName string
	ModelList   []string

	mu        sync.Mutex
	responses []mockResponse
	calls     []MockCall
}

// MockCall records one Generate invocation.
type MockCall struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
}

type mockResponse struct {
	text string
	err  error
}

// NewMockGenerator creates a mock that identifies as name.
func NewMockGenerator(name string, models ...string) *MockGenerator {
	return &MockGenerator{AdapterName: name, ModelList: models}
}

// Respond queues a successful response.
func (m *MockGenerator) Respond(text string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{text: text})
	return m
}

// Fail queues an error response.
func (m *MockGenerator) Fail(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Calls returns every recorded invocation.
func (m *MockGenerator) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

func (m *MockGenerator) Name() string { return m.AdapterName }

func (m *MockGenerator) Models() []string { return m.ModelList }

func (m *MockGenerator) Generate(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Model: model, SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if len(m.responses) == 0 {
		return "", Transient(context.DeadlineExceeded)
	}
	r := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return r.text, r.err
}
