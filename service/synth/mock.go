package synth

import (
	"context"
	"sync"
)

// Call records one Complete invocation on a MockSynthesizer.
type Call struct {
	SystemPrompt string
	UserPrompt   string
}

// MockSynthesizer is a scripted Synthesizer for tests. Responses are
// returned in order; once exhausted the last one repeats.
type MockSynthesizer struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []Call
}

// NewMockSynthesizer creates a mock that answers with the given responses.
func NewMockSynthesizer(responses ...string) *MockSynthesizer {
	return &MockSynthesizer{responses: responses}
}

// Name returns "mock".
func (m *MockSynthesizer) Name() string { return "mock" }

// Complete records the call and returns the next scripted response.
func (m *MockSynthesizer) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", ErrEmptyCompletion
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

// SetResponses replaces the scripted responses.
func (m *MockSynthesizer) SetResponses(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
}

// SetError makes every call fail with err until reset with nil.
func (m *MockSynthesizer) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns a copy of the recorded calls.
func (m *MockSynthesizer) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns the number of Complete calls.
func (m *MockSynthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
