package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a scriptable Client for tests. Responses are served in FIFO
// order, or by matching a substring of the user prompt when registered via
// RespondWhen.
type MockClient struct {
	mu        sync.Mutex
	queue     []string
	matchers  []mockMatcher
	failWith  error
	CallCount int
	Prompts   []string
}

type mockMatcher struct {
	substring string
	response  string
}

// NewMockClient creates a mock with a FIFO response queue.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{queue: responses}
}

// RespondWhen registers a response served whenever the user prompt contains
// the given substring. Matchers take priority over the FIFO queue.
func (m *MockClient) RespondWhen(substring, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchers = append(m.matchers, mockMatcher{substring: substring, response: response})
}

// FailWith makes every subsequent call return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Complete serves the next scripted response.
func (m *MockClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.Prompts = append(m.Prompts, user)

	if m.failWith != nil {
		return nil, m.failWith
	}

	for _, matcher := range m.matchers {
		if matcher.substring != "" && strings.Contains(user, matcher.substring) {
			return &Completion{Text: matcher.response, InputTokens: len(user) / 4, OutputTokens: len(matcher.response) / 4}, nil
		}
	}

	if len(m.queue) == 0 {
		return nil, fmt.Errorf("mock client: no scripted response for call %d", m.CallCount)
	}
	response := m.queue[0]
	m.queue = m.queue[1:]
	return &Completion{Text: response, InputTokens: len(user) / 4, OutputTokens: len(response) / 4}, nil
}

// Model returns the model identifier.
func (m *MockClient) Model() string {
	return "mock-model"
}
