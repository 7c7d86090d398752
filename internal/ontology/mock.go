package ontology

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is an in-memory Gateway for tests.
type MockGateway struct {
	mu        sync.Mutex
	classes   map[string][]Class
	proposals []Candidate
	failWith  error
	nextID    int
}

// NewMockGateway creates a mock with the given per-category class listings.
func NewMockGateway(classes map[string][]Class) *MockGateway {
	if classes == nil {
		classes = make(map[string][]Class)
	}
	return &MockGateway{classes: classes}
}

// FailWith makes every subsequent call return err, simulating an outage.
func (m *MockGateway) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Proposals returns the candidates submitted so far.
func (m *MockGateway) Proposals() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, len(m.proposals))
	copy(out, m.proposals)
	return out
}

// AddClass registers a class in a category listing.
func (m *MockGateway) AddClass(category string, class Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[category] = append(m.classes[category], class)
}

func (m *MockGateway) GetClasses(ctx context.Context, category string) ([]Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.classes[category], nil
}

func (m *MockGateway) SearchClasses(ctx context.Context, query, category string) ([]Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.classes[category], nil
}

func (m *MockGateway) GetClass(ctx context.Context, uri string) (*Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, classes := range m.classes {
		for _, class := range classes {
			if class.URI == uri {
				return &class, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
}

func (m *MockGateway) ProposeClass(ctx context.Context, candidate Candidate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	m.proposals = append(m.proposals, candidate)
	m.nextID++
	return fmt.Sprintf("http://ontserve.example.org/candidate/%s/%d", candidate.Category, m.nextID), nil
}

var _ Gateway = (*MockGateway)(nil)
