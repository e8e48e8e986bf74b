package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	queries      []*QueryEvent
	transactions []*TransactionEvent
	wallets      []*WalletEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishQuery records the event and returns any configured error.
func (m *MockPublisher) PublishQuery(ctx context.Context, event *QueryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.queries = append(m.queries, event)
	return nil
}

// PublishTransaction records the event and returns any configured error.
func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transactions = append(m.transactions, event)
	return nil
}

// PublishWallet records the event and returns any configured error.
func (m *MockPublisher) PublishWallet(ctx context.Context, event *WalletEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.wallets = append(m.wallets, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// QueryEvents returns a copy of all published query events.
func (m *MockPublisher) QueryEvents() []*QueryEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*QueryEvent(nil), m.queries...)
}

// TransactionEvents returns a copy of all published transaction events.
func (m *MockPublisher) TransactionEvents() []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*TransactionEvent(nil), m.transactions...)
}

// WalletEvents returns a copy of all published wallet events.
func (m *MockPublisher) WalletEvents() []*WalletEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*WalletEvent(nil), m.wallets...)
}

// SetPublishError configures the mock to fail every publish with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = nil
	m.transactions = nil
	m.wallets = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
