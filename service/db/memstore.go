package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/chainquery/service/chain"
)

// MemStore is an in-memory implementation of the Store method set.
// It backs STORE_BACKEND=memory and doubles as the fake used in tests.
type MemStore struct {
	mu           sync.RWMutex
	queries      []*Query
	transactions map[string]*Transaction
	wallets      map[string]*Wallet
	nextQueryID  int64
	nextTxnID    int64
	now          func() time.Time

	// Injected failures, for tests.
	createQueryErr error
	factErr        error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		transactions: make(map[string]*Transaction),
		wallets:      make(map[string]*Wallet),
		nextQueryID:  1,
		nextTxnID:    1,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for created/updated timestamps.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetCreateQueryError makes CreateQuery fail with err until reset with nil.
func (m *MemStore) SetCreateQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createQueryErr = err
}

// SetFactError makes InsertTransaction and UpsertWallet fail with err until reset with nil.
func (m *MemStore) SetFactError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factErr = err
}

// Migrate is a no-op for the in-memory store.
func (m *MemStore) Migrate(ctx context.Context) error { return nil }

// Ping always succeeds for the in-memory store.
func (m *MemStore) Ping(ctx context.Context) error { return nil }

// CreateQuery appends a query to the history.
func (m *MemStore) CreateQuery(ctx context.Context, params CreateQueryParams) (*Query, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createQueryErr != nil {
		return nil, m.createQueryErr
	}

	q := &Query{
		ID:             m.nextQueryID,
		Text:           params.Text,
		NormalizedText: params.NormalizedText,
		Answer:         params.Answer,
		CreatedAt:      m.now(),
	}
	m.nextQueryID++
	m.queries = append(m.queries, q)

	copied := *q
	return &copied, nil
}

// GetQuery retrieves a query record by id.
func (m *MemStore) GetQuery(ctx context.Context, id int64) (*Query, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queries {
		if q.ID == id {
			copied := *q
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// RecentQueries returns up to limit query records, newest first.
func (m *MemStore) RecentQueries(ctx context.Context, limit int) ([]*Query, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyQueries(m.recent(limit)), nil
}

// RecentQueriesByKey returns the records stored under key among the lookback
// most recent queries, newest first.
func (m *MemStore) RecentQueriesByKey(ctx context.Context, key string, lookback int) ([]*Query, error) {
	if err := checkLimit(lookback); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*Query, 0)
	for _, q := range m.recent(lookback) {
		if q.NormalizedText == key {
			matches = append(matches, q)
		}
	}
	return copyQueries(matches), nil
}

// recent returns up to limit records, newest first. Callers hold the lock.
func (m *MemStore) recent(limit int) []*Query {
	sorted := make([]*Query, len(m.queries))
	copy(sorted, m.queries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func copyQueries(queries []*Query) []*Query {
	result := make([]*Query, len(queries))
	for i, q := range queries {
		copied := *q
		result[i] = &copied
	}
	return result
}

// InsertTransaction records a transaction fact unless its hash is already stored.
func (m *MemStore) InsertTransaction(ctx context.Context, params InsertTransactionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factErr != nil {
		return false, m.factErr
	}
	if _, exists := m.transactions[params.Hash]; exists {
		return false, nil
	}

	now := m.now()
	ts := params.Timestamp
	if ts.IsZero() {
		ts = now
	}
	m.transactions[params.Hash] = &Transaction{
		ID:        m.nextTxnID,
		Hash:      params.Hash,
		From:      chain.NormalizeAddress(params.From),
		To:        chain.NormalizeAddress(params.To),
		Amount:    params.Amount,
		Timestamp: ts,
		CreatedAt: now,
	}
	m.nextTxnID++
	return true, nil
}

// ListTransactions returns transaction facts, most recent first.
func (m *MemStore) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	if err := checkLimit(params.Limit); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	address := chain.NormalizeAddress(params.Address)
	search := strings.ToLower(params.Search)

	result := make([]*Transaction, 0)
	for _, t := range m.transactions {
		if address != "" && t.From != address && t.To != address {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Hash), search) &&
			!strings.Contains(t.From, search) &&
			!strings.Contains(t.To, search) {
			continue
		}
		copied := *t
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > int(params.Limit) {
		result = result[:params.Limit]
	}
	return result, nil
}

// UpsertWallet records a wallet fact; the latest balance wins.
func (m *MemStore) UpsertWallet(ctx context.Context, params UpsertWalletParams) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factErr != nil {
		return nil, m.factErr
	}

	chainKind := params.Chain
	if chainKind == "" {
		chainKind = string(chain.KindUnknown)
	}
	w := &Wallet{
		Address:     chain.NormalizeAddress(params.Address),
		Balance:     params.Balance,
		Chain:       chainKind,
		LastUpdated: m.now(),
	}
	m.wallets[w.Address] = w

	copied := *w
	return &copied, nil
}

// GetWallet retrieves a wallet fact by address, case-insensitively.
func (m *MemStore) GetWallet(ctx context.Context, address string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[chain.NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *w
	return &copied, nil
}

// ListWallets returns wallet facts, most recently updated first.
func (m *MemStore) ListWallets(ctx context.Context, limit int32) ([]*Wallet, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		copied := *w
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastUpdated.Equal(result[j].LastUpdated) {
			return result[i].LastUpdated.After(result[j].LastUpdated)
		}
		return result[i].Address < result[j].Address
	})
	if len(result) > int(limit) {
		result = result[:limit]
	}
	return result, nil
}
