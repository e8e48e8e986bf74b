package nats

import (
	"time"

	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/db"
)

// QueryEvent is published to SubjectQueries after a question is answered and
// its Query record persisted.
type QueryEvent struct {
	QueryID    int64     `json:"query_id"`
	Query      string    `json:"query"`
	AnswerType string    `json:"answer_type"`
	Cached     bool      `json:"cached"`
	CreatedAt  time.Time `json:"created_at"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// TransactionEvent is published to SubjectTransactions when a transaction
// fact is stored for the first time.
type TransactionEvent struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// QueryID is the query whose answer produced this fact.
	QueryID int64 `json:"query_id"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// WalletEvent is published to SubjectWallets when a wallet fact is upserted.
type WalletEvent struct {
	Address     string    `json:"address"`
	Balance     string    `json:"balance"`
	Chain       string    `json:"chain"`
	LastUpdated time.Time `json:"last_updated"`
	QueryID     int64     `json:"query_id"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromDBQuery converts a stored query to a QueryEvent for publishing.
func FromDBQuery(q *db.Query, cached bool) *QueryEvent {
	return &QueryEvent{
		QueryID:     q.ID,
		Query:       q.Text,
		AnswerType:  string(q.Answer.Kind),
		Cached:      cached,
		CreatedAt:   q.CreatedAt,
		PublishedAt: time.Now().UTC(),
	}
}

// FromDBTransaction converts a stored transaction fact to a TransactionEvent.
// Addresses are normalized the way the store records them.
func FromDBTransaction(params db.InsertTransactionParams, queryID int64) *TransactionEvent {
	return &TransactionEvent{
		Hash:        params.Hash,
		From:        chain.NormalizeAddress(params.From),
		To:          chain.NormalizeAddress(params.To),
		Amount:      params.Amount,
		Timestamp:   params.Timestamp,
		QueryID:     queryID,
		PublishedAt: time.Now().UTC(),
	}
}

// FromDBWallet converts a stored wallet fact to a WalletEvent.
func FromDBWallet(w *db.Wallet, queryID int64) *WalletEvent {
	return &WalletEvent{
		Address:     w.Address,
		Balance:     w.Balance,
		Chain:       w.Chain,
		LastUpdated: w.LastUpdated,
		QueryID:     queryID,
		PublishedAt: time.Now().UTC(),
	}
}
