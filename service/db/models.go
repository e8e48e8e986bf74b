package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/chainquery/service/answer"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrInvalidLimit is returned by list operations given a limit below 1.
var ErrInvalidLimit = errors.New("limit must be at least 1")

func checkLimit[T int | int32](limit T) error {
	if limit < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// Query is a question that was answered and accepted into the history.
// Records are immutable once created.
type Query struct {
	ID   int64  `json:"id"`
	Text string `json:"query"`
	// NormalizedText is the cache key the record was stored under.
	NormalizedText string        `json:"-"`
	Answer         answer.Answer `json:"answer"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Transaction is a transaction fact extracted from a transaction answer.
// From and To are stored lower-cased.
type Transaction struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is a wallet fact upserted from a wallet answer.
// Address is stored lower-cased; Chain is the family it was classified as.
type Wallet struct {
	Address     string    `json:"address"`
	Balance     string    `json:"balance"`
	Chain       string    `json:"chain"`
	LastUpdated time.Time `json:"last_updated"`
}

// InsertTransactionParams contains the parameters for recording a transaction fact.
type InsertTransactionParams struct {
	Hash      string
	From      string
	To        string
	Amount    string
	Timestamp time.Time
}

// ListTransactionsParams filters a transaction listing.
// Address matches either side case-insensitively; Search is a substring of
// hash, from or to.
type ListTransactionsParams struct {
	Address string
	Search  string
	Limit   int32
}

// UpsertWalletParams contains the parameters for recording a wallet fact.
type UpsertWalletParams struct {
	Address string
	Balance string
	Chain   string
}
