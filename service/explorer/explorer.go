// Package explorer reads live balances and transaction history from public
// block explorers. It is used for look-ups only; nothing it returns is
// written to the store.
package explorer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrUnsupportedChain is returned when no explorer serves an address.
	ErrUnsupportedChain = errors.New("unsupported chain for address")
	// ErrInvalidAddress is returned for addresses the explorer rejects before calling out.
	ErrInvalidAddress = errors.New("invalid address")
)

// Transaction is one transaction as reported by an explorer.
// From, To and Amount are empty when the explorer could not determine them.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Block     uint64    `json:"block"`
	Failed    bool      `json:"failed,omitempty"`
}

// Explorer looks up live chain data for an address.
type Explorer interface {
	// Balance returns the native balance formatted with its unit, e.g. "1.5 ETH".
	Balance(ctx context.Context, address string) (string, error)
	// Transactions returns up to limit transactions, newest first.
	Transactions(ctx context.Context, address string, limit int) ([]Transaction, error)
}

const maxTransactionsLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > maxTransactionsLimit {
		return maxTransactionsLimit
	}
	return limit
}

// formatUnits renders an integer amount of base units with the given number
// of decimals, trimming trailing zeros but keeping at least one fractional
// digit: 1500000000000000000 wei with 18 decimals is "1.5".
func formatUnits(amount *big.Int, decimals int) string {
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	fracStr := frac.String()
	if pad := decimals - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")
	if fracStr == "" {
		fracStr = "0"
	}

	out := whole.String() + "." + fracStr
	if neg {
		out = "-" + out
	}
	return out
}
