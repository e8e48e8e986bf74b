package db

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/chainquery/service/chain"
)

// FactWriter is the subset of the store needed to record facts.
type FactWriter interface {
	InsertTransaction(ctx context.Context, params InsertTransactionParams) (bool, error)
	UpsertWallet(ctx context.Context, params UpsertWalletParams) (*Wallet, error)
}

var demoWallets = []UpsertWalletParams{
	{Address: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", Balance: "100.5 ETH"},
	{Address: "0x123f681646d4a755815f9cb19e1acc8565a0c2ac", Balance: "50.2 ETH"},
}

// Seed writes a small set of demo wallets and transactions so the feed is
// not empty on a fresh install. It is safe to run repeatedly.
func Seed(ctx context.Context, w FactWriter, now time.Time) (int, error) {
	for _, params := range demoWallets {
		params.Chain = string(chain.Classify(params.Address))
		if _, err := w.UpsertWallet(ctx, params); err != nil {
			return 0, fmt.Errorf("failed to seed wallet %s: %w", params.Address, err)
		}
	}

	txns := []InsertTransactionParams{
		{
			Hash:      "0xabc123",
			From:      demoWallets[0].Address,
			To:        demoWallets[1].Address,
			Amount:    "1.5 ETH",
			Timestamp: now,
		},
		{
			Hash:      "0xdef456",
			From:      demoWallets[1].Address,
			To:        demoWallets[0].Address,
			Amount:    "0.8 ETH",
			Timestamp: now.Add(-time.Hour),
		},
	}

	inserted := 0
	for _, params := range txns {
		ok, err := w.InsertTransaction(ctx, params)
		if err != nil {
			return inserted, fmt.Errorf("failed to seed transaction %s: %w", params.Hash, err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}
