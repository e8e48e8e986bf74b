package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brojonat/chainquery/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

// cliStore is the part of the store the db commands use.
type cliStore interface {
	db.FactWriter
	Migrate(ctx context.Context) error
	RecentQueries(ctx context.Context, limit int) ([]*db.Query, error)
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
	GetWallet(ctx context.Context, address string) (*db.Wallet, error)
	ListWallets(ctx context.Context, limit int32) ([]*db.Wallet, error)
}

// openStore is replaced in tests.
var openStore = getStore

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema (idempotent)",
		Action: func(c *cli.Context) error {
			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintln(c.App.Writer, "✓ Schema applied")
			return nil
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Insert the demo wallets and transactions",
		Action: func(c *cli.Context) error {
			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			inserted, err := db.Seed(c.Context, store, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Seeded demo data (%d new transactions)\n", inserted)
			return nil
		},
	}
}

func recentQueriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "recent-queries",
		Usage: "List stored queries, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of queries to show",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			queries, err := store.RecentQueries(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list queries: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, queries)
			}

			if len(queries) == 0 {
				fmt.Fprintln(c.App.Writer, "No queries found")
				return nil
			}

			t := newTable(c.App.Writer)
			t.AppendHeader(table.Row{"ID", "Created At", "Type", "Question"})
			for _, q := range queries {
				t.AppendRow(table.Row{q.ID, q.CreatedAt.Format(time.RFC3339), q.Answer.Kind, q.Text})
			}
			t.Render()
			fmt.Fprintf(os.Stderr, "\nTotal: %d queries\n", len(queries))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-transactions",
		Usage: "List stored transaction facts, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Only transactions sent from or to this address",
			},
			&cli.StringFlag{
				Name:    "search",
				Aliases: []string{"q"},
				Usage:   "Substring of the hash, sender or recipient",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of transactions to show",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactions(c.Context, db.ListTransactionsParams{
				Address: c.String("address"),
				Search:  c.String("search"),
				Limit:   int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txns)
			}

			if len(txns) == 0 {
				fmt.Fprintln(c.App.Writer, "No transactions found")
				return nil
			}

			t := newTable(c.App.Writer)
			t.AppendHeader(table.Row{"Hash", "From", "To", "Amount", "Timestamp"})
			for _, txn := range txns {
				t.AppendRow(table.Row{txn.Hash, txn.From, txn.To, txn.Amount, txn.Timestamp.Format(time.RFC3339)})
			}
			t.Render()
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func listWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-wallets",
		Usage: "List stored wallet facts, most recently updated first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of wallets to show",
				Value: 100,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallets, err := store.ListWallets(c.Context, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, wallets)
			}

			if len(wallets) == 0 {
				fmt.Fprintln(c.App.Writer, "No wallets found")
				return nil
			}

			t := newTable(c.App.Writer)
			t.AppendHeader(table.Row{"Address", "Chain", "Balance", "Last Updated"})
			for _, w := range wallets {
				t.AppendRow(table.Row{w.Address, w.Chain, w.Balance, w.LastUpdated.Format(time.RFC3339)})
			}
			t.Render()
			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func getWalletCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-wallet",
		Usage:     "Show a stored wallet fact",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			address := c.Args().Get(0)

			store, closer, err := openStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallet, err := store.GetWallet(c.Context, address)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("wallet %s not found", address)
			}
			if err != nil {
				return fmt.Errorf("failed to get wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, wallet)
			}

			fmt.Fprintf(c.App.Writer, "Address:      %s\n", wallet.Address)
			fmt.Fprintf(c.App.Writer, "Chain:        %s\n", wallet.Chain)
			fmt.Fprintf(c.App.Writer, "Balance:      %s\n", wallet.Balance)
			fmt.Fprintf(c.App.Writer, "Last Updated: %s\n", wallet.LastUpdated.Format(time.RFC3339))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (cliStore, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(c.Context, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(c.Context); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func contextWithTimeout(c *cli.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, d)
}
