package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func explorerBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Look up the live balance of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().Get(0)

			ctx, cancel := contextWithTimeout(c, 30*time.Second)
			defer cancel()

			balance, err := newClient(c).ExplorerBalance(ctx, address)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{"address": address, "balance": balance})
			}
			fmt.Fprintf(c.App.Writer, "%s: %s\n", address, balance)
			return nil
		},
	}
}

func explorerTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Usage:     "Look up the live transactions of an address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of transactions (1-100)",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().Get(0)

			ctx, cancel := contextWithTimeout(c, 30*time.Second)
			defer cancel()

			txns, err := newClient(c).ExplorerTransactions(ctx, address, c.Int("limit"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txns)
			}

			if len(txns) == 0 {
				fmt.Fprintln(c.App.Writer, "No transactions found")
				return nil
			}

			t := newTable(c.App.Writer)
			t.AppendHeader(table.Row{"Hash", "Block", "From", "To", "Amount", "Timestamp", "Status"})
			for _, txn := range txns {
				status := "ok"
				if txn.Failed {
					status = "failed"
				}
				ts := ""
				if !txn.Timestamp.IsZero() {
					ts = txn.Timestamp.Format(time.RFC3339)
				}
				t.AppendRow(table.Row{txn.Hash, txn.Block, txn.From, txn.To, txn.Amount, ts, status})
			}
			t.Render()
			return nil
		},
	}
}
