package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "chainquery",
		Usage: "Ask questions about blockchain wallets and transactions",
		Description: `A command-line tool for the chainquery service.

Use this CLI to ask questions through the HTTP API, inspect the stored
query history and facts, look up live explorer data and follow events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Questions (HTTP API)
			askCommand(),
			recentCommand(),
			suggestCommand(),
			analyzeCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection and maintenance commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					seedCommand(),
					recentQueriesCommand(),
					listTransactionsCommand(),
					listWalletsCommand(),
					getWalletCommand(),
				},
			},
			// Live explorer lookups (HTTP API)
			{
				Name:  "explorer",
				Usage: "Live block explorer lookups",
				Subcommands: []*cli.Command{
					explorerBalanceCommand(),
					explorerTransactionsCommand(),
				},
			},
			// NATS event streaming commands
			{
				Name:  "nats",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "chainquery server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
