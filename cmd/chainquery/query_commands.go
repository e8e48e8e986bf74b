package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brojonat/chainquery/client"
	"github.com/brojonat/chainquery/service/answer"
	"github.com/itchyny/gojq"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a question about a wallet or its transactions",
		ArgsUsage: "QUESTION",
		Description: `Send a natural-language question to the server and print the answer.

Use --jq to run a jq filter over the stored query record, for example:
  chainquery ask "What is the balance of 0x742d35Cc6634C0532925a3b844Bc454e4438f44e?" --jq '.answer.data.balance' --raw`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON query record",
			},
			&cli.BoolFlag{
				Name:    "raw",
				Aliases: []string{"r"},
				Usage:   "With --jq, print string results without quotes",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 90 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}

			var code *gojq.Code
			if filter := c.String("jq"); filter != "" {
				var err error
				if code, err = compileJQ(filter); err != nil {
					return err
				}
			}

			ctx, cancel := contextWithTimeout(c, c.Duration("timeout"))
			defer cancel()

			q, err := newClient(c).Ask(ctx, question)
			if err != nil {
				var qerr *client.QueryError
				if errors.As(err, &qerr) && c.Bool("json") {
					// Print the error envelope so scripts can inspect it.
					_ = outputJSON(c.App.Writer, map[string]interface{}{"query": qerr.Query, "answer": qerr.Answer})
				}
				return err
			}

			switch {
			case code != nil:
				return outputJQ(c.App.Writer, code, q, c.Bool("raw"))
			case c.Bool("json"):
				return outputJSON(c.App.Writer, q)
			default:
				renderQuery(c.App.Writer, q)
				return nil
			}
		},
	}
}

func recentCommand() *cli.Command {
	return &cli.Command{
		Name:  "recent",
		Usage: "List recently answered questions",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of questions (1-100, server default when unset)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := contextWithTimeout(c, 30*time.Second)
			defer cancel()

			queries, err := newClient(c).RecentQueries(ctx, c.Int("limit"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, queries)
			}

			if len(queries) == 0 {
				fmt.Fprintln(c.App.Writer, "No queries found")
				return nil
			}

			t := newTable(c.App.Writer)
			t.AppendHeader(table.Row{"ID", "Asked At", "Type", "Question"})
			for _, q := range queries {
				t.AppendRow(table.Row{q.ID, q.CreatedAt.Format(time.RFC3339), q.Answer.Kind, q.Text})
			}
			t.Render()
			return nil
		},
	}
}

func suggestCommand() *cli.Command {
	return &cli.Command{
		Name:      "suggest",
		Usage:     "Suggest clearer phrasings of a question",
		ArgsUsage: "QUESTION",
		Action: func(c *cli.Context) error {
			question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}

			ctx, cancel := contextWithTimeout(c, 90*time.Second)
			defer cancel()

			suggestions, err := newClient(c).Suggest(ctx, question)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, suggestions)
			}
			for i, s := range suggestions {
				fmt.Fprintf(c.App.Writer, "%d. %s\n", i+1, s)
			}
			return nil
		},
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Describe patterns in the stored transactions",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of recent transactions to analyze",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := contextWithTimeout(c, 90*time.Second)
			defer cancel()

			analysis, err := newClient(c).AnalyzeTransactions(ctx, c.Int("limit"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{"analysis": analysis})
			}
			fmt.Fprintln(c.App.Writer, analysis)
			return nil
		},
	}
}

// renderQuery prints a query record for humans.
func renderQuery(w io.Writer, q *client.Query) {
	fmt.Fprintf(w, "Question: %s\n", q.Text)
	fmt.Fprintf(w, "Answer:   %s (query #%d)\n", q.Answer.Kind, q.ID)

	switch q.Answer.Kind {
	case answer.KindWallet:
		if q.Answer.Wallet != nil {
			fmt.Fprintf(w, "Address:  %s\n", q.Answer.Wallet.Address)
			fmt.Fprintf(w, "Balance:  %s\n", q.Answer.Wallet.Balance)
		}
	case answer.KindTransaction:
		t := newTable(w)
		t.AppendHeader(table.Row{"Hash", "From", "To", "Amount", "Timestamp"})
		for _, txn := range q.Answer.Transactions {
			t.AppendRow(table.Row{txn.Hash, txn.From, txn.To, txn.Amount, txn.Timestamp})
		}
		t.Render()
	case answer.KindAnalysis:
		if q.Answer.Analysis != nil {
			printRaw(w, "Top spenders", q.Answer.Analysis.TopSpenders)
			printRaw(w, "Metrics", q.Answer.Analysis.Metrics)
			printRaw(w, "Insights", q.Answer.Analysis.Insights)
		}
	}

	if q.Answer.Explanation != "" {
		fmt.Fprintf(w, "\n%s\n", q.Answer.Explanation)
	}
}

func printRaw(w io.Writer, label string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", label, string(raw))
}

// compileJQ parses and compiles a jq filter expression.
func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// runJQ evaluates code against v after a JSON round trip, so struct values
// are seen with their JSON field names.
func runJQ(code *gojq.Code, v interface{}) ([]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}

	var results []interface{}
	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}

func outputJQ(w io.Writer, code *gojq.Code, v interface{}, raw bool) error {
	results, err := runJQ(code, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s, ok := r.(string); ok && raw {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}

// newClient builds an API client for the --server-url flag. Client logs go
// to stderr at error level only.
func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}
