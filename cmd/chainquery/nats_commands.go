package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/chainquery/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subjectsByTopic maps the --topic flag to stream subjects.
var subjectsByTopic = map[string]string{
	"queries": natspkg.SubjectQueries,
	"txns":    natspkg.SubjectTransactions,
	"wallets": natspkg.SubjectWallets,
	"all":     natspkg.StreamSubjects,
}

// subscribeCommand follows chainquery events on NATS JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Follow query, transaction and wallet events",
		Description: `Stream events published to the CHAINQUERY JetStream stream.

Topics:
  queries  answered questions   (chainquery.queries)
  txns     new transaction facts (chainquery.txns)
  wallets  wallet fact updates  (chainquery.wallets)
  all      everything

Example:
  chainquery nats subscribe --topic txns --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "topic",
				Aliases: []string{"t"},
				Usage:   "queries, txns, wallets or all",
				Value:   "all",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "chainquery-cli",
			},
			&cli.BoolFlag{
				Name:  "all-history",
				Usage: "Replay retained events instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subject, ok := subjectsByTopic[c.String("topic")]
			if !ok {
				return fmt.Errorf("unknown topic %q (want queries, txns, wallets or all)", c.String("topic"))
			}

			nc, js, err := natspkg.Connect(c.String("nats-url"), "chainquery-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("all-history") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Subscribed to %s (Ctrl-C to stop)\n\n", subject)
			}

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer cc.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					if err := printEvent(c.App.Writer, msg.Subject(), msg.Data(), jsonOutput); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
					} else {
						count++
					}
					msg.Ack()

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// printEvent writes one event, either as a JSON line or as a short
// human-readable block.
func printEvent(w io.Writer, subject string, data []byte, jsonOutput bool) error {
	var event interface{}
	switch subject {
	case natspkg.SubjectQueries:
		event = &natspkg.QueryEvent{}
	case natspkg.SubjectTransactions:
		event = &natspkg.TransactionEvent{}
	case natspkg.SubjectWallets:
		event = &natspkg.WalletEvent{}
	default:
		return fmt.Errorf("unexpected subject %s", subject)
	}
	if err := json.Unmarshal(data, event); err != nil {
		return err
	}

	if jsonOutput {
		line, err := json.Marshal(map[string]interface{}{"subject": subject, "event": event})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(line))
		return nil
	}

	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	switch e := event.(type) {
	case *natspkg.QueryEvent:
		fmt.Fprintf(w, "Query #%d (%s)\n", e.QueryID, e.AnswerType)
		fmt.Fprintf(w, "Question:     %s\n", e.Query)
		fmt.Fprintf(w, "Cached:       %t\n", e.Cached)
		fmt.Fprintf(w, "Published:    %s\n", e.PublishedAt.Format(time.RFC3339))
	case *natspkg.TransactionEvent:
		fmt.Fprintf(w, "Transaction   %s\n", e.Hash)
		fmt.Fprintf(w, "From:         %s\n", e.From)
		fmt.Fprintf(w, "To:           %s\n", e.To)
		if e.Amount != "" {
			fmt.Fprintf(w, "Amount:       %s\n", e.Amount)
		}
		fmt.Fprintf(w, "Timestamp:    %s\n", e.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(w, "Query:        #%d\n", e.QueryID)
	case *natspkg.WalletEvent:
		fmt.Fprintf(w, "Wallet        %s (%s)\n", e.Address, e.Chain)
		fmt.Fprintf(w, "Balance:      %s\n", e.Balance)
		fmt.Fprintf(w, "Query:        #%d\n", e.QueryID)
	}
	return nil
}
