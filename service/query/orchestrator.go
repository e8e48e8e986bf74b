// Package query answers natural-language questions about blockchain data.
// It checks the answer cache, asks the language model, validates the answer
// and records it together with the wallet and transaction facts it names.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/metrics"
	natspkg "github.com/brojonat/chainquery/service/nats"
	"github.com/brojonat/chainquery/service/synth"
	"github.com/brojonat/chainquery/service/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the persistence the Orchestrator writes to. Both db.Store and
// db.MemStore satisfy it.
type Store interface {
	CreateQuery(ctx context.Context, params db.CreateQueryParams) (*db.Query, error)
	RecentQueries(ctx context.Context, limit int) ([]*db.Query, error)
	RecentQueriesByKey(ctx context.Context, key string, lookback int) ([]*db.Query, error)
	InsertTransaction(ctx context.Context, params db.InsertTransactionParams) (bool, error)
	UpsertWallet(ctx context.Context, params db.UpsertWalletParams) (*db.Wallet, error)
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
}

// Options tunes the Orchestrator.
type Options struct {
	// CacheLookback is how many recent queries are scanned for a cache hit.
	CacheLookback int
	// Policy decides whether answers must carry an explanation.
	Policy answer.Policy
	// MaxQueryLength bounds question length in runes.
	MaxQueryLength int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		CacheLookback:  100,
		Policy:         answer.Strict,
		MaxQueryLength: 2000,
	}
}

// Result is a successfully answered question.
type Result struct {
	Query  *db.Query
	Cached bool
}

// Orchestrator sequences cache lookup, synthesis, validation and persistence
// for each question. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	store     Store
	synth     synth.Synthesizer
	prompts   *synth.Prompts
	publisher natspkg.Publisher
	opts      Options
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewOrchestrator wires an Orchestrator. publisher and m may be nil.
func NewOrchestrator(
	store Store,
	synthesizer synth.Synthesizer,
	prompts *synth.Prompts,
	publisher natspkg.Publisher,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if prompts == nil {
		prompts = synth.DefaultPrompts()
	}
	defaults := DefaultOptions()
	if opts.CacheLookback <= 0 {
		opts.CacheLookback = defaults.CacheLookback
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = defaults.MaxQueryLength
	}
	return &Orchestrator{
		store:     store,
		synth:     synthesizer,
		prompts:   prompts,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		tracer:    tracing.Tracer("github.com/brojonat/chainquery/service/query"),
		logger:    logger,
	}
}

// Ask answers one question. On failure the returned error is always a
// *Error and no query record has been written.
func (o *Orchestrator) Ask(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	logger := o.logger.With("request_id", uuid.NewString())

	ctx, span := o.tracer.Start(ctx, "query.Ask")
	defer span.End()

	result, err := o.ask(ctx, text, logger)

	outcome := "synthesized"
	var qerr *Error
	switch {
	case errors.As(err, &qerr):
		outcome = string(qerr.Kind)
		span.SetStatus(codes.Error, qerr.Message)
		span.RecordError(err)
	case result != nil && result.Cached:
		outcome = "cached"
	}
	span.SetAttributes(attribute.String("query.outcome", outcome))
	o.metrics.RecordQuery(outcome, time.Since(start).Seconds())

	if qerr != nil {
		level := slog.LevelInfo
		if qerr.Kind == PersistenceFailed {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "question rejected",
			"kind", qerr.Kind,
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) ask(ctx context.Context, text string, logger *slog.Logger) (*Result, error) {
	if err := o.validateInput(text); err != nil {
		return nil, err
	}

	key := Normalize(text)
	if cached := o.lookupCache(ctx, key, logger); cached != nil {
		logger.InfoContext(ctx, "answered from cache", "query_id", cached.ID)
		return &Result{Query: cached, Cached: true}, nil
	}

	raw, err := o.complete(ctx, o.prompts.Answer, text)
	if err != nil {
		return nil, newError(SynthesisFailed, "Failed to get an answer from the language model", err)
	}

	a, err := answer.Decode([]byte(raw), o.opts.Policy)
	if err != nil {
		var verr *answer.ValidationError
		if errors.As(err, &verr) {
			o.metrics.RecordAnswerRejected(string(verr.Rule))
		}
		return nil, newError(ResponseMalformed, "Could not generate a valid response for your query", err)
	}

	q, err := o.store.CreateQuery(ctx, db.CreateQueryParams{
		Text:           text,
		NormalizedText: key,
		Answer:         a,
	})
	if err != nil {
		return nil, newError(PersistenceFailed, "Failed to save the answer", err)
	}

	logger = logger.With("query_id", q.ID)
	logger.InfoContext(ctx, "question answered",
		"answer_type", a.Kind,
		"provider", o.synth.Name(),
	)

	o.extractFacts(ctx, q, logger)
	if o.publisher != nil {
		if err := o.publisher.PublishQuery(ctx, natspkg.FromDBQuery(q, false)); err != nil {
			logger.WarnContext(ctx, "failed to publish query event", "error", err)
		}
	}

	return &Result{Query: q}, nil
}

func (o *Orchestrator) validateInput(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return newError(InputInvalid, "Query must not be empty", nil)
	}
	if !utf8.ValidString(text) {
		return newError(InputInvalid, "Query must be valid UTF-8", nil)
	}
	if n := utf8.RuneCountInString(trimmed); n > o.opts.MaxQueryLength {
		return newError(InputInvalid, "Query is too long (max "+strconv.Itoa(o.opts.MaxQueryLength)+" characters)", nil)
	}
	return nil
}

// lookupCache returns a prior query with the same key whose stored answer
// still validates. The store narrows the lookback window to records stored
// under key. Store errors degrade to a cache miss.
func (o *Orchestrator) lookupCache(ctx context.Context, key string, logger *slog.Logger) *db.Query {
	history, err := o.store.RecentQueriesByKey(ctx, key, o.opts.CacheLookback)
	if err != nil {
		logger.WarnContext(ctx, "cache lookup failed, treating as miss", "error", err)
		o.metrics.RecordCacheLookup(false)
		return nil
	}

	for {
		i := findCached(key, history)
		if i < 0 {
			break
		}
		hit := history[i]
		if err := answer.Validate(hit.Answer, o.opts.Policy); err != nil {
			logger.WarnContext(ctx, "ignoring cached answer that no longer validates",
				"query_id", hit.ID,
				"error", err,
			)
			history = history[i+1:]
			continue
		}
		o.metrics.RecordCacheLookup(true)
		return hit
	}

	o.metrics.RecordCacheLookup(false)
	return nil
}

// complete makes exactly one synthesizer call inside a span.
func (o *Orchestrator) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "synth.Complete",
		trace.WithAttributes(attribute.String("synth.provider", o.synth.Name())),
	)
	defer span.End()

	start := time.Now()
	raw, err := o.synth.Complete(ctx, systemPrompt, userPrompt)
	o.metrics.RecordSynthCall(o.synth.Name(), time.Since(start).Seconds(), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return raw, err
}

// extractFacts records the wallet or transactions named by a stored answer.
// Failures are logged and counted but never fail the request.
func (o *Orchestrator) extractFacts(ctx context.Context, q *db.Query, logger *slog.Logger) {
	switch q.Answer.Kind {
	case answer.KindWallet:
		o.recordWallet(ctx, q, logger)
	case answer.KindTransaction:
		o.recordTransactions(ctx, q, logger)
	}
}

func (o *Orchestrator) recordWallet(ctx context.Context, q *db.Query, logger *slog.Logger) {
	w := q.Answer.Wallet
	if w == nil {
		return
	}

	stored, err := o.store.UpsertWallet(ctx, db.UpsertWalletParams{
		Address: w.Address,
		Balance: w.Balance,
		Chain:   string(chain.Classify(w.Address)),
	})
	if err != nil {
		o.metrics.RecordFactsSkipped("wallet", "store_error", 1)
		logger.WarnContext(ctx, "failed to record wallet fact",
			"address", w.Address,
			"error", err,
		)
		return
	}
	o.metrics.RecordFactsWritten("wallet", 1)

	if o.publisher != nil {
		if err := o.publisher.PublishWallet(ctx, natspkg.FromDBWallet(stored, q.ID)); err != nil {
			logger.WarnContext(ctx, "failed to publish wallet event", "error", err)
		}
	}
}

func (o *Orchestrator) recordTransactions(ctx context.Context, q *db.Query, logger *slog.Logger) {
	written, duplicates := 0, 0
	for _, txn := range q.Answer.Transactions {
		if txn.Amount == "" {
			o.metrics.RecordFactsSkipped("transaction", "missing_amount", 1)
			logger.DebugContext(ctx, "skipping transaction fact without amount", "hash", txn.Hash)
			continue
		}

		params := db.InsertTransactionParams{
			Hash:      txn.Hash,
			From:      txn.From,
			To:        txn.To,
			Amount:    txn.Amount,
			Timestamp: parseTimestamp(txn.Timestamp),
		}
		inserted, err := o.store.InsertTransaction(ctx, params)
		if err != nil {
			o.metrics.RecordFactsSkipped("transaction", "store_error", 1)
			logger.WarnContext(ctx, "failed to record transaction fact",
				"hash", txn.Hash,
				"error", err,
			)
			continue
		}
		if !inserted {
			duplicates++
			continue
		}
		written++

		if o.publisher != nil {
			if err := o.publisher.PublishTransaction(ctx, natspkg.FromDBTransaction(params, q.ID)); err != nil {
				logger.WarnContext(ctx, "failed to publish transaction event", "hash", txn.Hash, "error", err)
			}
		}
	}

	o.metrics.RecordFactsWritten("transaction", written)
	o.metrics.RecordFactsSkipped("transaction", "duplicate", duplicates)
	logger.DebugContext(ctx, "transaction facts recorded",
		"written", written,
		"duplicates", duplicates,
	)
}

// parseTimestamp accepts RFC 3339 or unix seconds. Anything else yields the
// zero time, which the store replaces with the insert time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
