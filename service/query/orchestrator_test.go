package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/metrics"
	natspkg "github.com/brojonat/chainquery/service/nats"
	"github.com/brojonat/chainquery/service/synth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletAddress  = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	walletResponse = `{"type":"wallet","data":{"address":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","balance":"100.5 ETH","transactionCount":150},"explanation":"This wallet holds 100.5 ETH."}`
	txnResponse    = `{"type":"transaction","data":[
		{"hash":"0xabc123","from":"0xAAA","to":"0xBBB","amount":"1.5 ETH","timestamp":"2024-05-13T10:00:00Z"},
		{"hash":"0xdef456","from":"0xBBB","to":"0xAAA","amount":"0.8 ETH","timestamp":"1715590800"},
		{"hash":"0xnoamount","from":"0xBBB","to":"0xCCC"}
	],"explanation":"Recent transfers."}`
)

type fixture struct {
	store     *db.MemStore
	synth     *synth.MockSynthesizer
	publisher *natspkg.MockPublisher
	orch      *Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:     db.NewMemStore(),
		synth:     synth.NewMockSynthesizer(responses...),
		publisher: natspkg.NewMockPublisher(),
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	f.orch = NewOrchestrator(f.store, f.synth, nil, f.publisher, DefaultOptions(), m, testLogger())
	return f
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var qerr *Error
	require.True(t, errors.As(err, &qerr), "expected *query.Error, got %v", err)
	assert.Equal(t, kind, qerr.Kind)
	assert.NotEmpty(t, qerr.Message)
	return qerr
}

func TestAsk_WalletAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)

	question := "What is wallet " + walletAddress + "'s balance?"
	result, err := f.orch.Ask(ctx, question)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, question, result.Query.Text)
	assert.Equal(t, answer.KindWallet, result.Query.Answer.Kind)

	calls := f.synth.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, synth.DefaultPrompts().Answer, calls[0].SystemPrompt)
	assert.Equal(t, question, calls[0].UserPrompt)

	recent, err := f.store.RecentQueries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, result.Query.ID, recent[0].ID)

	w, err := f.store.GetWallet(ctx, strings.ToUpper(walletAddress))
	require.NoError(t, err)
	assert.Equal(t, "100.5 ETH", w.Balance)
	assert.Equal(t, "evm", w.Chain)

	require.Len(t, f.publisher.QueryEvents(), 1)
	assert.Equal(t, result.Query.ID, f.publisher.QueryEvents()[0].QueryID)
	require.Len(t, f.publisher.WalletEvents(), 1)
	assert.Equal(t, strings.ToLower(walletAddress), f.publisher.WalletEvents()[0].Address)
}

func TestAsk_CacheHitSkipsSynthesizer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)

	first, err := f.orch.Ask(ctx, "What is wallet 0x742d's balance?")
	require.NoError(t, err)

	second, err := f.orch.Ask(ctx, "  WHAT IS WALLET 0x742D's BALANCE?\n")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Query.ID, second.Query.ID)
	assert.Equal(t, first.Query.Text, second.Query.Text)

	assert.Equal(t, 1, f.synth.CallCount())

	recent, err := f.store.RecentQueries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "cache hit creates no new record")
}

func TestAsk_DifferentPunctuationMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)

	_, err := f.orch.Ask(ctx, "show wallet")
	require.NoError(t, err)
	_, err = f.orch.Ask(ctx, "show wallet!")
	require.NoError(t, err)

	assert.Equal(t, 2, f.synth.CallCount())
}

func TestAsk_UnknownTypeRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"type":"unknown","data":{"x":1},"explanation":"?"}`)

	result, err := f.orch.Ask(ctx, "what is this")
	assert.Nil(t, result)
	qerr := requireKind(t, err, ResponseMalformed)
	assert.Equal(t, 400, qerr.Kind.HTTPStatus())

	var verr *answer.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, answer.RuleUnknownType, verr.Rule)

	recent, err := f.store.RecentQueries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
	assert.Empty(t, f.publisher.QueryEvents())
}

func TestAsk_EmptyTransactionListRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"type":"transaction","data":[],"explanation":"none"}`)

	_, err := f.orch.Ask(ctx, "latest transactions")
	requireKind(t, err, ResponseMalformed)

	var verr *answer.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, answer.RuleEmptyTransactions, verr.Rule)

	recent, _ := f.store.RecentQueries(ctx, 10)
	assert.Empty(t, recent)
}

func TestAsk_NonJSONRejected(t *testing.T) {
	f := newFixture(t, "Sorry, I cannot help with that.")

	_, err := f.orch.Ask(context.Background(), "anything")
	requireKind(t, err, ResponseMalformed)
}

func TestAsk_SynthesizerFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.synth.SetError(errors.New("quota exceeded"))

	_, err := f.orch.Ask(ctx, "anything")
	qerr := requireKind(t, err, SynthesisFailed)
	assert.Equal(t, 400, qerr.Kind.HTTPStatus())
	assert.Equal(t, 1, f.synth.CallCount(), "no retries")

	recent, _ := f.store.RecentQueries(ctx, 10)
	assert.Empty(t, recent)
}

func TestAsk_InvalidInput(t *testing.T) {
	f := newFixture(t, walletResponse)
	f.orch.opts.MaxQueryLength = 10

	for _, input := range []string{"", "   \n\t", "this question is too long", "bad \xff utf8"} {
		_, err := f.orch.Ask(context.Background(), input)
		requireKind(t, err, InputInvalid)
	}
	assert.Zero(t, f.synth.CallCount())
}

func TestAsk_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)
	f.store.SetCreateQueryError(errors.New("disk full"))

	_, err := f.orch.Ask(ctx, "wallet balance")
	qerr := requireKind(t, err, PersistenceFailed)
	assert.Equal(t, 500, qerr.Kind.HTTPStatus())

	_, err = f.store.GetWallet(ctx, walletAddress)
	assert.ErrorIs(t, err, db.ErrNotFound, "no facts without a primary record")
}

func TestAsk_TransactionFacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, txnResponse)

	result, err := f.orch.Ask(ctx, "show recent transfers")
	require.NoError(t, err)
	require.Len(t, result.Query.Answer.Transactions, 3)

	txns, err := f.store.ListTransactions(ctx, db.ListTransactionsParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txns, 2, "transaction without amount is skipped")
	assert.Equal(t, "0xabc123", txns[0].Hash)
	assert.Equal(t, "0xaaa", txns[0].From)
	assert.Equal(t, 2024, txns[0].Timestamp.Year())
	assert.Equal(t, "0xdef456", txns[1].Hash)

	events := f.publisher.TransactionEvents()
	require.Len(t, events, 2)
	assert.Equal(t, txns[0].From, events[0].From, "events carry the stored address form")
	assert.Equal(t, txns[0].To, events[0].To)
}

func TestAsk_NumericAmountIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"type":"transaction","data":[{"hash":"0xnum","from":"0xAAA","to":"0xBBB","amount":1.5}],"explanation":"One transfer."}`)

	_, err := f.orch.Ask(ctx, "numeric transfer")
	require.NoError(t, err)

	txns, err := f.store.ListTransactions(ctx, db.ListTransactionsParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "1.5", txns[0].Amount)
}

func TestAsk_DuplicateTransactionFactsAreNoOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, txnResponse)

	_, err := f.orch.Ask(ctx, "show recent transfers")
	require.NoError(t, err)
	_, err = f.orch.Ask(ctx, "show recent transfers again")
	require.NoError(t, err)

	txns, err := f.store.ListTransactions(ctx, db.ListTransactionsParams{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	assert.Len(t, f.publisher.TransactionEvents(), 2, "only first inserts are published")
}

func TestAsk_FactFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)
	f.store.SetFactError(errors.New("wallets table locked"))
	f.publisher.SetPublishError(errors.New("nats down"))

	result, err := f.orch.Ask(ctx, "wallet balance")
	require.NoError(t, err)
	assert.NotZero(t, result.Query.ID)

	recent, _ := f.store.RecentQueries(ctx, 10)
	assert.Len(t, recent, 1)
}

func TestAsk_CacheIgnoresInvalidStoredAnswer(t *testing.T) {
	tests := []struct {
		name   string
		policy answer.Policy
		stored string
	}{
		{
			// A record persisted before explanations were required.
			name:   "missing explanation under strict policy",
			policy: answer.Strict,
			stored: `{"type":"wallet","data":{"address":"0x1","balance":"1 ETH"}}`,
		},
		{
			name:   "numeric explanation under relaxed policy",
			policy: answer.Relaxed,
			stored: `{"type":"wallet","data":{"address":"0x1","balance":"1 ETH"},"explanation":42}`,
		},
		{
			name:   "empty transaction list",
			policy: answer.Relaxed,
			stored: `{"type":"transaction","data":[],"explanation":"none"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, walletResponse)
			f.orch.opts.Policy = tt.policy

			var stored answer.Answer
			require.NoError(t, json.Unmarshal([]byte(tt.stored), &stored))
			_, err := f.store.CreateQuery(ctx, db.CreateQueryParams{Text: "wallet balance", NormalizedText: "wallet balance", Answer: stored})
			require.NoError(t, err)

			result, err := f.orch.Ask(ctx, "wallet balance")
			require.NoError(t, err)
			assert.False(t, result.Cached)
			assert.Equal(t, 1, f.synth.CallCount())
			assert.Equal(t, "100.5 ETH", result.Query.Answer.Wallet.Balance)
		})
	}
}

func TestAsk_RelaxedPolicyAcceptsMissingExplanation(t *testing.T) {
	f := newFixture(t, `{"type":"analysis","data":{"metrics":{"avgGas":"21 gwei"}}}`)
	f.orch.opts.Policy = answer.Relaxed

	result, err := f.orch.Ask(context.Background(), "gas metrics")
	require.NoError(t, err)
	assert.Equal(t, answer.KindAnalysis, result.Query.Answer.Kind)
}

func TestAsk_CacheLookbackIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, walletResponse)
	f.orch.opts.CacheLookback = 2

	_, err := f.orch.Ask(ctx, "oldest")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.orch.Ask(ctx, fmt.Sprintf("filler %d", i))
		require.NoError(t, err)
	}

	_, err = f.orch.Ask(ctx, "oldest")
	require.NoError(t, err)
	assert.Equal(t, 4, f.synth.CallCount(), "match beyond the lookback is not a hit")
}

func TestAsk_ConcurrentQuestions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, txnResponse)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Ask(ctx, fmt.Sprintf("transfers %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	txns, err := f.store.ListTransactions(ctx, db.ListTransactionsParams{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, parseTimestamp("").IsZero())
	assert.True(t, parseTimestamp("yesterday").IsZero())
	assert.Equal(t, int64(1715594400), parseTimestamp("1715594400").Unix())
	assert.Equal(t, 13, parseTimestamp("2024-05-13T10:00:00+02:00").Day())
}
