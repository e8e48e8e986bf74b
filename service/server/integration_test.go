package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/chainquery/client"
	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/config"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/metrics"
	natspkg "github.com/brojonat/chainquery/service/nats"
	"github.com/brojonat/chainquery/service/query"
	"github.com/brojonat/chainquery/service/server"
	"github.com/brojonat/chainquery/service/synth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	address        = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	walletResponse = `{"type":"wallet","data":{"address":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","balance":"100.5 ETH"},"explanation":"This wallet holds 100.5 ETH."}`
	txnResponse    = `{"type":"transaction","data":[
		{"hash":"0xabc123","from":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","to":"0x1111111111111111111111111111111111111111","amount":"1.5 ETH","timestamp":"2024-05-13T10:00:00Z"},
		{"hash":"0xdef456","from":"0x1111111111111111111111111111111111111111","to":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","amount":"0.8 ETH","timestamp":"2024-05-13T09:00:00Z"}
	],"explanation":"Two transfers."}`
)

// backendStore is what the server and orchestrator need from a store.
type backendStore interface {
	query.Store
	server.Store
}

// runServerIntegration exercises the full request/response cycle through
// the typed client.
func runServerIntegration(t *testing.T, store backendStore) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mock := synth.NewMockSynthesizer(walletResponse, txnResponse)
	publisher := natspkg.NewMockPublisher()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	orch := query.NewOrchestrator(store, mock, nil, publisher, query.DefaultOptions(), m, logger)
	cfg := &config.Config{RecentQueriesLimit: 10, SynthTimeout: time.Minute}

	srv := server.New(":0", cfg, orch, store, nil, nil, m, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, ts.Client(), logger)

	t.Run("health", func(t *testing.T) {
		require.NoError(t, c.Health(ctx))
	})

	var walletQuery *client.Query
	t.Run("ask wallet question", func(t *testing.T) {
		q, err := c.Ask(ctx, "What is the balance of "+address+"?")
		require.NoError(t, err)
		assert.Equal(t, answer.KindWallet, q.Answer.Kind)
		walletQuery = q

		w, err := c.Wallet(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, "100.5 ETH", w.Balance)
		assert.Equal(t, "evm", w.Chain)

		require.Len(t, publisher.QueryEvents(), 1)
		require.Len(t, publisher.WalletEvents(), 1)
	})

	t.Run("repeat question is cached", func(t *testing.T) {
		require.NotNil(t, walletQuery)
		q, err := c.Ask(ctx, "what is the balance of "+strings.ToUpper(address)+"?")
		require.NoError(t, err)
		assert.Equal(t, walletQuery.ID, q.ID)
		assert.Equal(t, 1, mock.CallCount())
	})

	t.Run("ask transaction question", func(t *testing.T) {
		q, err := c.Ask(ctx, "Show recent transactions for "+address)
		require.NoError(t, err)
		assert.Equal(t, answer.KindTransaction, q.Answer.Kind)
		assert.Len(t, q.Answer.Transactions, 2)

		txns, err := c.Transactions(ctx, client.TransactionFilter{Address: address})
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.Equal(t, "0xabc123", txns[0].Hash)

		txns, err = c.Transactions(ctx, client.TransactionFilter{Search: "def"})
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, "0xdef456", txns[0].Hash)
	})

	t.Run("recent queries", func(t *testing.T) {
		queries, err := c.RecentQueries(ctx, 0)
		require.NoError(t, err)
		require.Len(t, queries, 2)
		assert.Equal(t, answer.KindTransaction, queries[0].Answer.Kind)
		assert.Equal(t, answer.KindWallet, queries[1].Answer.Kind)

		got, err := c.GetQuery(ctx, queries[1].ID)
		require.NoError(t, err)
		assert.Equal(t, walletQuery.Text, got.Text)
	})

	t.Run("malformed answer surfaces error envelope", func(t *testing.T) {
		mock.SetResponses(`{"type":"transaction","data":[],"explanation":"none"}`)
		_, err := c.Ask(ctx, "transactions of a fresh wallet?")
		require.Error(t, err)

		var qerr *client.QueryError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, http.StatusBadRequest, qerr.StatusCode)
		assert.True(t, qerr.Answer.IsError())

		queries, err := c.RecentQueries(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, queries, 2, "rejected answers are not stored")
	})

	t.Run("missing wallet", func(t *testing.T) {
		_, err := c.Wallet(ctx, "0x0000000000000000000000000000000000000000")
		require.Error(t, err)
		assert.True(t, client.IsNotFound(err))
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServerIntegration_MemStore(t *testing.T) {
	runServerIntegration(t, db.NewMemStore())
}

func TestServerIntegration_Postgres(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	store.Cleanup(t)
	defer store.Close()

	runServerIntegration(t, store)
}
