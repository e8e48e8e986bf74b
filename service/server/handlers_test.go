package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/config"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/explorer"
	"github.com/brojonat/chainquery/service/query"
	"github.com/brojonat/chainquery/service/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet     = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	walletResponse = `{"type":"wallet","data":{"address":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","balance":"100.5 ETH"},"explanation":"This wallet holds 100.5 ETH."}`
	txnResponse    = `{"type":"transaction","data":[{"hash":"0xabc123","from":"0xAAA","to":"0xBBB","amount":"1.5 ETH","timestamp":"2024-05-13T10:00:00Z"}],"explanation":"One transfer."}`
)

type testEnv struct {
	store   *db.MemStore
	synth   *synth.MockSynthesizer
	handler http.Handler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, exp explorer.Explorer, responses ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		store: db.NewMemStore(),
		synth: synth.NewMockSynthesizer(responses...),
	}
	orch := query.NewOrchestrator(env.store, env.synth, nil, nil, query.DefaultOptions(), nil, testLogger())
	cfg := &config.Config{RecentQueriesLimit: 10, SynthTimeout: time.Minute}
	env.handler = New(":0", cfg, orch, env.store, exp, nil, nil, testLogger()).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandleQuery_Success(t *testing.T) {
	env := newTestEnv(t, nil, walletResponse)

	rec := env.do(t, http.MethodPost, "/api/query", `{"query":"What is the balance of `+testWallet+`?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	q := decode[db.Query](t, rec)
	assert.NotZero(t, q.ID)
	assert.Equal(t, "What is the balance of "+testWallet+"?", q.Text)
	assert.Equal(t, answer.KindWallet, q.Answer.Kind)
	require.NotNil(t, q.Answer.Wallet)
	assert.Equal(t, "100.5 ETH", q.Answer.Wallet.Balance)

	// Same text with different case and padding is served from cache.
	rec = env.do(t, http.MethodPost, "/api/query", `{"query":"  WHAT IS THE BALANCE OF `+testWallet+`?  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, q.ID, decode[db.Query](t, rec).ID)
	assert.Equal(t, 1, env.synth.CallCount())
}

func TestHandleQuery_Errors(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		synthErr       error
		response       string
		createErr      error
		expectedStatus int
		expectedQuery  string
		messageContain string
	}{
		{
			name:           "malformed body",
			body:           `{"query":`,
			expectedStatus: http.StatusBadRequest,
			messageContain: "Invalid request body",
		},
		{
			name:           "empty question",
			body:           `{"query":"   "}`,
			expectedStatus: http.StatusBadRequest,
			expectedQuery:  "   ",
			messageContain: "must not be empty",
		},
		{
			name:           "synthesizer down",
			body:           `{"query":"balance of 0x1?"}`,
			synthErr:       errors.New("connection refused"),
			expectedStatus: http.StatusBadRequest,
			expectedQuery:  "balance of 0x1?",
			messageContain: "language model",
		},
		{
			name:           "unknown answer type",
			body:           `{"query":"balance of 0x1?"}`,
			response:       `{"type":"weather","data":{},"explanation":"x"}`,
			expectedStatus: http.StatusBadRequest,
			expectedQuery:  "balance of 0x1?",
			messageContain: "valid response",
		},
		{
			name:           "store write fails",
			body:           `{"query":"balance of 0x1?"}`,
			response:       walletResponse,
			createErr:      errors.New("disk full"),
			expectedStatus: http.StatusInternalServerError,
			expectedQuery:  "balance of 0x1?",
			messageContain: "save",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, tt.response)
			env.synth.SetError(tt.synthErr)
			env.store.SetCreateQueryError(tt.createErr)

			rec := env.do(t, http.MethodPost, "/api/query", tt.body)
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())

			var resp struct {
				Query  string `json:"query"`
				Answer struct {
					Type        string `json:"type"`
					Data        struct{ Error string } `json:"data"`
					Explanation string `json:"explanation"`
				} `json:"answer"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedQuery, resp.Query)
			assert.Equal(t, "error", resp.Answer.Type)
			assert.Contains(t, resp.Answer.Data.Error, tt.messageContain)
			assert.Equal(t, answer.DefaultErrorExplanation, resp.Answer.Explanation)

			recent, err := env.store.RecentQueries(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, recent, "failed questions are never stored")
		})
	}
}

func TestHandleRecentQueries(t *testing.T) {
	env := newTestEnv(t, nil, walletResponse)
	for _, q := range []string{"first 0x1", "second 0x1", "third 0x1"} {
		rec := env.do(t, http.MethodPost, "/api/query", `{"query":"`+q+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/recent-queries?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queries := decode[[]db.Query](t, rec)
	require.Len(t, queries, 2)
	assert.Equal(t, "third 0x1", queries[0].Text)
	assert.Equal(t, "second 0x1", queries[1].Text)

	rec = env.do(t, http.MethodGet, "/api/recent-queries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]db.Query](t, rec), 3)

	for _, bad := range []string{"0", "101", "abc", "-3"} {
		rec = env.do(t, http.MethodGet, "/api/recent-queries?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestHandleRecentQueries_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/recent-queries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleGetQuery(t *testing.T) {
	env := newTestEnv(t, nil, walletResponse)
	rec := env.do(t, http.MethodPost, "/api/query", `{"query":"balance of 0x1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[db.Query](t, rec)

	rec = env.do(t, http.MethodGet, "/api/queries/"+strconv.FormatInt(stored.ID, 10), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stored.Text, decode[db.Query](t, rec).Text)

	rec = env.do(t, http.MethodGet, "/api/queries/9999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/queries/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListTransactions(t *testing.T) {
	env := newTestEnv(t, nil, txnResponse)
	rec := env.do(t, http.MethodPost, "/api/query", `{"query":"recent transfers of 0xaaa"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := env.store.InsertTransaction(context.Background(), db.InsertTransactionParams{
		Hash: "0xother", From: "0xCCC", To: "0xDDD", Amount: "2 ETH",
		Timestamp: time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]db.Transaction](t, rec)
	require.Len(t, all, 2)
	assert.Equal(t, "0xabc123", all[0].Hash, "newest first")

	rec = env.do(t, http.MethodGet, "/api/transactions?address=0xAAA", "")
	require.Equal(t, http.StatusOK, rec.Code)
	byAddress := decode[[]db.Transaction](t, rec)
	require.Len(t, byAddress, 1)
	assert.Equal(t, "0xaaa", byAddress[0].From)

	rec = env.do(t, http.MethodGet, "/api/transactions?q=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]db.Transaction](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/transactions?limit=1001", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/transactions?address=0x1--DROP", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTransactionAnalysis(t *testing.T) {
	env := newTestEnv(t, nil, `{"analysis":"One large outbound transfer."}`)

	// No stored transactions: nothing to analyze, no model call.
	rec := env.do(t, http.MethodGet, "/api/transactions/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, query.NoPatternsFound, decode[map[string]string](t, rec)["analysis"])
	assert.Zero(t, env.synth.CallCount())

	_, err := env.store.InsertTransaction(context.Background(), db.InsertTransactionParams{Hash: "0x1", From: "0xa", To: "0xb", Amount: "1 ETH"})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/transactions/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "One large outbound transfer.", decode[map[string]string](t, rec)["analysis"])

	env.synth.SetError(errors.New("timeout"))
	rec = env.do(t, http.MethodGet, "/api/transactions/analysis", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "analyze")
}

func TestHandleWallets(t *testing.T) {
	env := newTestEnv(t, nil, walletResponse)
	rec := env.do(t, http.MethodPost, "/api/query", `{"query":"balance of `+testWallet+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/wallets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	wallets := decode[[]db.Wallet](t, rec)
	require.Len(t, wallets, 1)
	assert.Equal(t, strings.ToLower(testWallet), wallets[0].Address)

	rec = env.do(t, http.MethodGet, "/api/wallets/"+strings.ToUpper(testWallet[2:]), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/wallets/"+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[db.Wallet](t, rec)
	assert.Equal(t, "100.5 ETH", w.Balance)
	assert.Equal(t, string(chain.KindEVM), w.Chain)
}

func TestHandleSuggestions(t *testing.T) {
	env := newTestEnv(t, nil, `{"suggestions":["What is the ETH balance of 0x742d...?"]}`)

	rec := env.do(t, http.MethodPost, "/api/suggestions", `{"query":"balance?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"What is the ETH balance of 0x742d...?"}, resp["suggestions"])

	env.synth.SetError(errors.New("down"))
	rec = env.do(t, http.MethodPost, "/api/suggestions", `{"query":"balance?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, synth.DefaultPrompts().FallbackSuggestions, decode[map[string][]string](t, rec)["suggestions"])

	rec = env.do(t, http.MethodPost, "/api/suggestions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeExplorer struct {
	balance string
	txns    []explorer.Transaction
	err     error
}

func (f *fakeExplorer) Balance(ctx context.Context, address string) (string, error) {
	return f.balance, f.err
}

func (f *fakeExplorer) Transactions(ctx context.Context, address string, limit int) ([]explorer.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.txns) {
		return f.txns[:limit], nil
	}
	return f.txns, nil
}

func TestHandleExplorer(t *testing.T) {
	fake := &fakeExplorer{
		balance: "3.25 ETH",
		txns: []explorer.Transaction{
			{Hash: "0x1", Amount: "1.0 ETH"},
			{Hash: "0x2", Amount: "2.0 ETH"},
		},
	}
	env := newTestEnv(t, fake)

	rec := env.do(t, http.MethodGet, "/api/explorer/"+testWallet+"/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[map[string]string](t, rec)
	assert.Equal(t, "3.25 ETH", bal["balance"])
	assert.Equal(t, "evm", bal["chain"])

	rec = env.do(t, http.MethodGet, "/api/explorer/"+testWallet+"/transactions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var txResp struct {
		Transactions []explorer.Transaction `json:"transactions"`
		Count        int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txResp))
	assert.Equal(t, 1, txResp.Count)
	assert.Equal(t, "0x1", txResp.Transactions[0].Hash)

	rec = env.do(t, http.MethodGet, "/api/explorer/"+testWallet+"/transactions?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fake.err = explorer.ErrUnsupportedChain
	rec = env.do(t, http.MethodGet, "/api/explorer/hello/balance", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fake.err = errors.New("upstream 503")
	rec = env.do(t, http.MethodGet, "/api/explorer/"+testWallet+"/balance", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "upstream 503")
}

func TestExplorerRoutesDisabledWithoutExplorer(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/explorer/"+testWallet+"/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodOptions, "/api/query", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		address string
		wantErr bool
	}{
		{testWallet, false},
		{"DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK", false},
		{"", true},
		{strings.Repeat("a", maxAddressLength+1), true},
		{"0xabc\x00", true},
		{"0x abc", true},
		{"0xabc--", true},
		{"0xabc'", true},
	}
	for _, tt := range tests {
		err := validateAddress(tt.address)
		if tt.wantErr {
			assert.Error(t, err, "%q", tt.address)
		} else {
			assert.NoError(t, err, "%q", tt.address)
		}
	}
}
