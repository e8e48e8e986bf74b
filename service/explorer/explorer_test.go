package explorer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/chainquery/service/chain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evmAddress = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"0", 18, "0.0"},
		{"1000000000000000000", 18, "1.0"},
		{"100500000000000000000", 18, "100.5"},
		{"1", 18, "0.000000000000000001"},
		{"1500000000", 9, "1.5"},
		{"-2500000000", 9, "-2.5"},
	}
	for _, tt := range tests {
		n, ok := new(big.Int).SetString(tt.amount, 10)
		require.True(t, ok)
		assert.Equal(t, tt.want, formatUnits(n, tt.decimals), tt.amount)
	}
}

func newEtherscanServer(t *testing.T, handler func(t *testing.T, r *http.Request) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(handler(t, r)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEtherscan_Balance(t *testing.T) {
	srv := newEtherscanServer(t, func(t *testing.T, r *http.Request) string {
		q := r.URL.Query()
		assert.Equal(t, "account", q.Get("module"))
		assert.Equal(t, "balance", q.Get("action"))
		assert.Equal(t, evmAddress, q.Get("address"))
		assert.Equal(t, "latest", q.Get("tag"))
		assert.Equal(t, "key", q.Get("apikey"))
		return `{"status":"1","message":"OK","result":"100500000000000000000"}`
	})

	client := NewEtherscanClient(EtherscanConfig{APIKey: "key", BaseURL: srv.URL, RPS: 100}, nil, testLogger())
	balance, err := client.Balance(context.Background(), evmAddress)
	require.NoError(t, err)
	assert.Equal(t, "100.5 ETH", balance)
}

func TestEtherscan_BalanceErrors(t *testing.T) {
	srv := newEtherscanServer(t, func(t *testing.T, r *http.Request) string {
		return `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`
	})
	client := NewEtherscanClient(EtherscanConfig{BaseURL: srv.URL, RPS: 100}, nil, testLogger())

	_, err := client.Balance(context.Background(), evmAddress)
	assert.ErrorContains(t, err, "NOTOK: Invalid API Key")

	_, err = client.Balance(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEtherscan_Transactions(t *testing.T) {
	srv := newEtherscanServer(t, func(t *testing.T, r *http.Request) string {
		q := r.URL.Query()
		assert.Equal(t, "txlist", q.Get("action"))
		assert.Equal(t, "5", q.Get("offset"))
		assert.Equal(t, "desc", q.Get("sort"))
		return `{"status":"1","message":"OK","result":[
			{"hash":"0xabc","from":"0x1","to":"0x2","value":"1500000000000000000","timeStamp":"1715594400","blockNumber":"19860000","isError":"0"},
			{"hash":"0xdef","from":"0x2","to":"0x1","value":"0","timeStamp":"1715590800","blockNumber":"19859700","isError":"1"}
		]}`
	})
	client := NewEtherscanClient(EtherscanConfig{BaseURL: srv.URL, RPS: 100}, nil, testLogger())

	txns, err := client.Transactions(context.Background(), evmAddress, 5)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, Transaction{
		Hash:      "0xabc",
		From:      "0x1",
		To:        "0x2",
		Amount:    "1.5 ETH",
		Timestamp: time.Unix(1715594400, 0).UTC(),
		Block:     19860000,
	}, txns[0])
	assert.True(t, txns[1].Failed)
	assert.Equal(t, "0.0 ETH", txns[1].Amount)
}

func TestEtherscan_NoTransactions(t *testing.T) {
	srv := newEtherscanServer(t, func(t *testing.T, r *http.Request) string {
		return `{"status":"0","message":"No transactions found","result":[]}`
	})
	client := NewEtherscanClient(EtherscanConfig{BaseURL: srv.URL, RPS: 100}, nil, testLogger())

	txns, err := client.Transactions(context.Background(), evmAddress, 10)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestEtherscan_RateLimiterHonorsContext(t *testing.T) {
	srv := newEtherscanServer(t, func(t *testing.T, r *http.Request) string {
		return `{"status":"1","message":"OK","result":"0"}`
	})
	client := NewEtherscanClient(EtherscanConfig{BaseURL: srv.URL, RPS: 0.001}, nil, testLogger())

	_, err := client.Balance(context.Background(), evmAddress)
	require.NoError(t, err, "first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Balance(ctx, evmAddress)
	assert.ErrorContains(t, err, "rate limiter")
}

// mockSolanaRPC implements SolanaRPC for testing.
type mockSolanaRPC struct {
	balance      uint64
	signatures   []*rpc.TransactionSignature
	transactions map[solana.Signature]*solana.Transaction
	txErr        error
	err          error
}

func (m *mockSolanaRPC) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return m.balance, m.err
}

func (m *mockSolanaRPC) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.signatures, nil
}

func (m *mockSolanaRPC) GetTransaction(ctx context.Context, signature solana.Signature) (*solana.Transaction, error) {
	if m.txErr != nil {
		return nil, m.txErr
	}
	return m.transactions[signature], nil
}

var (
	solWallet = solana.MustPublicKeyFromBase58("DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK")
	solDest   = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	sig1      = solana.Signature{1}
	sig2      = solana.Signature{2}
)

func systemTransfer(from, to solana.PublicKey, lamports uint64) *solana.Transaction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{from, to, solana.SystemProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 2, Accounts: []uint16{0, 1}, Data: data},
			},
		},
	}
}

func TestSolana_Balance(t *testing.T) {
	e := NewSolanaExplorer(&mockSolanaRPC{balance: 2_500_000_000}, nil, testLogger())

	balance, err := e.Balance(context.Background(), solWallet.String())
	require.NoError(t, err)
	assert.Equal(t, "2.5 SOL", balance)

	_, err = e.Balance(context.Background(), "0xnotsolana")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSolana_Transactions(t *testing.T) {
	blockTime := solana.UnixTimeSeconds(1715594400)
	mock := &mockSolanaRPC{
		signatures: []*rpc.TransactionSignature{
			{Signature: sig1, Slot: 200, BlockTime: &blockTime},
			{Signature: sig2, Slot: 199, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		},
		transactions: map[solana.Signature]*solana.Transaction{
			sig1: systemTransfer(solWallet, solDest, 1_000_000_000),
		},
	}
	e := NewSolanaExplorer(mock, nil, testLogger())

	txns, err := e.Transactions(context.Background(), solWallet.String(), 10)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	assert.Equal(t, sig1.String(), txns[0].Hash)
	assert.Equal(t, solWallet.String(), txns[0].From)
	assert.Equal(t, solDest.String(), txns[0].To)
	assert.Equal(t, "1.0 SOL", txns[0].Amount)
	assert.Equal(t, uint64(200), txns[0].Block)
	assert.Equal(t, time.Unix(1715594400, 0).UTC(), txns[0].Timestamp)

	assert.True(t, txns[1].Failed)
	assert.Empty(t, txns[1].Amount)
}

func TestSolana_TransactionDetailFailureKeepsMetadata(t *testing.T) {
	mock := &mockSolanaRPC{
		signatures: []*rpc.TransactionSignature{{Signature: sig1, Slot: 5}},
		txErr:      errors.New("429 too many requests"),
	}
	e := NewSolanaExplorer(mock, nil, testLogger())

	txns, err := e.Transactions(context.Background(), solWallet.String(), 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, sig1.String(), txns[0].Hash)
	assert.Empty(t, txns[0].From)
}

func TestSolana_NonTransferInstructionIgnored(t *testing.T) {
	tx := systemTransfer(solWallet, solDest, 1)
	binary.LittleEndian.PutUint32(tx.Message.Instructions[0].Data[0:4], 0) // CreateAccount

	txn := Transaction{}
	applySystemTransfer(&txn, tx)
	assert.Empty(t, txn.Amount)
}

type stubExplorer struct{ name string }

func (s stubExplorer) Balance(ctx context.Context, address string) (string, error) {
	return s.name, nil
}

func (s stubExplorer) Transactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	return []Transaction{{Hash: s.name}}, nil
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	r := NewRouter().
		Register(chain.KindEVM, stubExplorer{name: "evm"}).
		Register(chain.KindSolana, nil)

	assert.True(t, r.Supports(chain.KindEVM))
	assert.False(t, r.Supports(chain.KindSolana))

	got, err := r.Balance(ctx, evmAddress)
	require.NoError(t, err)
	assert.Equal(t, "evm", got)

	_, err = r.Balance(ctx, solWallet.String())
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = r.Transactions(ctx, "hello", 1)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	r.Register(chain.KindSolana, stubExplorer{name: "sol"})
	txns, err := r.Transactions(ctx, solWallet.String(), 1)
	require.NoError(t, err)
	assert.Equal(t, "sol", txns[0].Hash)
}
