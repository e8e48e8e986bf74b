package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultEtherscanBaseURL = "https://api.etherscan.io/api"
	weiDecimals             = 18
)

// EtherscanConfig holds the Etherscan API settings.
type EtherscanConfig struct {
	APIKey  string
	BaseURL string
	// RPS caps outbound requests per second. Zero means 5.
	RPS     float64
	Timeout time.Duration
}

// EtherscanClient implements Explorer for EVM addresses using the Etherscan
// account API.
type EtherscanClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewEtherscanClient creates a new Etherscan client.
func NewEtherscanClient(cfg EtherscanConfig, m *metrics.Metrics, logger *slog.Logger) *EtherscanClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEtherscanBaseURL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &EtherscanClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		metrics:    m,
		logger:     logger,
	}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTx struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	TimeStamp   string `json:"timeStamp"`
	BlockNumber string `json:"blockNumber"`
	IsError     string `json:"isError"`
}

// Balance returns the address balance in ETH.
func (c *EtherscanClient) Balance(ctx context.Context, address string) (balance string, err error) {
	defer c.observe("balance", time.Now(), &err)

	if chain.Classify(address) != chain.KindEVM {
		return "", fmt.Errorf("%w: %q is not an EVM address", ErrInvalidAddress, address)
	}

	resp, err := c.get(ctx, url.Values{
		"module":  {"account"},
		"action":  {"balance"},
		"address": {address},
		"tag":     {"latest"},
	})
	if err != nil {
		return "", err
	}
	if resp.Status != "1" {
		return "", fmt.Errorf("etherscan balance failed: %s", resp.describe())
	}

	var raw string
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return "", fmt.Errorf("unexpected balance result: %w", err)
	}
	wei, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("unexpected balance result %q", raw)
	}
	return formatUnits(wei, weiDecimals) + " ETH", nil
}

// Transactions returns the most recent normal transactions of an address.
func (c *EtherscanClient) Transactions(ctx context.Context, address string, limit int) (txns []Transaction, err error) {
	defer c.observe("transactions", time.Now(), &err)

	if chain.Classify(address) != chain.KindEVM {
		return nil, fmt.Errorf("%w: %q is not an EVM address", ErrInvalidAddress, address)
	}

	resp, err := c.get(ctx, url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {address},
		"startblock": {"0"},
		"endblock":   {"99999999"},
		"page":       {"1"},
		"offset":     {strconv.Itoa(clampLimit(limit))},
		"sort":       {"desc"},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		if strings.HasPrefix(resp.Message, "No transactions found") {
			return []Transaction{}, nil
		}
		return nil, fmt.Errorf("etherscan txlist failed: %s", resp.describe())
	}

	var raw []etherscanTx
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected txlist result: %w", err)
	}

	txns = make([]Transaction, 0, len(raw))
	for _, tx := range raw {
		t := Transaction{
			Hash:   tx.Hash,
			From:   tx.From,
			To:     tx.To,
			Failed: tx.IsError == "1",
		}
		if wei, ok := new(big.Int).SetString(tx.Value, 10); ok {
			t.Amount = formatUnits(wei, weiDecimals) + " ETH"
		}
		if secs, err := strconv.ParseInt(tx.TimeStamp, 10, 64); err == nil {
			t.Timestamp = time.Unix(secs, 0).UTC()
		}
		if block, err := strconv.ParseUint(tx.BlockNumber, 10, 64); err == nil {
			t.Block = block
		}
		txns = append(txns, t)
	}
	return txns, nil
}

func (c *EtherscanClient) get(ctx context.Context, params url.Values) (*etherscanResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherscan request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("etherscan returned status %d", resp.StatusCode)
	}

	var out etherscanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode etherscan response: %w", err)
	}
	return &out, nil
}

// describe renders an error response; Etherscan puts the detail in result.
func (r *etherscanResponse) describe() string {
	var detail string
	if json.Unmarshal(r.Result, &detail) == nil && detail != "" {
		return r.Message + ": " + detail
	}
	return r.Message
}

func (c *EtherscanClient) observe(method string, start time.Time, err *error) {
	c.metrics.RecordExplorerCall(string(chain.KindEVM), method, time.Since(start).Seconds(), *err)
	if *err != nil {
		c.logger.Warn("etherscan call failed", "method", method, "error", *err)
	}
}
