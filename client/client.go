package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/chainquery/service/answer"
)

// Query is an answered question as stored by the server.
type Query struct {
	ID        int64         `json:"id"`
	Text      string        `json:"query"`
	Answer    answer.Answer `json:"answer"`
	CreatedAt time.Time     `json:"created_at"`
}

// Transaction is a stored transaction fact.
type Transaction struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is a stored wallet fact.
type Wallet struct {
	Address     string    `json:"address"`
	Balance     string    `json:"balance"`
	Chain       string    `json:"chain"`
	LastUpdated time.Time `json:"last_updated"`
}

// ExplorerTransaction is a live transaction reported by a block explorer.
type ExplorerTransaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Block     uint64    `json:"block"`
	Failed    bool      `json:"failed,omitempty"`
}

// TransactionFilter narrows a transaction listing. Zero values are omitted.
type TransactionFilter struct {
	Address string
	Search  string
	Limit   int
}

// QueryError is returned by Ask when the server could not answer. Answer is
// the error variant the server sent back.
type QueryError struct {
	StatusCode int
	Query      string
	Answer     answer.Answer
}

func (e *QueryError) Error() string {
	if e.Answer.Error != nil {
		return fmt.Sprintf("query failed (%d): %s", e.StatusCode, e.Answer.Error.Error)
	}
	return fmt.Sprintf("query failed with status %d", e.StatusCode)
}

// Client is the HTTP client for the chainquery service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new chainquery client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Ask submits a question. A failed question returns a *QueryError.
func (c *Client) Ask(ctx context.Context, question string) (*Query, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/query", nil, map[string]string{"query": question})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		qerr := &QueryError{StatusCode: resp.StatusCode}
		var envelope struct {
			Query  string        `json:"query"`
			Answer answer.Answer `json:"answer"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Answer.Kind == "" {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
		}
		qerr.Query = envelope.Query
		qerr.Answer = envelope.Answer
		return nil, qerr
	}

	var q Query
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("question answered",
		"query_id", q.ID,
		"answer_type", q.Answer.Kind,
		"cached", resp.Header.Get("X-Cache") == "HIT",
	)
	return &q, nil
}

// RecentQueries lists the most recent questions. A zero limit uses the
// server default.
func (c *Client) RecentQueries(ctx context.Context, limit int) ([]*Query, error) {
	var out []*Query
	if err := c.getJSON(ctx, "/api/recent-queries", limitParams(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQuery retrieves a single stored question.
func (c *Client) GetQuery(ctx context.Context, id int64) (*Query, error) {
	var out Query
	if err := c.getJSON(ctx, "/api/queries/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions lists stored transaction facts, newest first.
func (c *Client) Transactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	params := limitParams(filter.Limit)
	if filter.Address != "" {
		params.Set("address", filter.Address)
	}
	if filter.Search != "" {
		params.Set("q", filter.Search)
	}

	var out []*Transaction
	if err := c.getJSON(ctx, "/api/transactions", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzeTransactions asks the server to describe patterns in stored transactions.
func (c *Client) AnalyzeTransactions(ctx context.Context, limit int) (string, error) {
	var out struct {
		Analysis string `json:"analysis"`
	}
	if err := c.getJSON(ctx, "/api/transactions/analysis", limitParams(limit), &out); err != nil {
		return "", err
	}
	return out.Analysis, nil
}

// Wallet retrieves a stored wallet fact.
func (c *Client) Wallet(ctx context.Context, address string) (*Wallet, error) {
	var out Wallet
	if err := c.getJSON(ctx, "/api/wallets/"+url.PathEscape(address), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wallets lists stored wallet facts, most recently updated first.
func (c *Client) Wallets(ctx context.Context, limit int) ([]*Wallet, error) {
	var out []*Wallet
	if err := c.getJSON(ctx, "/api/wallets", limitParams(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Suggest returns clearer phrasings of a question.
func (c *Client) Suggest(ctx context.Context, question string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/suggestions", nil, map[string]string{"query": question})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var out struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Suggestions, nil
}

// ExplorerBalance looks up the live balance of an address.
func (c *Client) ExplorerBalance(ctx context.Context, address string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.getJSON(ctx, "/api/explorer/"+url.PathEscape(address)+"/balance", nil, &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

// ExplorerTransactions looks up live transactions of an address.
func (c *Client) ExplorerTransactions(ctx context.Context, address string, limit int) ([]ExplorerTransaction, error) {
	var out struct {
		Transactions []ExplorerTransaction `json:"transactions"`
	}
	if err := c.getJSON(ctx, "/api/explorer/"+url.PathEscape(address)+"/transactions", limitParams(limit), &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Health checks that the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server unhealthy (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func limitParams(limit int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
}

// StatusError is a non-2xx response carrying the server's error message.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return "request failed: " + e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}
