package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/explorer"
	"github.com/brojonat/chainquery/service/query"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - questions are bounded far below this
	maxAddressLength   = 128

	defaultRecentQueriesLimit = 10
	maxRecentQueriesLimit     = 100

	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 1000

	defaultWalletsLimit = 100
	maxWalletsLimit     = 1000

	defaultAnalysisLimit = 50
	maxAnalysisLimit     = 500

	defaultExplorerLimit = 10
	maxExplorerLimit     = 100
)

// questionRequest is the body of POST /api/query and POST /api/suggestions.
type questionRequest struct {
	Query string `json:"query"`
}

// queryErrorResponse is the envelope written when a question fails. The
// answer always carries a displayable error variant.
type queryErrorResponse struct {
	Query  string        `json:"query"`
	Answer answer.Answer `json:"answer"`
}

// handleQuery returns a handler that answers a question.
// POST /api/query
// Returns the stored Query record, or a {query, answer} envelope whose answer
// is an error variant.
func handleQuery(orchestrator *query.Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req questionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("invalid query request body", "error", err)
			writeQueryError(w, "", "Invalid request body: expected {\"query\": string}", http.StatusBadRequest)
			return
		}

		result, err := orchestrator.Ask(r.Context(), req.Query)
		if err != nil {
			var qerr *query.Error
			if errors.As(err, &qerr) {
				writeQueryError(w, req.Query, qerr.Message, qerr.Kind.HTTPStatus())
				return
			}
			logger.Error("unexpected query failure", "error", err)
			writeQueryError(w, req.Query, "Internal server error", http.StatusInternalServerError)
			return
		}

		if result.Cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		writeJSON(w, result.Query, http.StatusOK)
	})
}

// handleRecentQueries returns a handler that lists the most recent queries.
// GET /api/recent-queries?limit=N
func handleRecentQueries(store Store, defaultLimit int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, defaultLimit, maxRecentQueriesLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		queries, err := store.RecentQueries(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list recent queries", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("recent queries listed", "count", len(queries))
		writeJSON(w, nonNil(queries), http.StatusOK)
	})
}

// handleGetQuery returns a handler that retrieves a single query.
// GET /api/queries/{id}
func handleGetQuery(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id < 1 {
			writeError(w, "invalid query id", http.StatusBadRequest)
			return
		}

		q, err := store.GetQuery(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "query not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get query", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, q, http.StatusOK)
	})
}

// handleSuggestions returns a handler that proposes sharper phrasings of a question.
// POST /api/suggestions
func handleSuggestions(orchestrator *query.Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req questionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("invalid suggestions request body", "error", err)
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		writeJSON(w, map[string]interface{}{
			"suggestions": orchestrator.Suggest(r.Context(), req.Query),
		}, http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists stored transaction facts.
// GET /api/transactions?address=ADDRESS&q=SEARCH&limit=N
func handleListTransactions(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()

		address := params.Get("address")
		if address != "" {
			if err := validateAddress(address); err != nil {
				logger.Debug("invalid address", "address", address, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit, err := parseLimit(r, defaultTransactionsLimit, maxTransactionsLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transactions, err := store.ListTransactions(r.Context(), db.ListTransactionsParams{
			Address: address,
			Search:  strings.TrimSpace(params.Get("q")),
			Limit:   int32(limit),
		})
		if err != nil {
			logger.Error("failed to list transactions", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transactions listed", "address", address, "count", len(transactions))
		writeJSON(w, nonNil(transactions), http.StatusOK)
	})
}

// handleTransactionAnalysis returns a handler that summarizes patterns in
// the stored transactions.
// GET /api/transactions/analysis?limit=N
func handleTransactionAnalysis(orchestrator *query.Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, defaultAnalysisLimit, maxAnalysisLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		analysis, err := orchestrator.AnalyzeTransactions(r.Context(), limit)
		if err != nil {
			var qerr *query.Error
			if errors.As(err, &qerr) {
				logger.Warn("transaction analysis failed", "kind", qerr.Kind, "error", err)
				writeError(w, qerr.Message, qerr.Kind.HTTPStatus())
				return
			}
			logger.Error("transaction analysis failed", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]string{"analysis": analysis}, http.StatusOK)
	})
}

// handleListWallets returns a handler that lists wallet facts, most recently
// updated first.
// GET /api/wallets?limit=N
func handleListWallets(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, defaultWalletsLimit, maxWalletsLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallets, err := store.ListWallets(r.Context(), int32(limit))
		if err != nil {
			logger.Error("failed to list wallets", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("wallets listed", "count", len(wallets))
		writeJSON(w, nonNil(wallets), http.StatusOK)
	})
}

// handleGetWallet returns a handler that retrieves a wallet fact.
// GET /api/wallets/{address}
func handleGetWallet(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := store.GetWallet(r.Context(), address)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get wallet", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, wallet, http.StatusOK)
	})
}

// handleExplorerBalance returns a handler that looks up a live balance.
// GET /api/explorer/{address}/balance
func handleExplorerBalance(exp explorer.Explorer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		balance, err := exp.Balance(r.Context(), address)
		if err != nil {
			writeExplorerError(w, logger, address, err)
			return
		}

		writeJSON(w, map[string]string{
			"address": address,
			"chain":   string(chain.Classify(address)),
			"balance": balance,
		}, http.StatusOK)
	})
}

// handleExplorerTransactions returns a handler that lists live transactions.
// GET /api/explorer/{address}/transactions?limit=N
func handleExplorerTransactions(exp explorer.Explorer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := parseLimit(r, defaultExplorerLimit, maxExplorerLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txns, err := exp.Transactions(r.Context(), address, limit)
		if err != nil {
			writeExplorerError(w, logger, address, err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"address":      address,
			"chain":        string(chain.Classify(address)),
			"transactions": nonNil(txns),
			"count":        len(txns),
		}, http.StatusOK)
	})
}

// handleHealth reports whether the store is reachable.
// GET /health
func handleHealth(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func writeExplorerError(w http.ResponseWriter, logger *slog.Logger, address string, err error) {
	switch {
	case errors.Is(err, explorer.ErrUnsupportedChain), errors.Is(err, explorer.ErrInvalidAddress):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("explorer lookup failed", "address", address, "error", err)
		writeError(w, "explorer request failed", http.StatusBadGateway)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeQueryError writes the {query, answer} envelope used by POST /api/query.
func writeQueryError(w http.ResponseWriter, text, message string, statusCode int) {
	writeJSON(w, queryErrorResponse{
		Query:  text,
		Answer: answer.NewError(message),
	}, statusCode)
}

// parseLimit reads the limit query parameter, defaulting when absent.
func parseLimit(r *http.Request, defaultLimit, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errorf("invalid limit parameter: must be an integer")
	}
	if limit < 1 {
		return 0, errorf("limit must be at least 1")
	}
	if limit > maxLimit {
		return 0, errorf("limit cannot exceed %d", maxLimit)
	}
	return limit, nil
}

// validateAddress rejects addresses no chain could produce before they reach
// the store or an explorer.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) || unicode.IsSpace(r) {
			return errorf("invalid characters in address: control characters and whitespace not allowed")
		}
	}

	// Check for common SQL injection patterns
	lowerAddr := strings.ToLower(address)
	for _, pattern := range []string{"--", "/*", "*/", ";", "'"} {
		if strings.Contains(lowerAddr, pattern) {
			return errorf("invalid characters in address: suspicious pattern detected")
		}
	}

	return nil
}

// nonNil keeps empty listings encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
