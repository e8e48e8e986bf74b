package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/chainquery/service/db"
)

// NoPatternsFound is returned by AnalyzeTransactions when the model has
// nothing to report.
const NoPatternsFound = "No significant patterns found"

// Suggest asks the model how a question could be made more precise.
// It never fails: any problem yields the fallback suggestions.
func (o *Orchestrator) Suggest(ctx context.Context, question string) []string {
	fallback := append([]string(nil), o.prompts.FallbackSuggestions...)

	if strings.TrimSpace(question) == "" {
		return fallback
	}

	raw, err := o.complete(ctx, o.prompts.QuerySuggestions, question)
	if err != nil {
		o.logger.WarnContext(ctx, "suggestion request failed, using fallback", "error", err)
		return fallback
	}

	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		o.logger.WarnContext(ctx, "suggestion response is not JSON, using fallback", "error", err)
		return fallback
	}

	suggestions := make([]string, 0, len(resp.Suggestions))
	for _, s := range resp.Suggestions {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	if len(suggestions) == 0 {
		return fallback
	}
	return suggestions
}

// analysisInput is the shape each stored transaction is sent to the model in.
type analysisInput struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Timestamp string `json:"timestamp"`
}

// AnalyzeTransactions asks the model to describe patterns in the most recent
// stored transactions. Errors are *Error values.
func (o *Orchestrator) AnalyzeTransactions(ctx context.Context, limit int) (string, error) {
	if limit <= 0 {
		limit = 50
	}
	txns, err := o.store.ListTransactions(ctx, db.ListTransactionsParams{Limit: int32(limit)})
	if err != nil {
		return "", newError(PersistenceFailed, "Failed to load transactions", err)
	}
	if len(txns) == 0 {
		return NoPatternsFound, nil
	}

	input := make([]analysisInput, len(txns))
	for i, t := range txns {
		input[i] = analysisInput{
			Hash:      t.Hash,
			From:      t.From,
			To:        t.To,
			Amount:    t.Amount,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode transactions: %w", err)
	}

	raw, err := o.complete(ctx, o.prompts.TransactionAnalysis, string(payload))
	if err != nil {
		return "", newError(SynthesisFailed, "Failed to analyze transaction pattern", err)
	}

	var resp struct {
		Analysis json.RawMessage `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return "", newError(ResponseMalformed, "Failed to analyze transaction pattern", err)
	}
	return analysisText(resp.Analysis), nil
}

// analysisText flattens the analysis field: strings are returned as is,
// structured values as compact JSON.
func analysisText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NoPatternsFound
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return NoPatternsFound
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return NoPatternsFound
	}
	return buf.String()
}
