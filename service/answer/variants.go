package answer

import (
	"bytes"
	"encoding/json"
)

type variantDecoder func(data json.RawMessage, a *Answer) error

var decoders = map[Kind]variantDecoder{
	KindWallet:      decodeWallet,
	KindTransaction: decodeTransactions,
	KindAnalysis:    decodeAnalysis,
}

// decodeWallet requires an object with non-empty address and balance strings.
func decodeWallet(data json.RawMessage, a *Answer) error {
	obj, ok := asObject(data)
	if !ok {
		return newValidationError(RulePayloadShape, "wallet data must be an object")
	}
	address, ok := stringField(obj, "address")
	if !ok {
		return newValidationError(RuleWalletFields, "wallet data requires an address string")
	}
	balance, ok := stringField(obj, "balance")
	if !ok {
		return newValidationError(RuleWalletFields, "wallet data requires a balance string")
	}
	a.Wallet = &Wallet{Address: address, Balance: balance}
	return nil
}

// decodeTransactions requires a non-empty array whose every element has
// hash, from and to strings.
func decodeTransactions(data json.RawMessage, a *Answer) error {
	if !startsWith(data, '[') {
		return newValidationError(RulePayloadShape, "transaction data must be an array")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return newValidationError(RulePayloadShape, "transaction data must be an array")
	}
	if len(elems) == 0 {
		return newValidationError(RuleEmptyTransactions, "transaction data must not be empty")
	}

	txs := make([]Transaction, 0, len(elems))
	for i, elem := range elems {
		obj, ok := asObject(elem)
		if !ok {
			return newValidationError(RuleTransactionFields, "transaction %d is not an object", i)
		}
		var tx Transaction
		for _, f := range []struct {
			name string
			dst  *string
		}{{"hash", &tx.Hash}, {"from", &tx.From}, {"to", &tx.To}} {
			v, ok := stringField(obj, f.name)
			if !ok {
				return newValidationError(RuleTransactionFields, "transaction %d requires a %s string", i, f.name)
			}
			*f.dst = v
		}
		tx.Amount, _ = amountField(obj, "amount")
		tx.Timestamp, _ = stringField(obj, "timestamp")
		txs = append(txs, tx)
	}
	a.Transactions = txs
	return nil
}

// decodeAnalysis requires an object with at least one of topSpenders (array),
// metrics (object) or insights (object).
func decodeAnalysis(data json.RawMessage, a *Answer) error {
	obj, ok := asObject(data)
	if !ok {
		return newValidationError(RulePayloadShape, "analysis data must be an object")
	}
	var an Analysis
	if v := obj["topSpenders"]; startsWith(v, '[') {
		an.TopSpenders = v
	}
	if v := obj["metrics"]; startsWith(v, '{') {
		an.Metrics = v
	}
	if v := obj["insights"]; startsWith(v, '{') {
		an.Insights = v
	}
	if an.TopSpenders == nil && an.Metrics == nil && an.Insights == nil {
		return newValidationError(RuleAnalysisFields, "analysis data requires topSpenders, metrics or insights")
	}
	a.Analysis = &an
	return nil
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if !startsWith(raw, '{') {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// stringField returns a non-empty string value for key.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok || !startsWith(raw, '"') {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// amountField is stringField that also takes a JSON number, keeping its
// literal text.
func amountField(obj map[string]json.RawMessage, key string) (string, bool) {
	if s, ok := stringField(obj, key); ok {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(obj[key], &n); err != nil || n == "" {
		return "", false
	}
	return n.String(), true
}

func startsWith(raw json.RawMessage, c byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == c
}
