package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the discriminant of an Answer.
type Kind string

const (
	KindWallet      Kind = "wallet"
	KindTransaction Kind = "transaction"
	KindAnalysis    Kind = "analysis"

	// KindError marks a display-only answer built by the server. It is never
	// produced by decoding and never persisted.
	KindError Kind = "error"
)

// Policy controls how strictly the explanation field is checked.
type Policy struct {
	RequireExplanation bool
}

var (
	// Strict requires a non-empty explanation string.
	Strict = Policy{RequireExplanation: true}
	// Relaxed accepts a missing explanation but still rejects a non-string one.
	Relaxed = Policy{RequireExplanation: false}
)

// Answer is the structured result of interpreting a question.
// Exactly one of Wallet, Transactions, Analysis or Error is set, selected by Kind.
// Data keeps the payload as received so extra fields survive a round trip.
type Answer struct {
	Kind         Kind
	Wallet       *Wallet
	Transactions []Transaction
	Analysis     *Analysis
	Error        *ErrorPayload
	Explanation  string
	Data         json.RawMessage

	// raw is the envelope as loaded by UnmarshalJSON. Validate checks it
	// instead of the typed view, which drops fields that failed to parse.
	raw json.RawMessage
}

// Wallet is the payload of a wallet answer.
type Wallet struct {
	Address string
	Balance string
}

// Transaction is one element of a transaction answer.
// Amount keeps a numeric amount as its JSON text. Amount and Timestamp are
// empty when absent or of any other type.
type Transaction struct {
	Hash      string
	From      string
	To        string
	Amount    string
	Timestamp string
}

// Analysis is the payload of an analysis answer. Only the fields the
// contract checks are surfaced; the rest stays in Answer.Data.
type Analysis struct {
	TopSpenders json.RawMessage
	Metrics     json.RawMessage
	Insights    json.RawMessage
}

// ErrorPayload carries the message of an error answer.
type ErrorPayload struct {
	Error string `json:"error"`
}

// DefaultErrorExplanation is attached to every error answer.
const DefaultErrorExplanation = "The AI model could not provide an accurate answer. Please try rephrasing your question."

// NewError builds the display-only error answer.
func NewError(message string) Answer {
	payload := ErrorPayload{Error: message}
	data, _ := json.Marshal(payload)
	return Answer{
		Kind:        KindError,
		Error:       &payload,
		Explanation: DefaultErrorExplanation,
		Data:        data,
	}
}

// IsError reports whether the answer is the display-only error variant.
func (a Answer) IsError() bool {
	return a.Kind == KindError
}

type envelope struct {
	Type        Kind            `json:"type"`
	Data        json.RawMessage `json:"data"`
	Explanation *string         `json:"explanation,omitempty"`
}

// MarshalJSON encodes the answer in its wire shape {type, data, explanation}.
func (a Answer) MarshalJSON() ([]byte, error) {
	data := a.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	env := envelope{Type: a.Kind, Data: data}
	if a.Explanation != "" || a.Kind == KindError {
		expl := a.Explanation
		env.Explanation = &expl
	}
	return json.Marshal(env)
}

// UnmarshalJSON only parses the envelope; typed views are filled when the
// payload happens to satisfy its contract. It never validates, so records
// that were stored malformed can still be loaded and rejected by Validate.
// Use Decode for untrusted input.
func (a *Answer) UnmarshalJSON(b []byte) error {
	var env struct {
		Type        Kind            `json:"type"`
		Data        json.RawMessage `json:"data"`
		Explanation json.RawMessage `json:"explanation"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("invalid answer envelope: %w", err)
	}

	*a = Answer{Kind: env.Type, Data: env.Data, raw: append(json.RawMessage(nil), b...)}
	if !isNull(env.Explanation) {
		_ = json.Unmarshal(env.Explanation, &a.Explanation)
	}
	if isNull(env.Data) {
		return nil
	}

	if env.Type == KindError {
		var payload ErrorPayload
		if json.Unmarshal(env.Data, &payload) == nil {
			a.Error = &payload
		}
		return nil
	}
	if decode, ok := decoders[env.Type]; ok {
		_ = decode(env.Data, a)
	}
	return nil
}

// Decode parses raw synthesizer output and validates it against the answer
// contract. The result is either a fully validated Answer or a
// *ValidationError naming the violated rule; nothing is repaired.
func Decode(raw []byte, policy Policy) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Answer{}, newValidationError(RuleNotObject, "answer must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Answer{}, newValidationError(RuleNotObject, "answer is not valid JSON: %v", err)
	}

	var kind Kind
	if err := json.Unmarshal(fields["type"], &kind); err != nil {
		return Answer{}, newValidationError(RuleUnknownType, "type must be a string")
	}
	decode, ok := decoders[kind]
	if !ok {
		return Answer{}, newValidationError(RuleUnknownType, "unknown answer type %q", kind)
	}

	data := fields["data"]
	if isNull(data) {
		return Answer{}, newValidationError(RuleMissingData, "data is required")
	}

	explanation, err := decodeExplanation(fields["explanation"], policy)
	if err != nil {
		return Answer{}, err
	}

	a := Answer{Kind: kind, Explanation: explanation, Data: data}
	if err := decode(data, &a); err != nil {
		return Answer{}, err
	}
	return a, nil
}

// Validate re-checks an already decoded answer, for example one read back
// from storage before it is served as a cache hit. Answers loaded through
// UnmarshalJSON are checked against the exact bytes they were loaded from.
func Validate(a Answer, policy Policy) error {
	if a.Kind == KindError {
		return newValidationError(RuleUnknownType, "error answers are display-only")
	}
	if len(a.raw) > 0 {
		_, err := Decode(a.raw, policy)
		return err
	}
	raw, err := a.MarshalJSON()
	if err != nil {
		return newValidationError(RuleNotObject, "answer cannot be encoded: %v", err)
	}
	_, err = Decode(raw, policy)
	return err
}

func decodeExplanation(raw json.RawMessage, policy Policy) (string, error) {
	if isNull(raw) {
		if policy.RequireExplanation {
			return "", newValidationError(RuleMissingExplanation, "explanation is required")
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", newValidationError(RuleMissingExplanation, "explanation must be a string")
	}
	if s == "" && policy.RequireExplanation {
		return "", newValidationError(RuleMissingExplanation, "explanation must not be empty")
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
