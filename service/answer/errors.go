package answer

import "fmt"

// Rule identifies which part of the answer contract was violated.
type Rule string

const (
	RuleNotObject          Rule = "not_object"
	RuleUnknownType        Rule = "unknown_type"
	RuleMissingData        Rule = "missing_data"
	RulePayloadShape       Rule = "payload_shape"
	RuleMissingExplanation Rule = "missing_explanation"
	RuleWalletFields       Rule = "wallet_fields"
	RuleEmptyTransactions  Rule = "empty_transactions"
	RuleTransactionFields  Rule = "transaction_fields"
	RuleAnalysisFields     Rule = "analysis_fields"
)

// ValidationError is returned when a candidate answer fails the contract.
type ValidationError struct {
	Rule   Rule
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid answer (%s): %s", e.Rule, e.Reason)
}

func newValidationError(rule Rule, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}
