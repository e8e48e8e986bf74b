// Package chain classifies and normalizes blockchain addresses.
package chain

import (
	"regexp"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
)

// Kind identifies the address family an address belongs to.
type Kind string

const (
	KindEVM     Kind = "evm"
	KindSolana  Kind = "solana"
	KindUnknown Kind = "unknown"
)

var evmAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeAddress returns the storage key for an address: trimmed and
// lower-cased so lookups are case-insensitive.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Classify reports which chain family an address belongs to. It must be
// called on the address as received, since Solana keys are case-sensitive.
func Classify(address string) Kind {
	address = strings.TrimSpace(address)
	if evmAddressRegex.MatchString(address) {
		return KindEVM
	}
	if _, err := solanago.PublicKeyFromBase58(address); err == nil {
		return KindSolana
	}
	return KindUnknown
}
