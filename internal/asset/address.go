// Package asset validates tradable asset identifiers (Solana mint
// addresses) before any market-data call is made.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// NativeMint is the wrapped SOL mint used as the funding currency.
const NativeMint = "So11111111111111111111111111111111111111112"

// addressRegex matches a base58 public key of 32 to 44 characters.
// Example: 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

var (
	// ErrInvalidAddress is returned for anything that is not a base58 mint.
	ErrInvalidAddress = errors.New("asset: invalid address")

	// ErrFundingAsset is returned when the funding currency itself is
	// offered as a tradable asset.
	ErrFundingAsset = errors.New("asset: funding currency is not tradable")
)

// ParseAddress trims and validates a mint address.
func ParseAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %q (expected 32-44 base58 characters)", ErrInvalidAddress, raw)
	}
	if addr == NativeMint {
		return "", fmt.Errorf("%w: %s", ErrFundingAsset, addr)
	}
	return addr, nil
}

// Short returns the leading characters of an identifier for display,
// e.g. a transaction signature in a trade rationale.
func Short(id string, n int) string {
	if n >= len(id) {
		return id
	}
	return id[:n]
}
