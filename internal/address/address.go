// Package address classifies blockchain addresses by shape and measures how
// much two addresses overlap at their ends.
//
// Classification is a format heuristic only: no checksum or cryptographic
// validation is performed. Two addresses are only ever compared when both
// classify to the same non-unknown type.
package address

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Type is the address family an address or chain identifier belongs to.
type Type string

const (
	TypeEVM     Type = "evm"
	TypeTron    Type = "tron"
	TypeUnknown Type = "unknown"
)

const (
	evmLength  = 42
	tronLength = 34
)

// Classify returns the address family of addr based on prefix and length.
func Classify(addr string) Type {
	switch {
	case strings.HasPrefix(addr, "0x") && len(addr) == evmLength:
		return TypeEVM
	case strings.HasPrefix(addr, "T") && len(addr) == tronLength:
		return TypeTron
	default:
		return TypeUnknown
	}
}

// ChainTypeOf maps a CAIP-2 chain identifier to its address family.
// Empty or unrecognised identifiers are unknown.
func ChainTypeOf(caip2 string) Type {
	switch {
	case strings.HasPrefix(caip2, "eip155:"):
		return TypeEVM
	case strings.HasPrefix(caip2, "tron:"):
		return TypeTron
	default:
		return TypeUnknown
	}
}

// Comparable reports whether a and b may be compared for similarity.
func Comparable(a, b Type) bool {
	return a == b && a != TypeUnknown
}

// PrefixMatchLen returns the length of the longest common case-insensitive
// prefix of a and b.
func PrefixMatchLen(a, b string) int {
	n := min(len(a), len(b))
	count := 0
	for i := 0; i < n; i++ {
		if !sameFold(a[i], b[i]) {
			break
		}
		count++
	}
	return count
}

// SuffixMatchLen returns the length of the longest common case-insensitive
// suffix of a and b.
func SuffixMatchLen(a, b string) int {
	la, lb := len(a), len(b)
	n := min(la, lb)
	count := 0
	for i := 0; i < n; i++ {
		if !sameFold(a[la-1-i], b[lb-1-i]) {
			break
		}
		count++
	}
	return count
}

// Equal reports whether a and b are the same address ignoring case.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Checksum renders an EVM address in EIP-55 mixed case for display.
// Addresses of any other family, or malformed hex, are returned unchanged.
func Checksum(addr string) string {
	if Classify(addr) != TypeEVM || !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

func sameFold(x, y byte) bool {
	if x == y {
		return true
	}
	return lower(x) == lower(y)
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
