package helpers

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsAddressValid checks if the provided string is a valid EVM address
// (0x prefix followed by 40 hex characters). The prefix is required even
// though the hex parser tolerates its absence.
func IsAddressValid(address string) bool {
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}

// NormalizeAddress returns the canonical lowercase form of an EVM address.
// Protocol allowlists are matched case-insensitively, so both sides of a
// comparison go through this first.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return strings.ToLower(address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex())
}

// IsHexPayload reports whether the string is a 0x-prefixed hex payload.
// An empty payload and a bare "0x" are both valid (a plain value transfer).
func IsHexPayload(data string) bool {
	if data == "" || data == "0x" {
		return true
	}
	if !strings.HasPrefix(data, "0x") || len(data)%2 != 0 {
		return false
	}
	for _, c := range data[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
