package guard

import (
	"fmt"
	"math/big"
	"strings"
)

// Monetary amounts are micro-USD (6 decimals) carried as int64 internally
// and as decimal strings on the wire, so no floating point touches money
// that is compared against a limit.

// FormatUSD renders a micro-USD amount as a dollar string, e.g. "$1.50".
func FormatUSD(micro int64) string {
	sign := ""
	if micro < 0 {
		sign = "-"
		micro = -micro
	}
	return fmt.Sprintf("%s$%d.%02d", sign, micro/1_000_000, (micro%1_000_000)/10_000)
}

// ParseUSD parses a dollar string like "$1.50" or "1.5" into micro-USD.
func ParseUSD(s string) (int64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	if cleaned == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := cleaned, ""
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		whole, frac = cleaned[:i], cleaned[i+1:]
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))

	dollars, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !dollars.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return dollars.Int64(), nil
}

// ParseBigInt parses a decimal string into a big.Int, rejecting negatives.
// Used for native-unit transaction values, which can exceed int64 (wei).
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}
