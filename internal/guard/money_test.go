package guard

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		micro int64
		want  string
	}{
		{0, "$0.00"},
		{1_500_000, "$1.50"},
		{600_000, "$0.60"},
		{1_234_567, "$1.23"},
		{100_000_000, "$100.00"},
		{-2_500_000, "-$2.50"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUSD(tt.micro))
	}
}

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"$1.50", 1_500_000, false},
		{"1.5", 1_500_000, false},
		{"100", 100_000_000, false},
		{"1,000", 1_000_000_000, false},
		{" $0.50 ", 500_000, false},
		{"0.1234567", 123_456, false}, // truncates past micro precision
		{"0", 0, false},
		{"", 0, true},
		{"$", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUSD(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseBigInt(t *testing.T) {
	v, err := ParseBigInt("")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())

	// One ETH in wei exceeds nothing, but 10^21 wei exceeds int64.
	huge := new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
	v, err = ParseBigInt(huge.String())
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(huge))

	_, err = ParseBigInt("-1")
	assert.Error(t, err)

	_, err = ParseBigInt("1.5")
	assert.Error(t, err)

	_, err = ParseBigInt("xyz")
	assert.Error(t, err)
}
