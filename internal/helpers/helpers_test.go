package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAddressValid(t *testing.T) {
	assert.True(t, IsAddressValid("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"))
	assert.True(t, IsAddressValid("0x0000000000000000000000000000000000000000"))

	assert.False(t, IsAddressValid(""))
	assert.False(t, IsAddressValid("0x123"))
	assert.False(t, IsAddressValid("7a250d5630B4cF539739dF2C5dAcb4c659F2488D"))
	assert.False(t, IsAddressValid("0xZZ50d5630B4cF539739dF2C5dAcb4c659F2488D1"))
}

func TestNormalizeAddress(t *testing.T) {
	lower := "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	assert.Equal(t, lower, NormalizeAddress("0x7A250D5630B4CF539739DF2C5DACB4C659F2488D"))
	assert.Equal(t, lower, NormalizeAddress(lower))

	// Non-EVM identifiers (Solana mints) just fold to lowercase.
	assert.Equal(t, "epjfwdd5aufqssqem2qn1xzybapc8g4weggkzwytdt1v",
		NormalizeAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
}

func TestIsHexPayload(t *testing.T) {
	assert.True(t, IsHexPayload(""))
	assert.True(t, IsHexPayload("0x"))
	assert.True(t, IsHexPayload("0x38ed1739"))
	assert.True(t, IsHexPayload("0xDEADbeef"))

	assert.False(t, IsHexPayload("38ed1739"))
	assert.False(t, IsHexPayload("0x123")) // odd nibble count
	assert.False(t, IsHexPayload("0xgg"))
}
