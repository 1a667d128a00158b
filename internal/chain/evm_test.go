package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKnownTx(t *testing.T) {
	assert.True(t, isKnownTx(errors.New("already known")))
	assert.True(t, isKnownTx(errors.New("Known transaction: 0xabc")))
	assert.False(t, isKnownTx(errors.New("nonce too low")))
	assert.False(t, isKnownTx(errors.New("insufficient funds for gas * price + value")))
}
