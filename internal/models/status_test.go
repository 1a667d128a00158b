package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderWaitingPayment, OrderUnderpaid, true},
		{OrderUnderpaid, OrderWaitingConfirmation, true},
		{OrderWaitingConfirmation, OrderConfirmed, true},
		{OrderConfirmed, OrderCompleted, true},
		{OrderWaitingPayment, OrderExpired, true},
		{OrderUnderpaid, OrderExpired, true},
		{OrderWaitingConfirmation, OrderExpired, false},
		{OrderWaitingConfirmation, OrderUnderpaid, false},
		{OrderCompleted, OrderFailed, false},
		{OrderCompleted, OrderWaitingPayment, false},
		{OrderExpired, OrderWaitingPayment, true},
		{OrderCanceled, OrderWaitingPayment, true},
		{OrderConfirmed, OrderWaitingPayment, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSourcesOfExpired(t *testing.T) {
	assert.ElementsMatch(t, ExpirableStatuses, SourcesOf(OrderExpired))
}

func TestTerminalAndFinalized(t *testing.T) {
	for _, s := range []OrderStatus{OrderCompleted, OrderExpired, OrderFailed, OrderCanceled} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, OrderConfirmed.IsTerminal())
	assert.True(t, OrderConfirmed.IsFinalized())
	assert.True(t, OrderCompleted.IsFinalized())
	assert.False(t, OrderUnderpaid.IsFinalized())
}
