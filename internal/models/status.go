package models

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:             {OrderWaitingPayment, OrderUnderpaid, OrderWaitingConfirmation, OrderConfirmed, OrderExpired, OrderCanceled, OrderFailed},
	OrderWaitingPayment:      {OrderUnderpaid, OrderWaitingConfirmation, OrderConfirmed, OrderExpired, OrderCanceled, OrderFailed},
	OrderUnderpaid:           {OrderUnderpaid, OrderWaitingConfirmation, OrderConfirmed, OrderExpired, OrderCanceled, OrderFailed},
	OrderWaitingConfirmation: {OrderWaitingConfirmation, OrderConfirmed, OrderCanceled, OrderFailed},
	OrderConfirmed:           {OrderCompleted, OrderCanceled, OrderFailed},
	OrderExpired:             {OrderWaitingPayment},
	OrderFailed:              {OrderWaitingPayment},
	OrderCanceled:            {OrderWaitingPayment},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf lists every status that may move into to. Store updates use it
// as the guard of their conditional WHERE clause.
func SourcesOf(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var AllStatuses = []OrderStatus{
	OrderPending,
	OrderWaitingPayment,
	OrderUnderpaid,
	OrderWaitingConfirmation,
	OrderConfirmed,
	OrderCompleted,
	OrderExpired,
	OrderFailed,
	OrderCanceled,
}

// WatchedStatuses are the states whose payment address is monitored upstream
// and re-validated by the periodic sweep.
var WatchedStatuses = []OrderStatus{OrderWaitingPayment, OrderUnderpaid, OrderWaitingConfirmation}

// ExpirableStatuses are the pre-confirmation states the sweeper may expire.
var ExpirableStatuses = []OrderStatus{OrderPending, OrderWaitingPayment, OrderUnderpaid}

// FailureStatuses are the terminal states that give the deposit address back.
var FailureStatuses = []OrderStatus{OrderExpired, OrderFailed, OrderCanceled}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderExpired, OrderFailed, OrderCanceled:
		return true
	}
	return false
}

// IsFinalized is true once trade terms and the payment address are frozen.
func (s OrderStatus) IsFinalized() bool {
	return s == OrderConfirmed || s == OrderCompleted
}

func (s OrderStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func StatusIn(s OrderStatus, set []OrderStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
