package orders

import (
	"fmt"

	"SwapGateway/internal/apperr"
)

var (
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be a positive number within asset precision", apperr.ErrValidation)
	ErrInvalidAddress     = fmt.Errorf("%w: invalid receiving address", apperr.ErrValidation)
	ErrInvalidPair        = fmt.Errorf("%w: incomplete pair", apperr.ErrValidation)
	ErrUnsupportedPayment = fmt.Errorf("%w: payment option not available", apperr.ErrValidation)
	ErrInsufficientData   = fmt.Errorf("%w: insufficient data", apperr.ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid status transition", apperr.ErrConflict)
	ErrPayoutInProgress   = fmt.Errorf("%w: payout in progress", apperr.ErrConflict)
)
