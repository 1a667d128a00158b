package rates

import (
	"context"
	"errors"
	"fmt"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/models"

	"github.com/shopspring/decimal"
)

var ErrRateNotFound = fmt.Errorf("%w: unsupported pair", apperr.ErrValidation)

type Repository interface {
	GetRate(ctx context.Context, pair models.Pair) (*models.ExchangeRate, error)
}

// Lookup resolves the price of one unit of the buy leg in units of the pay
// leg. Rates are read at order creation only.
type Lookup struct {
	Store Repository
}

func (l Lookup) Rate(ctx context.Context, pair models.Pair) (decimal.Decimal, error) {
	r, err := l.Store.GetRate(ctx, pair)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return decimal.Zero, ErrRateNotFound
		}
		return decimal.Zero, err
	}
	if !r.Rate.IsPositive() {
		return decimal.Zero, ErrRateNotFound
	}
	return r.Rate, nil
}
