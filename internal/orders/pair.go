package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/models"
)

// PairInput is one of PairByID, PairBySymbol or PairByOption.
type PairInput interface {
	isPairInput()
}

// PairByID names both legs by catalog ids.
type PairByID struct {
	models.Pair
}

// PairBySymbol names both legs by coin symbol and network code.
type PairBySymbol struct {
	BuyCoin    string
	BuyNetwork string
	PayCoin    string
	PayNetwork string
}

// PairByOption names both legs by payment option id.
type PairByOption struct {
	BuyOptionID string
	PayOptionID string
}

func (PairByID) isPairInput()     {}
func (PairBySymbol) isPairInput() {}
func (PairByOption) isPairInput() {}

type CatalogRepository interface {
	GetCoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error)
	GetNetworkByCode(ctx context.Context, code string) (*models.Network, error)
	GetPaymentOption(ctx context.Context, id string) (*models.PaymentOption, error)
}

// Resolver turns any PairInput into catalog ids.
type Resolver struct {
	Store CatalogRepository
}

func (r Resolver) Resolve(ctx context.Context, in PairInput) (models.Pair, error) {
	switch p := in.(type) {
	case PairByID:
		if p.BuyCoinID == "" || p.BuyNetworkID == "" || p.PayCoinID == "" || p.PayNetworkID == "" {
			return models.Pair{}, ErrInvalidPair
		}
		return p.Pair, nil
	case PairBySymbol:
		return r.bySymbol(ctx, p)
	case PairByOption:
		return r.byOption(ctx, p)
	case nil:
		return models.Pair{}, ErrInvalidPair
	default:
		return models.Pair{}, fmt.Errorf("%w: unknown pair form %T", apperr.ErrValidation, in)
	}
}

func (r Resolver) bySymbol(ctx context.Context, p PairBySymbol) (models.Pair, error) {
	var out models.Pair
	lookups := []struct {
		symbol, code string
		coin, net    *string
	}{
		{p.BuyCoin, p.BuyNetwork, &out.BuyCoinID, &out.BuyNetworkID},
		{p.PayCoin, p.PayNetwork, &out.PayCoinID, &out.PayNetworkID},
	}
	for _, l := range lookups {
		if strings.TrimSpace(l.symbol) == "" || strings.TrimSpace(l.code) == "" {
			return models.Pair{}, ErrInvalidPair
		}
		coin, err := r.Store.GetCoinBySymbol(ctx, l.symbol)
		if err != nil {
			return models.Pair{}, notFoundAsValidation(err, "unknown coin "+l.symbol)
		}
		network, err := r.Store.GetNetworkByCode(ctx, l.code)
		if err != nil {
			return models.Pair{}, notFoundAsValidation(err, "unknown network "+l.code)
		}
		*l.coin, *l.net = coin.ID, network.ID
	}
	return out, nil
}

func (r Resolver) byOption(ctx context.Context, p PairByOption) (models.Pair, error) {
	if p.BuyOptionID == "" || p.PayOptionID == "" {
		return models.Pair{}, ErrInvalidPair
	}
	buy, err := r.Store.GetPaymentOption(ctx, p.BuyOptionID)
	if err != nil {
		return models.Pair{}, notFoundAsValidation(err, "unknown option "+p.BuyOptionID)
	}
	pay, err := r.Store.GetPaymentOption(ctx, p.PayOptionID)
	if err != nil {
		return models.Pair{}, notFoundAsValidation(err, "unknown option "+p.PayOptionID)
	}
	return models.Pair{
		BuyCoinID:    buy.CoinID,
		BuyNetworkID: buy.NetworkID,
		PayCoinID:    pay.CoinID,
		PayNetworkID: pay.NetworkID,
	}, nil
}

func notFoundAsValidation(err error, reason string) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("%w: %s", apperr.ErrValidation, reason)
	}
	return err
}
