package store

import (
	"context"

	"SwapGateway/internal/models"
)

func (s *Store) GetCoin(ctx context.Context, id string) (*models.Coin, error) {
	var c models.Coin
	err := s.Pool.QueryRow(ctx, `SELECT id, symbol, name, is_active FROM coins WHERE id=$1`, id).
		Scan(&c.ID, &c.Symbol, &c.Name, &c.IsActive)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) GetCoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error) {
	var c models.Coin
	err := s.Pool.QueryRow(ctx, `SELECT id, symbol, name, is_active FROM coins WHERE upper(symbol)=upper($1)`, symbol).
		Scan(&c.ID, &c.Symbol, &c.Name, &c.IsActive)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

const networkColumns = `id, code, name, chain_family, required_confirmations, is_active`

func scanNetwork(row scanner) (*models.Network, error) {
	var n models.Network
	if err := row.Scan(&n.ID, &n.Code, &n.Name, &n.ChainFamily, &n.RequiredConfirmations, &n.IsActive); err != nil {
		return nil, translate(err)
	}
	return &n, nil
}

func (s *Store) GetNetwork(ctx context.Context, id string) (*models.Network, error) {
	return scanNetwork(s.Pool.QueryRow(ctx, `SELECT `+networkColumns+` FROM networks WHERE id=$1`, id))
}

func (s *Store) GetNetworkByCode(ctx context.Context, code string) (*models.Network, error) {
	return scanNetwork(s.Pool.QueryRow(ctx, `SELECT `+networkColumns+` FROM networks WHERE lower(code)=lower($1)`, code))
}

func (s *Store) ListNetworks(ctx context.Context) ([]*models.Network, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+networkColumns+` FROM networks ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) GetCoinNetwork(ctx context.Context, coinID, networkID string) (*models.CoinNetwork, error) {
	var cn models.CoinNetwork
	err := s.Pool.QueryRow(ctx, `
		SELECT coin_id, network_id, asset_type, contract_address, decimals, memo_kind, is_active
		FROM coin_networks WHERE coin_id=$1 AND network_id=$2
	`, coinID, networkID).Scan(
		&cn.CoinID,
		&cn.NetworkID,
		&cn.AssetType,
		&cn.ContractAddress,
		&cn.Decimals,
		&cn.MemoKind,
		&cn.IsActive,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &cn, nil
}

func (s *Store) GetPaymentOption(ctx context.Context, id string) (*models.PaymentOption, error) {
	var po models.PaymentOption
	err := s.Pool.QueryRow(ctx, `SELECT id, coin_id, network_id, is_active FROM payment_options WHERE id=$1`, id).
		Scan(&po.ID, &po.CoinID, &po.NetworkID, &po.IsActive)
	if err != nil {
		return nil, translate(err)
	}
	return &po, nil
}

func (s *Store) GetPaymentOptionFor(ctx context.Context, coinID, networkID string) (*models.PaymentOption, error) {
	var po models.PaymentOption
	err := s.Pool.QueryRow(ctx, `
		SELECT id, coin_id, network_id, is_active FROM payment_options WHERE coin_id=$1 AND network_id=$2
	`, coinID, networkID).Scan(&po.ID, &po.CoinID, &po.NetworkID, &po.IsActive)
	if err != nil {
		return nil, translate(err)
	}
	return &po, nil
}

func (s *Store) GetRate(ctx context.Context, pair models.Pair) (*models.ExchangeRate, error) {
	var rate string
	r := models.ExchangeRate{Pair: pair}
	err := s.Pool.QueryRow(ctx, `
		SELECT rate::text, updated_at FROM exchange_rates
		WHERE buy_coin_id=$1 AND buy_network_id=$2 AND pay_coin_id=$3 AND pay_network_id=$4
	`, pair.BuyCoinID, pair.BuyNetworkID, pair.PayCoinID, pair.PayNetworkID).Scan(&rate, &r.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if r.Rate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpsertRate(ctx context.Context, rate *models.ExchangeRate) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO exchange_rates (buy_coin_id, buy_network_id, pay_coin_id, pay_network_id, rate, updated_at)
		VALUES ($1,$2,$3,$4,$5::numeric,now())
		ON CONFLICT (buy_coin_id, buy_network_id, pay_coin_id, pay_network_id)
		DO UPDATE SET rate=EXCLUDED.rate, updated_at=now()
	`, rate.BuyCoinID, rate.BuyNetworkID, rate.PayCoinID, rate.PayNetworkID, rate.Rate.String())
	return translate(err)
}
