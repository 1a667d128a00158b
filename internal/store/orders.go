package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"SwapGateway/internal/models"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id::text, buy_coin_id, buy_network_id, pay_coin_id, pay_network_id,
	amount::text, price_rate::text, pay_amount::text, payment_addr, payment_memo,
	receiving_addr, receiving_memo, status, tx_hash, confirmations, required_confirmations,
	received_amount::text, payout_hash, payout_at, payout_locked_at, payout_signed_hash, payout_signed_tx,
	expires_at, created_at, updated_at`

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var amount, rate, payAmount, received string
	var payMemo, recvMemo, txHash, payoutHash, signedHash sql.NullString
	var payoutAt, lockedAt sql.NullTime
	err := row.Scan(
		&o.ID,
		&o.BuyCoinID,
		&o.BuyNetworkID,
		&o.PayCoinID,
		&o.PayNetworkID,
		&amount,
		&rate,
		&payAmount,
		&o.PaymentAddr,
		&payMemo,
		&o.ReceivingAddr,
		&recvMemo,
		&o.Status,
		&txHash,
		&o.Confirmations,
		&o.RequiredConfirmations,
		&received,
		&payoutHash,
		&payoutAt,
		&lockedAt,
		&signedHash,
		&o.PayoutSignedTx,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if o.Amount, err = parseDecimal(amount); err != nil {
		return nil, fmt.Errorf("order %s amount: %w", o.ID, err)
	}
	if o.PriceRate, err = parseDecimal(rate); err != nil {
		return nil, fmt.Errorf("order %s price_rate: %w", o.ID, err)
	}
	if o.PayAmount, err = parseDecimal(payAmount); err != nil {
		return nil, fmt.Errorf("order %s pay_amount: %w", o.ID, err)
	}
	if o.ReceivedAmount, err = parseDecimal(received); err != nil {
		return nil, fmt.Errorf("order %s received_amount: %w", o.ID, err)
	}
	o.PaymentMemo = nullString(payMemo)
	o.ReceivingMemo = nullString(recvMemo)
	o.TxHash = nullString(txHash)
	o.PayoutHash = nullString(payoutHash)
	o.PayoutAt = nullTime(payoutAt)
	o.PayoutLockedAt = nullTime(lockedAt)
	o.PayoutSignedHash = nullString(signedHash)
	return &o, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// CreateOrder inserts the order and its payment record atomically.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order, p *models.PaymentRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (
				id, buy_coin_id, buy_network_id, pay_coin_id, pay_network_id,
				amount, price_rate, pay_amount, payment_addr, payment_memo,
				receiving_addr, receiving_memo, status, confirmations, required_confirmations,
				received_amount, expires_at
			) VALUES (
				$1,$2,$3,$4,$5,
				$6::numeric,$7::numeric,$8::numeric,$9,$10,
				$11,$12,$13,0,$14,
				0,$15
			)
			RETURNING created_at, updated_at
		`,
			o.ID, o.BuyCoinID, o.BuyNetworkID, o.PayCoinID, o.PayNetworkID,
			o.Amount.String(), o.PriceRate.String(), o.PayAmount.String(), o.PaymentAddr, o.PaymentMemo,
			o.ReceivingAddr, o.ReceivingMemo, string(o.Status), o.RequiredConfirmations,
			o.ExpiresAt,
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return translate(err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO payments (order_id, expected_amount, asset_type, contract_address, decimals, baseline_block, baseline_balance)
			VALUES ($1,$2::numeric,$3,$4,$5,$6,$7::numeric)
		`, p.OrderID, p.ExpectedAmount.String(), string(p.AssetType), p.ContractAddress, p.Decimals,
			int64(p.Baseline.Block), p.Baseline.Balance.String())
		return translate(err)
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id::text=$1`, id))
}

func (s *Store) GetPayment(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	var expected, baseBalance string
	var baseBlock int64
	var checked sql.NullTime
	err := s.Pool.QueryRow(ctx, `
		SELECT order_id::text, expected_amount::text, asset_type, contract_address, decimals,
			baseline_block, baseline_balance::text, last_checked_at, checks
		FROM payments WHERE order_id::text=$1
	`, orderID).Scan(&p.OrderID, &expected, &p.AssetType, &p.ContractAddress, &p.Decimals,
		&baseBlock, &baseBalance, &checked, &p.Checks)
	if err != nil {
		return nil, translate(err)
	}
	if p.ExpectedAmount, err = parseDecimal(expected); err != nil {
		return nil, err
	}
	if p.Baseline.Balance, err = parseDecimal(baseBalance); err != nil {
		return nil, fmt.Errorf("payment %s baseline_balance: %w", orderID, err)
	}
	p.Baseline.Block = uint64(baseBlock)
	p.LastCheckedAt = nullTime(checked)
	return &p, nil
}

func (s *Store) TouchPayment(ctx context.Context, orderID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE payments SET last_checked_at=$2, checks=checks+1 WHERE order_id::text=$1
	`, orderID, at)
	return translate(err)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at
	`, statusStrings(statuses))
}

// ListOpenOrdersByAddresses matches payment addresses case-insensitively
// across every network.
func (s *Store) ListOpenOrdersByAddresses(ctx context.Context, addresses []string) ([]*models.Order, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(strings.TrimSpace(a))
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE lower(payment_addr) = ANY($1) AND status = ANY($2)
		ORDER BY created_at
	`, lowered, statusStrings(models.WatchedStatuses))
}

func (s *Store) ListWatchedAddresses(ctx context.Context) ([]models.WatchedAddress, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT pay_network_id, payment_addr FROM orders WHERE status = ANY($1)
	`, statusStrings(models.WatchedStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WatchedAddress
	for rows.Next() {
		var w models.WatchedAddress
		if err := rows.Scan(&w.NetworkID, &w.Address); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TerminateOrder moves an order to a terminal status. Orders holding a
// payout lock, a signed payout or a payout hash are left alone.
func (s *Store) TerminateOrder(ctx context.Context, id string, to models.OrderStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id::text=$1 AND status = ANY($3)
		  AND payout_locked_at IS NULL AND payout_hash IS NULL AND payout_signed_hash IS NULL
	`, id, string(to), statusStrings(models.SourcesOf(to)))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPayment records a validation result. The received amount never goes
// down and the status only moves along allowed edges.
func (s *Store) ApplyPayment(ctx context.Context, id string, u models.PaymentUpdate) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET
			status=$2,
			received_amount=GREATEST(received_amount, $3::numeric),
			tx_hash=COALESCE($4, tx_hash),
			confirmations=$5,
			expires_at=GREATEST(expires_at, COALESCE($6, expires_at)),
			updated_at=now()
		WHERE id::text=$1 AND status = ANY($7) AND received_amount <= $3::numeric
	`, id, string(u.Status), u.ReceivedAmount.String(), u.TxHash, u.Confirmations, u.ExpiresAt,
		statusStrings(models.SourcesOf(u.Status)))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReissueOrder reopens a failed order on a fresh address with its payment
// evidence cleared and the payment baseline moved to the new address.
func (s *Store) ReissueOrder(ctx context.Context, id, address string, memo *string, expiresAt time.Time, baseline models.Baseline) (bool, error) {
	reissued := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET
				status=$5, payment_addr=$2, payment_memo=$3, expires_at=$4,
				tx_hash=NULL, confirmations=0, received_amount=0, payout_locked_at=NULL,
				updated_at=now()
			WHERE id::text=$1 AND status = ANY($6)
		`, id, address, memo, expiresAt, string(models.OrderWaitingPayment), statusStrings(models.FailureStatuses))
		if err != nil {
			return translate(err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE payments SET baseline_block=$2, baseline_balance=$3::numeric WHERE order_id::text=$1
		`, id, int64(baseline.Block), baseline.Balance.String())
		if err != nil {
			return translate(err)
		}
		reissued = true
		return nil
	})
	return reissued, err
}

// ExpireDue expires every expirable order whose deadline is before cutoff
// and returns the affected rows.
func (s *Store) ExpireDue(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE status = ANY($3) AND expires_at < $1
		RETURNING `+orderColumns,
		cutoff, string(models.OrderExpired), statusStrings(models.ExpirableStatuses))
}

func (s *Store) ExpireOrder(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id::text=$1 AND status = ANY($4) AND expires_at < $2
	`, id, cutoff, string(models.OrderExpired), statusStrings(models.ExpirableStatuses))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// AcquirePayoutLock stamps the payout lock when the order is confirmed,
// unpaid, and either unlocked or locked before staleBefore.
func (s *Store) AcquirePayoutLock(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET payout_locked_at=$2, updated_at=now()
		WHERE id::text=$1 AND status=$4 AND payout_hash IS NULL
		  AND (payout_locked_at IS NULL OR payout_locked_at < $3)
	`, id, now, staleBefore, string(models.OrderConfirmed))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleasePayoutLock clears the lock of an order whose payout was never
// signed.
func (s *Store) ReleasePayoutLock(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET payout_locked_at=NULL, updated_at=now()
		WHERE id::text=$1 AND payout_hash IS NULL AND payout_signed_hash IS NULL
	`, id)
	return translate(err)
}

// RecordPayoutTx stores the signed payout of a locked order. It fails when a
// payout was already signed or sent.
func (s *Store) RecordPayoutTx(ctx context.Context, id, hash string, raw []byte) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET payout_signed_hash=$2, payout_signed_tx=$3, updated_at=now()
		WHERE id::text=$1 AND status=$4 AND payout_locked_at IS NOT NULL
		  AND payout_hash IS NULL AND payout_signed_hash IS NULL
	`, id, hash, raw, string(models.OrderConfirmed))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePayout records the payout transaction. It succeeds at most once
// per order.
func (s *Store) CompletePayout(ctx context.Context, id, txHash string, at time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status=$4, payout_hash=$2, payout_at=$3, payout_locked_at=NULL, updated_at=now()
		WHERE id::text=$1 AND payout_hash IS NULL AND status=$5
	`, id, txHash, at, string(models.OrderCompleted), string(models.OrderConfirmed))
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}
