// Package validator checks deposit addresses on chain and moves orders
// through the payment states. A run that confirms an order hands it to the
// payout dispatcher.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/locks"
	"SwapGateway/internal/metrics"
	"SwapGateway/internal/models"
	"SwapGateway/internal/payout"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultUnderpaidGrace = 2 * time.Hour
	DefaultLockTTL        = 30 * time.Second
	DefaultConcurrency    = 8
	DefaultPayoutTimeout  = 2 * time.Minute
)

type Result string

const (
	ResultNone                Result = "NONE"
	ResultUnderpaid           Result = "UNDERPAID"
	ResultWaitingConfirmation Result = "WAITING_CONFIRMATION"
	ResultConfirmed           Result = "CONFIRMED"
	ResultFinal               Result = "FINAL"
	ResultBusy                Result = "BUSY"
)

type Repository interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetNetwork(ctx context.Context, id string) (*models.Network, error)
	GetPayment(ctx context.Context, orderID string) (*models.PaymentRecord, error)
	ApplyPayment(ctx context.Context, id string, u models.PaymentUpdate) (bool, error)
	TouchPayment(ctx context.Context, orderID string, at time.Time) error
	ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus) ([]*models.Order, error)
	ListOpenOrdersByAddresses(ctx context.Context, addresses []string) ([]*models.Order, error)
}

type Chains interface {
	Get(code string) (*chain.Endpoint, error)
}

type Payouts interface {
	Payout(ctx context.Context, orderID string) (payout.Result, error)
}

// Outcome describes one validation run. Status is the order status after
// the run; Changed is true when the run wrote to the order.
type Outcome struct {
	OrderID       string             `json:"orderId"`
	Result        Result             `json:"result"`
	Status        models.OrderStatus `json:"status"`
	Received      decimal.Decimal    `json:"receivedAmount"`
	Confirmations int                `json:"confirmations"`
	TxHash        *string            `json:"txHash,omitempty"`
	Changed       bool               `json:"changed"`
}

type Validator struct {
	Store   Repository
	Chains  Chains
	Locks   locks.Locker
	Payouts Payouts

	// NativeRequiresConfirmations makes native deposits wait until the
	// balance required-1 blocks back also covers the expected amount.
	NativeRequiresConfirmations bool
	UnderpaidGrace              time.Duration
	LockTTL                     time.Duration
	Concurrency                 int
	PayoutTimeout               time.Duration
	Now                         func() time.Time
	Log                         *zap.Logger

	inflight sync.WaitGroup
}

func New(store Repository, chains Chains, locker locks.Locker, payouts Payouts, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = locks.NewLocal()
	}
	return &Validator{
		Store:          store,
		Chains:         chains,
		Locks:          locker,
		Payouts:        payouts,
		UnderpaidGrace: DefaultUnderpaidGrace,
		LockTTL:        DefaultLockTTL,
		Concurrency:    DefaultConcurrency,
		PayoutTimeout:  DefaultPayoutTimeout,
		Now:            func() time.Time { return time.Now().UTC() },
		Log:            log,
	}
}

// Wait blocks until every payout fired by a confirmation has returned.
func (v *Validator) Wait() {
	v.inflight.Wait()
}

// observation is what the chain says about a deposit, before it is merged
// with the stored order.
type observation struct {
	result        Result
	received      *big.Int
	txHash        *string
	confirmations int
}

func (v *Validator) Validate(ctx context.Context, orderID string) (Outcome, error) {
	release, ok, err := v.Locks.Acquire(ctx, "validate:"+orderID, v.LockTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: validation lock: %v", apperr.ErrTransient, err)
	}
	if !ok {
		metrics.Validations.WithLabelValues(string(ResultBusy)).Inc()
		return Outcome{OrderID: orderID, Result: ResultBusy}, nil
	}
	defer release()

	order, err := v.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		OrderID:       order.ID,
		Status:        order.Status,
		Received:      order.ReceivedAmount,
		Confirmations: order.Confirmations,
		TxHash:        order.TxHash,
	}
	if order.Status.IsTerminal() || order.Status.IsFinalized() {
		out.Result = ResultFinal
		metrics.Validations.WithLabelValues(string(ResultFinal)).Inc()
		return out, nil
	}

	// the record holds the terms the order was issued with; later catalog
	// edits do not change what this order expects
	record, err := v.Store.GetPayment(ctx, order.ID)
	if err != nil {
		return Outcome{}, err
	}
	network, err := v.Store.GetNetwork(ctx, order.PayNetworkID)
	if err != nil {
		return Outcome{}, err
	}
	ep, err := v.Chains.Get(network.Code)
	if err != nil {
		return Outcome{}, err
	}

	expected := record.ExpectedAmount.Shift(int32(record.Decimals)).BigInt()
	required := order.RequiredConfirmations
	if required < 1 {
		required = 1
	}

	var obs observation
	if record.AssetType == models.AssetToken {
		obs, err = v.observeToken(ctx, ep, record, order.PaymentAddr, expected, required)
	} else {
		obs, err = v.observeNative(ctx, ep, record.Baseline, order.PaymentAddr, expected, required)
	}
	if err != nil {
		metrics.Validations.WithLabelValues("error").Inc()
		v.Log.Warn("chain read failed",
			zap.String("order_id", order.ID),
			zap.String("network", network.Code),
			zap.Error(err),
		)
		return Outcome{}, fmt.Errorf("%w: chain unavailable for %s", apperr.ErrTransient, network.Code)
	}
	out.Result = obs.result
	metrics.Validations.WithLabelValues(string(obs.result)).Inc()

	if err := v.Store.TouchPayment(ctx, order.ID, v.Now()); err != nil {
		v.Log.Warn("failed to record validation check", zap.String("order_id", order.ID), zap.Error(err))
	}

	update, write := v.merge(order, obs, record.Decimals)
	if !write {
		return out, nil
	}
	applied, err := v.Store.ApplyPayment(ctx, order.ID, update)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		// a concurrent writer moved the order; report what is stored now
		current, err := v.Store.GetOrder(ctx, order.ID)
		if err != nil {
			return Outcome{}, err
		}
		out.Status, out.Received = current.Status, current.ReceivedAmount
		out.Confirmations, out.TxHash = current.Confirmations, current.TxHash
		return out, nil
	}

	out.Changed = true
	out.Status = update.Status
	out.Received = update.ReceivedAmount
	out.Confirmations = update.Confirmations
	if update.TxHash != nil {
		out.TxHash = update.TxHash
	}
	if update.Status != order.Status {
		metrics.OrderTransitions.WithLabelValues(string(update.Status)).Inc()
	}
	v.Log.Info("payment state updated",
		zap.String("order_id", order.ID),
		zap.String("status", string(update.Status)),
		zap.String("received", update.ReceivedAmount.String()),
		zap.Int("confirmations", update.Confirmations),
	)

	if update.Status == models.OrderConfirmed && order.Status != models.OrderConfirmed {
		v.dispatch(ctx, order.ID)
	}
	return out, nil
}

// merge folds an observation into the stored order. The result never moves
// the order backwards and never lowers the received amount.
func (v *Validator) merge(order *models.Order, obs observation, decimals int) (models.PaymentUpdate, bool) {
	observed := decimal.NewFromBigInt(obs.received, -int32(decimals))
	received := order.ReceivedAmount
	if observed.GreaterThan(received) {
		received = observed
	}

	target := order.Status
	switch obs.result {
	case ResultUnderpaid:
		target = models.OrderUnderpaid
	case ResultWaitingConfirmation:
		target = models.OrderWaitingConfirmation
	case ResultConfirmed:
		target = models.OrderConfirmed
	}
	clamped := rank(target) < rank(order.Status)
	if clamped {
		target = order.Status
	}

	update := models.PaymentUpdate{
		Status:         target,
		ReceivedAmount: received,
		Confirmations:  order.Confirmations,
	}
	if !clamped {
		if (target == models.OrderWaitingConfirmation || target == models.OrderConfirmed) && obs.confirmations > update.Confirmations {
			update.Confirmations = obs.confirmations
		}
		if obs.txHash != nil && (order.TxHash == nil || *order.TxHash != *obs.txHash) {
			update.TxHash = obs.txHash
		}
	}
	if target == models.OrderUnderpaid && (order.Status != models.OrderUnderpaid || received.GreaterThan(order.ReceivedAmount)) {
		until := v.Now().Add(v.UnderpaidGrace)
		update.ExpiresAt = &until
	}

	unchanged := target == order.Status &&
		received.Equal(order.ReceivedAmount) &&
		update.Confirmations == order.Confirmations &&
		update.TxHash == nil &&
		update.ExpiresAt == nil
	if unchanged || !models.CanTransition(order.Status, target) {
		return update, false
	}
	return update, true
}

func rank(s models.OrderStatus) int {
	switch s {
	case models.OrderUnderpaid:
		return 1
	case models.OrderWaitingConfirmation:
		return 2
	case models.OrderConfirmed:
		return 3
	}
	return 0
}

// sinceBaseline is what arrived on top of the baseline balance. Anything at
// or below it belongs to whoever used the address before.
func sinceBaseline(balance *big.Int, base models.Baseline) *big.Int {
	out := new(big.Int).Sub(balance, base.Balance.BigInt())
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func (v *Validator) observeNative(ctx context.Context, ep *chain.Endpoint, base models.Baseline, addr string, expected *big.Int, required int) (observation, error) {
	total, err := ep.Reader.NativeBalance(ctx, addr, nil)
	if err != nil {
		return observation{}, err
	}
	balance := sinceBaseline(total, base)
	obs := observation{received: balance}
	switch {
	case balance.Sign() <= 0:
		obs.result = ResultNone
		return obs, nil
	case balance.Cmp(expected) < 0:
		obs.result = ResultUnderpaid
		return obs, nil
	}

	if !v.NativeRequiresConfirmations || required <= 1 {
		obs.result = ResultConfirmed
		obs.confirmations = required
		return obs, nil
	}
	latest, err := ep.Reader.LatestBlock(ctx)
	if err != nil {
		return observation{}, err
	}
	if latest+1 < uint64(required) {
		obs.result = ResultWaitingConfirmation
		obs.confirmations = 1
		return obs, nil
	}
	at := latest - uint64(required) + 1
	settledTotal, err := ep.Reader.NativeBalance(ctx, addr, &at)
	if err != nil {
		return observation{}, err
	}
	if settled := sinceBaseline(settledTotal, base); at >= base.Block && settled.Cmp(expected) >= 0 {
		obs.result = ResultConfirmed
		obs.confirmations = required
	} else {
		obs.result = ResultWaitingConfirmation
		obs.confirmations = 1
	}
	return obs, nil
}

// observeToken sums Transfer logs to addr. Logs at or before the baseline
// block were on chain before the order owned the address and are skipped.
func (v *Validator) observeToken(ctx context.Context, ep *chain.Endpoint, record *models.PaymentRecord, addr string, expected *big.Int, required int) (observation, error) {
	latest, err := ep.Reader.LatestBlock(ctx)
	if err != nil {
		return observation{}, err
	}
	from := ep.ScanFrom(latest)
	if record.Baseline.Block > 0 && record.Baseline.Block+1 > from {
		from = record.Baseline.Block + 1
	}
	logs, err := ep.Reader.TransferLogs(ctx, record.ContractAddress, addr, from)
	if err != nil {
		return observation{}, err
	}
	live := logs[:0:0]
	for _, l := range logs {
		if !l.Removed && l.Amount != nil && l.Amount.Sign() > 0 {
			live = append(live, l)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].BlockNumber < live[j].BlockNumber })

	obs := observation{received: new(big.Int), result: ResultNone}
	for _, l := range live {
		obs.received.Add(obs.received, l.Amount)
		hash := l.TxHash
		obs.txHash = &hash
		if obs.received.Cmp(expected) < 0 {
			continue
		}
		obs.confirmations = 1
		if latest >= l.BlockNumber {
			obs.confirmations = int(latest-l.BlockNumber) + 1
		}
		if obs.confirmations >= required {
			obs.result = ResultConfirmed
		} else {
			obs.result = ResultWaitingConfirmation
		}
		// later logs only add to the received total
		obs.received = sum(live)
		return obs, nil
	}
	if obs.received.Sign() > 0 {
		obs.result = ResultUnderpaid
	}
	return obs, nil
}

func sum(logs []chain.TransferLog) *big.Int {
	total := new(big.Int)
	for _, l := range logs {
		total.Add(total, l.Amount)
	}
	return total
}

// dispatch runs the payout on a context detached from the caller's
// cancellation so a finished HTTP request does not abort it.
func (v *Validator) dispatch(ctx context.Context, orderID string) {
	if v.Payouts == nil {
		return
	}
	v.inflight.Add(1)
	go func() {
		defer v.inflight.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.PayoutTimeout)
		defer cancel()
		res, err := v.Payouts.Payout(pctx, orderID)
		if err != nil {
			v.Log.Error("payout after confirmation failed", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		v.Log.Info("payout dispatched", zap.String("order_id", orderID), zap.String("tx_hash", res.TxHash))
	}()
}

// ValidateAddresses validates every open order whose deposit address is in
// addresses. Matching ignores case and the network the caller claims.
func (v *Validator) ValidateAddresses(ctx context.Context, addresses []string) ([]Outcome, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	orders, err := v.Store.ListOpenOrdersByAddresses(ctx, addresses)
	if err != nil {
		return nil, err
	}
	var (
		outcomes []Outcome
		errs     []error
	)
	for _, o := range orders {
		out, err := v.Validate(ctx, o.ID)
		if err != nil {
			v.Log.Warn("validation failed", zap.String("order_id", o.ID), zap.String("address", o.PaymentAddr), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

type Summary struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// ValidateOpen re-validates every watched order with at most Concurrency
// runs in flight. Per-order failures are counted, not returned.
func (v *Validator) ValidateOpen(ctx context.Context) (Summary, error) {
	orders, err := v.Store.ListOrdersByStatus(ctx, models.WatchedStatuses)
	if err != nil {
		return Summary{}, err
	}
	limit := v.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, o := range orders {
		id := o.ID
		g.Go(func() error {
			out, err := v.Validate(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if err != nil {
				summary.Failed++
				v.Log.Warn("validation failed", zap.String("order_id", id), zap.Error(err))
				return nil
			}
			if out.Changed {
				summary.Changed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

// RetryPayouts pays out CONFIRMED orders that have no payout hash yet, for
// example after a failed pre-broadcast attempt or a stale lock.
func (v *Validator) RetryPayouts(ctx context.Context) (int, error) {
	if v.Payouts == nil {
		return 0, nil
	}
	orders, err := v.Store.ListOrdersByStatus(ctx, []models.OrderStatus{models.OrderConfirmed})
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, o := range orders {
		if o.PayoutHash != nil {
			continue
		}
		res, err := v.Payouts.Payout(ctx, o.ID)
		switch {
		case errors.Is(err, payout.ErrPayoutInProgress):
			continue
		case err != nil:
			v.Log.Warn("payout retry failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if !res.AlreadyPaid {
			paid++
		}
	}
	return paid, nil
}
