// Package payout sends the bought asset to the customer once an order is
// CONFIRMED. A timestamp lock on the order row keeps sends at most once.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/metrics"
	"SwapGateway/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultStaleAfter   = 10 * time.Minute
	DefaultWaitTimeout  = 30 * time.Second
	DefaultPollInterval = time.Second
)

var (
	ErrNotPayable       = fmt.Errorf("%w: order is not confirmed", apperr.ErrConflict)
	ErrPayoutInProgress = fmt.Errorf("%w: payout in progress", apperr.ErrConflict)
	ErrNoSender         = fmt.Errorf("%w: no payout sender for network", apperr.ErrConfig)
	// ErrPayoutReverted leaves the lock in place; the order needs an operator.
	ErrPayoutReverted = errors.New("payout transaction reverted")
)

type Repository interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetNetwork(ctx context.Context, id string) (*models.Network, error)
	GetCoinNetwork(ctx context.Context, coinID, networkID string) (*models.CoinNetwork, error)
	AcquirePayoutLock(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleasePayoutLock(ctx context.Context, id string) error
	RecordPayoutTx(ctx context.Context, id, hash string, raw []byte) (bool, error)
	CompletePayout(ctx context.Context, id, txHash string, at time.Time) (bool, error)
}

type Chains interface {
	Get(code string) (*chain.Endpoint, error)
}

type Watcher interface {
	Unwatch(ctx context.Context, networkID string, addresses []string) error
}

type Result struct {
	TxHash      string
	AlreadyPaid bool
}

type Dispatcher struct {
	Store   Repository
	Chains  Chains
	Watcher Watcher

	StaleAfter   time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Log          *zap.Logger
}

func NewDispatcher(store Repository, chains Chains, watcher Watcher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Store:        store,
		Chains:       chains,
		Watcher:      watcher,
		StaleAfter:   DefaultStaleAfter,
		WaitTimeout:  DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
		Now:          func() time.Time { return time.Now().UTC() },
		Log:          log,
	}
}

// Payout pays out a CONFIRMED order, or reports the transfer that already
// paid it.
func (d *Dispatcher) Payout(ctx context.Context, orderID string) (Result, error) {
	order, err := d.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.PayoutHash != nil {
		return Result{TxHash: *order.PayoutHash, AlreadyPaid: true}, nil
	}
	if order.Status != models.OrderConfirmed {
		return Result{}, fmt.Errorf("%w (status %s)", ErrNotPayable, order.Status)
	}

	meta, err := d.Store.GetCoinNetwork(ctx, order.BuyCoinID, order.BuyNetworkID)
	if err != nil {
		return Result{}, err
	}
	network, err := d.Store.GetNetwork(ctx, order.BuyNetworkID)
	if err != nil {
		return Result{}, err
	}
	ep, err := d.Chains.Get(network.Code)
	if err != nil {
		return Result{}, err
	}
	if ep.Sender == nil {
		return Result{}, fmt.Errorf("%w %q", ErrNoSender, network.Code)
	}
	amount := order.Amount.Shift(int32(meta.Decimals)).BigInt()
	if amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: non-positive payout amount", apperr.ErrValidation)
	}

	now := d.Now()
	locked, err := d.Store.AcquirePayoutLock(ctx, orderID, now, now.Add(-d.StaleAfter))
	if err != nil {
		return Result{}, err
	}
	if !locked {
		return d.awaitWinner(ctx, orderID)
	}

	log := d.Log.With(zap.String("order_id", orderID), zap.String("network", network.Code))

	// a stale lock may hide a payout that was signed and possibly broadcast
	order, err = d.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.PayoutSignedHash != nil {
		return d.resume(ctx, ep, order, log)
	}

	txHash, err := d.send(ctx, ep, meta, orderID, order.ReceivingAddr, amount)
	if err != nil {
		metrics.Payouts.WithLabelValues("failed").Inc()
		if errors.Is(err, chain.ErrBroadcast) {
			// the transfer may be in flight; the lock expires after StaleAfter
			log.Error("payout broadcast failed, keeping lock", zap.Error(err))
			return Result{}, err
		}
		if rerr := d.Store.ReleasePayoutLock(ctx, orderID); rerr != nil {
			log.Error("failed to release payout lock", zap.Error(rerr))
		}
		log.Warn("payout failed before broadcast", zap.Error(err))
		return Result{}, err
	}

	return d.complete(ctx, order, txHash, log)
}

func (d *Dispatcher) complete(ctx context.Context, order *models.Order, txHash string, log *zap.Logger) (Result, error) {
	ok, err := d.Store.CompletePayout(ctx, order.ID, txHash, d.Now())
	if err != nil {
		log.Error("payout sent but not recorded", zap.String("tx_hash", txHash), zap.Error(err))
		return Result{}, err
	}
	if !ok {
		log.Error("payout sent but order already settled", zap.String("tx_hash", txHash))
		return Result{}, fmt.Errorf("%w: payout %s not recorded", apperr.ErrConflict, txHash)
	}

	metrics.Payouts.WithLabelValues("sent").Inc()
	metrics.OrderTransitions.WithLabelValues(string(models.OrderCompleted)).Inc()
	log.Info("payout sent", zap.String("tx_hash", txHash), zap.String("amount", order.Amount.String()))
	if d.Watcher != nil {
		if err := d.Watcher.Unwatch(ctx, order.PayNetworkID, []string{order.PaymentAddr}); err != nil {
			log.Warn("failed to unwatch address", zap.Error(err))
		}
	}
	return Result{TxHash: txHash}, nil
}

// resume finishes a payout signed by an earlier attempt. The same signed
// transaction is looked up and, if the chain has not seen it, sent again;
// nothing new is ever signed for the order.
func (d *Dispatcher) resume(ctx context.Context, ep *chain.Endpoint, order *models.Order, log *zap.Logger) (Result, error) {
	hash := *order.PayoutSignedHash
	log = log.With(zap.String("tx_hash", hash))

	state, err := ep.Sender.TxState(ctx, hash)
	if err != nil {
		log.Warn("payout receipt lookup failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: payout receipt lookup: %v", apperr.ErrTransient, err)
	}
	switch state {
	case chain.TxSucceeded:
		log.Info("earlier payout found on chain")
		return d.complete(ctx, order, hash, log)
	case chain.TxReverted:
		metrics.Payouts.WithLabelValues("reverted").Inc()
		log.Error("earlier payout reverted, keeping lock")
		return Result{}, fmt.Errorf("%w: %s", ErrPayoutReverted, hash)
	}

	if err := ep.Sender.Rebroadcast(ctx, order.PayoutSignedTx); err != nil {
		metrics.Payouts.WithLabelValues("failed").Inc()
		log.Error("payout rebroadcast failed, keeping lock", zap.Error(err))
		return Result{}, err
	}
	log.Info("earlier payout rebroadcast")
	return d.complete(ctx, order, hash, log)
}

func (d *Dispatcher) send(ctx context.Context, ep *chain.Endpoint, meta *models.CoinNetwork, orderID, to string, amount *big.Int) (string, error) {
	record := func(ctx context.Context, tx chain.SignedTx) error {
		ok, err := d.Store.RecordPayoutTx(ctx, orderID, tx.Hash, tx.Raw)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: payout of %s changed before broadcast", apperr.ErrConflict, orderID)
		}
		return nil
	}
	if meta.IsToken() {
		return ep.Sender.SendToken(ctx, meta.ContractAddress, to, amount, record)
	}
	return ep.Sender.SendNative(ctx, to, amount, record)
}

// awaitWinner polls until the lock holder records its hash or WaitTimeout
// passes.
func (d *Dispatcher) awaitWinner(ctx context.Context, orderID string) (Result, error) {
	deadline := time.NewTimer(d.WaitTimeout)
	defer deadline.Stop()
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		order, err := d.Store.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		if order.PayoutHash != nil {
			return Result{TxHash: *order.PayoutHash, AlreadyPaid: true}, nil
		}
		if order.Status != models.OrderConfirmed {
			return Result{}, fmt.Errorf("%w (status %s)", ErrNotPayable, order.Status)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			return Result{}, ErrPayoutInProgress
		case <-tick.C:
		}
	}
}
