// Package worker drives the periodic jobs of the gateway: expiry sweeps,
// re-validation of open orders, payout retries and webhook reconciliation.
// It also follows cosmos websocket streams for push detection.
package worker

import (
	"context"
	"errors"
	"time"

	"SwapGateway/internal/expiry"
	"SwapGateway/internal/validator"
	"SwapGateway/internal/webhooks"

	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context) (expiry.Result, error)
}

type PaymentValidator interface {
	ValidateOpen(ctx context.Context) (validator.Summary, error)
	ValidateAddresses(ctx context.Context, addresses []string) ([]validator.Outcome, error)
	RetryPayouts(ctx context.Context) (int, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (webhooks.ReconcileResult, error)
}

type Worker struct {
	Sweeper   Sweeper
	Validator PaymentValidator
	Webhooks  Reconciler

	Interval time.Duration
	// ReconcileEvery runs a full webhook reconcile every N ticks; the first
	// tick always reconciles.
	ReconcileEvery int
	Streams        []Stream
	Log            *zap.Logger

	ticks int
}

func (w *Worker) Run(ctx context.Context) {
	for _, s := range w.Streams {
		go w.RunWS(ctx, s)
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil {
			w.Log.Warn("tick finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one round of jobs. A failing job does not stop the ones after
// it; the errors are joined.
func (w *Worker) Tick(ctx context.Context) error {
	var errs []error

	if w.Sweeper != nil {
		res, err := w.Sweeper.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if res.Expired > 0 || res.Released > 0 {
			w.Log.Info("sweep", zap.Int("expired", res.Expired), zap.Int("released", res.Released))
		}
	}

	if w.Validator != nil {
		summary, err := w.Validator.ValidateOpen(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			w.Log.Debug("validated open orders",
				zap.Int("checked", summary.Checked),
				zap.Int("changed", summary.Changed),
				zap.Int("failed", summary.Failed),
			)
		}
		paid, err := w.Validator.RetryPayouts(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if paid > 0 {
			w.Log.Info("retried payouts", zap.Int("paid", paid))
		}
	}

	if w.Webhooks != nil && w.dueForReconcile() {
		res, err := w.Webhooks.Reconcile(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			for network, n := range res {
				w.Log.Debug("reconciled webhook addresses", zap.String("network", network), zap.Int("addresses", n))
			}
		}
	}
	w.ticks++
	return errors.Join(errs...)
}

func (w *Worker) dueForReconcile() bool {
	every := w.ReconcileEvery
	if every <= 0 {
		every = 1
	}
	return w.ticks%every == 0
}
