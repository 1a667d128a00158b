// Package expiry moves overdue unpaid orders to EXPIRED and gives their
// deposit addresses back to the pool.
package expiry

import (
	"context"
	"time"

	"SwapGateway/internal/metrics"
	"SwapGateway/internal/models"

	"go.uber.org/zap"
)

const DefaultGrace = 30 * time.Second

type Repository interface {
	ExpireDue(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
	ReleaseOrphanedPool(ctx context.Context) (int64, error)
}

type Releaser interface {
	Release(ctx context.Context, orderIDs ...string) (int64, error)
}

type Watcher interface {
	Unwatch(ctx context.Context, networkID string, addresses []string) error
}

type Result struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
}

type Sweeper struct {
	Store     Repository
	Allocator Releaser
	Watcher   Watcher
	Grace     time.Duration
	Now       func() time.Time
	Log       *zap.Logger
}

func NewSweeper(store Repository, alloc Releaser, watcher Watcher, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Store:     store,
		Allocator: alloc,
		Watcher:   watcher,
		Grace:     DefaultGrace,
		Now:       func() time.Time { return time.Now().UTC() },
		Log:       log,
	}
}

// Sweep expires every order past its deadline plus Grace. Running it again
// finds nothing new, so overlapping sweeps are harmless.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	expired, err := s.Store.ExpireDue(ctx, s.Now().Add(-s.Grace))
	if err != nil {
		return Result{}, err
	}
	res := Result{Expired: len(expired)}
	if len(expired) > 0 {
		metrics.ExpiredOrders.Add(float64(len(expired)))
		metrics.OrderTransitions.WithLabelValues(string(models.OrderExpired)).Add(float64(len(expired)))

		ids := make([]string, 0, len(expired))
		byNetwork := map[string][]string{}
		for _, o := range expired {
			ids = append(ids, o.ID)
			byNetwork[o.PayNetworkID] = append(byNetwork[o.PayNetworkID], o.PaymentAddr)
		}
		n, err := s.Allocator.Release(ctx, ids...)
		if err != nil {
			return res, err
		}
		res.Released += int(n)
		if s.Watcher != nil {
			for network, addrs := range byNetwork {
				if err := s.Watcher.Unwatch(ctx, network, addrs); err != nil {
					s.Log.Warn("failed to unwatch expired addresses", zap.String("network", network), zap.Error(err))
				}
			}
		}
	}

	// drift repair: entries still bound to orders that already failed
	orphans, err := s.Store.ReleaseOrphanedPool(ctx)
	if err != nil {
		return res, err
	}
	res.Released += int(orphans)

	if res.Expired > 0 || res.Released > 0 {
		s.Log.Info("expiry sweep", zap.Int("expired", res.Expired), zap.Int("released", res.Released))
	}
	return res, nil
}
