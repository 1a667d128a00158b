// Package allocator hands out single-use deposit addresses from the HD
// wallet pool, deriving new ones when the pool has nothing free.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/metrics"
	"SwapGateway/internal/models"
	"SwapGateway/internal/retry"

	"go.uber.org/zap"
)

var ErrAddressInUse = fmt.Errorf("%w: address already assigned", apperr.ErrConflict)

type Repository interface {
	GetNetwork(ctx context.Context, id string) (*models.Network, error)
	ClaimFreeAddress(ctx context.Context, family, orderID string, exclude []string) (*models.WalletPoolEntry, error)
	NextDerivationIndex(ctx context.Context, family string) (int64, error)
	GetCursor(ctx context.Context, family string) (*models.HDCursor, error)
	CountFreeAddresses(ctx context.Context, family string) (int64, error)
	InsertPoolEntry(ctx context.Context, e *models.WalletPoolEntry) error
	AssignPoolEntry(ctx context.Context, id int64, orderID string) (bool, error)
	ReleasePoolByOrders(ctx context.Context, orderIDs []string) (int64, error)
	ReleasePoolAddress(ctx context.Context, family, address, orderID string) (int64, error)
}

type Deriver interface {
	Configured() bool
	Derive(family chain.Family, index int64) (string, error)
}

type Allocator struct {
	Store   Repository
	Deriver Deriver
	// Retry bounds re-derivation after unique collisions.
	Retry retry.Policy
	Log   *zap.Logger
}

func New(store Repository, deriver Deriver, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{Store: store, Deriver: deriver, Retry: retry.Default(), Log: log}
}

// FamilyOf resolves the chain family of a network.
func (a *Allocator) FamilyOf(ctx context.Context, networkID string) (chain.Family, error) {
	n, err := a.Store.GetNetwork(ctx, networkID)
	if err != nil {
		return "", err
	}
	return chain.ParseFamily(n.ChainFamily)
}

// Allocate returns a deposit address on networkID bound to orderID. Pooled
// addresses listed in exclude are never handed out.
func (a *Allocator) Allocate(ctx context.Context, networkID, orderID string, exclude ...string) (*models.WalletPoolEntry, error) {
	family, err := a.FamilyOf(ctx, networkID)
	if err != nil {
		return nil, err
	}
	return a.AllocateFamily(ctx, family, orderID, exclude...)
}

func (a *Allocator) AllocateFamily(ctx context.Context, family chain.Family, orderID string, exclude ...string) (*models.WalletPoolEntry, error) {
	if a.Deriver == nil || !a.Deriver.Configured() {
		return nil, chain.ErrSeedNotConfigured
	}

	entry, err := a.Store.ClaimFreeAddress(ctx, string(family), orderID, exclude)
	if err == nil {
		metrics.AddressesAllocated.WithLabelValues(string(family), "pool").Inc()
		a.Log.Debug("claimed pooled address",
			zap.String("order_id", orderID),
			zap.String("address", entry.Address),
			zap.Int64("index", entry.DerivationIndex),
		)
		return entry, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	entry, err = a.deriveAndInsert(ctx, family, &orderID)
	if err != nil {
		return nil, err
	}
	metrics.AddressesAllocated.WithLabelValues(string(family), "derived").Inc()
	a.Log.Info("derived new deposit address",
		zap.String("order_id", orderID),
		zap.String("address", entry.Address),
		zap.Int64("index", entry.DerivationIndex),
	)
	return entry, nil
}

// deriveAndInsert reserves a fresh index, derives it and stores the row.
// Unique collisions move on to the next index.
func (a *Allocator) deriveAndInsert(ctx context.Context, family chain.Family, orderID *string) (*models.WalletPoolEntry, error) {
	policy := a.Retry
	policy.Retryable = func(err error) bool { return errors.Is(err, apperr.ErrConflict) }

	var entry *models.WalletPoolEntry
	err := retry.Do(ctx, policy, func(attempt int) error {
		idx, err := a.Store.NextDerivationIndex(ctx, string(family))
		if err != nil {
			return err
		}
		addr, err := a.Deriver.Derive(family, idx)
		if err != nil {
			return err
		}
		e := &models.WalletPoolEntry{
			Family:          string(family),
			DerivationIndex: idx,
			Address:         addr,
			IsUsed:          orderID != nil,
			AssignedOrder:   orderID,
		}
		if err := a.Store.InsertPoolEntry(ctx, e); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				a.Log.Warn("pool collision, re-deriving",
					zap.String("family", string(family)),
					zap.Int64("index", idx),
					zap.Int("attempt", attempt),
				)
			}
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, fmt.Errorf("allocate %s address: %w", family, err)
		}
		return nil, err
	}
	return entry, nil
}

// Assign binds an existing free pool entry to orderID.
func (a *Allocator) Assign(ctx context.Context, entryID int64, orderID string) error {
	ok, err := a.Store.AssignPoolEntry(ctx, entryID, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAddressInUse
	}
	return nil
}

// Release returns every address bound to orderIDs to the pool.
func (a *Allocator) Release(ctx context.Context, orderIDs ...string) (int64, error) {
	n, err := a.Store.ReleasePoolByOrders(ctx, orderIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Log.Debug("released pool addresses", zap.Strings("order_ids", orderIDs), zap.Int64("count", n))
	}
	return n, nil
}

// ReleaseAddress frees address if it is still bound to orderID.
func (a *Allocator) ReleaseAddress(ctx context.Context, family chain.Family, address, orderID string) error {
	_, err := a.Store.ReleasePoolAddress(ctx, string(family), address, orderID)
	return err
}

type Stats struct {
	Family    chain.Family
	Free      int64
	NextIndex int64
}

// Stats reports how many pooled addresses of family are free and the next
// derivation index. A family that never derived has index zero.
func (a *Allocator) Stats(ctx context.Context, family chain.Family) (Stats, error) {
	free, err := a.Store.CountFreeAddresses(ctx, string(family))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Family: family, Free: free}
	cursor, err := a.Store.GetCursor(ctx, string(family))
	switch {
	case err == nil:
		st.NextIndex = cursor.NextIndex
	case !errors.Is(err, apperr.ErrNotFound):
		return Stats{}, err
	}
	metrics.PoolFree.WithLabelValues(string(family)).Set(float64(free))
	return st, nil
}

// DeriveBatch pre-derives count unassigned addresses into the pool.
func (a *Allocator) DeriveBatch(ctx context.Context, family chain.Family, count int) ([]*models.WalletPoolEntry, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", apperr.ErrValidation)
	}
	if _, err := chain.Info(family); err != nil {
		return nil, err
	}
	if a.Deriver == nil || !a.Deriver.Configured() {
		return nil, chain.ErrSeedNotConfigured
	}
	out := make([]*models.WalletPoolEntry, 0, count)
	for i := 0; i < count; i++ {
		e, err := a.deriveAndInsert(ctx, family, nil)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	a.Log.Info("pre-derived pool addresses", zap.String("family", string(family)), zap.Int("count", len(out)))
	return out, nil
}
