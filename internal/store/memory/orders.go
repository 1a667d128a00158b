package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"SwapGateway/internal/models"
	"SwapGateway/internal/store"

	"github.com/shopspring/decimal"
)

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.PaymentMemo = copyPtr(o.PaymentMemo)
	cp.ReceivingMemo = copyPtr(o.ReceivingMemo)
	cp.TxHash = copyPtr(o.TxHash)
	cp.PayoutHash = copyPtr(o.PayoutHash)
	cp.PayoutAt = copyPtr(o.PayoutAt)
	cp.PayoutLockedAt = copyPtr(o.PayoutLockedAt)
	cp.PayoutSignedHash = copyPtr(o.PayoutSignedHash)
	cp.PayoutSignedTx = append([]byte(nil), o.PayoutSignedTx...)
	return &cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s *Store) CreateOrder(_ context.Context, o *models.Order, p *models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w (orders_pkey)", store.ErrConflict)
	}
	now := s.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	s.orders[o.ID] = copyOrder(o)
	rec := *p
	s.payments[o.ID] = &rec
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyOrder(o), nil
}

func (s *Store) GetPayment(_ context.Context, orderID string) (*models.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.LastCheckedAt = copyPtr(p.LastCheckedAt)
	return &cp, nil
}

func (s *Store) TouchPayment(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[orderID]; ok {
		p.LastCheckedAt = &at
		p.Checks++
	}
	return nil
}

func (s *Store) sorted(match func(*models.Order) bool) []*models.Order {
	var out []*models.Order
	for _, o := range s.orders {
		if match(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ListOrdersByStatus(_ context.Context, statuses []models.OrderStatus) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(o *models.Order) bool { return models.StatusIn(o.Status, statuses) }), nil
}

func (s *Store) ListOpenOrdersByAddresses(_ context.Context, addresses []string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]struct{}{}
	for _, a := range addresses {
		want[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return s.sorted(func(o *models.Order) bool {
		_, ok := want[strings.ToLower(o.PaymentAddr)]
		return ok && models.StatusIn(o.Status, models.WatchedStatuses)
	}), nil
}

func (s *Store) ListWatchedAddresses(_ context.Context) ([]models.WatchedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[models.WatchedAddress]struct{}{}
	var out []models.WatchedAddress
	for _, o := range s.orders {
		if !models.StatusIn(o.Status, models.WatchedStatuses) {
			continue
		}
		w := models.WatchedAddress{NetworkID: o.PayNetworkID, Address: o.PaymentAddr}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetworkID != out[j].NetworkID {
			return out[i].NetworkID < out[j].NetworkID
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *Store) TerminateOrder(_ context.Context, id string, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !models.CanTransition(o.Status, to) || o.PayoutLockedAt != nil || o.PayoutHash != nil || o.PayoutSignedHash != nil {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) ApplyPayment(_ context.Context, id string, u models.PaymentUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !models.CanTransition(o.Status, u.Status) || o.ReceivedAmount.GreaterThan(u.ReceivedAmount) {
		return false, nil
	}
	o.Status = u.Status
	o.ReceivedAmount = u.ReceivedAmount
	if u.TxHash != nil {
		o.TxHash = copyPtr(u.TxHash)
	}
	o.Confirmations = u.Confirmations
	if u.ExpiresAt != nil && u.ExpiresAt.After(o.ExpiresAt) {
		o.ExpiresAt = *u.ExpiresAt
	}
	o.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) ReissueOrder(_ context.Context, id, address string, memo *string, expiresAt time.Time, baseline models.Baseline) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !models.StatusIn(o.Status, models.FailureStatuses) {
		return false, nil
	}
	o.Status = models.OrderWaitingPayment
	o.PaymentAddr = address
	o.PaymentMemo = copyPtr(memo)
	o.ExpiresAt = expiresAt
	o.TxHash = nil
	o.Confirmations = 0
	o.ReceivedAmount = decimal.Zero
	o.PayoutLockedAt = nil
	o.UpdatedAt = s.Now()
	if p, ok := s.payments[id]; ok {
		p.Baseline = baseline
	}
	return true, nil
}

func (s *Store) ExpireDue(_ context.Context, cutoff time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if models.StatusIn(o.Status, models.ExpirableStatuses) && o.ExpiresAt.Before(cutoff) {
			o.Status = models.OrderExpired
			o.UpdatedAt = s.Now()
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (s *Store) ExpireOrder(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !models.StatusIn(o.Status, models.ExpirableStatuses) || !o.ExpiresAt.Before(cutoff) {
		return false, nil
	}
	o.Status = models.OrderExpired
	o.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) AcquirePayoutLock(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != models.OrderConfirmed || o.PayoutHash != nil {
		return false, nil
	}
	if o.PayoutLockedAt != nil && !o.PayoutLockedAt.Before(staleBefore) {
		return false, nil
	}
	o.PayoutLockedAt = &now
	o.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) ReleasePayoutLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.PayoutHash == nil && o.PayoutSignedHash == nil {
		o.PayoutLockedAt = nil
		o.UpdatedAt = s.Now()
	}
	return nil
}

func (s *Store) RecordPayoutTx(_ context.Context, id, hash string, raw []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != models.OrderConfirmed || o.PayoutLockedAt == nil || o.PayoutHash != nil || o.PayoutSignedHash != nil {
		return false, nil
	}
	o.PayoutSignedHash = &hash
	o.PayoutSignedTx = append([]byte(nil), raw...)
	o.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) CompletePayout(_ context.Context, id, txHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.PayoutHash != nil || o.Status != models.OrderConfirmed {
		return false, nil
	}
	o.Status = models.OrderCompleted
	o.PayoutHash = &txHash
	o.PayoutAt = &at
	o.PayoutLockedAt = nil
	o.UpdatedAt = s.Now()
	return true, nil
}

// SetOrder overwrites an order as stored. Tests use it to stage states the
// public operations cannot reach directly.
func (s *Store) SetOrder(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = copyOrder(o)
}

// SetPayment overwrites the payment record of an order.
func (s *Store) SetPayment(p *models.PaymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *p
	s.payments[p.OrderID] = &rec
}
