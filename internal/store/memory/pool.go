package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"SwapGateway/internal/models"
	"SwapGateway/internal/store"
)

func copyEntry(e *models.WalletPoolEntry) *models.WalletPoolEntry {
	cp := *e
	if e.AssignedOrder != nil {
		id := *e.AssignedOrder
		cp.AssignedOrder = &id
	}
	return &cp
}

func (s *Store) ClaimFreeAddress(_ context.Context, family, orderID string, exclude []string) (*models.WalletPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := map[string]struct{}{}
	for _, a := range exclude {
		skip[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	var best *models.WalletPoolEntry
	for _, e := range s.pool {
		if e.Family != family || e.IsUsed {
			continue
		}
		if _, ok := skip[strings.ToLower(e.Address)]; ok {
			continue
		}
		if best == nil || e.DerivationIndex < best.DerivationIndex {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	best.IsUsed = true
	best.AssignedOrder = &orderID
	return copyEntry(best), nil
}

func (s *Store) NextDerivationIndex(_ context.Context, family string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[family]
	if !ok {
		c = &models.HDCursor{Family: family}
		s.cursors[family] = c
	}
	idx := c.NextIndex
	c.NextIndex++
	c.LastUsedAt = s.Now()
	return idx, nil
}

func (s *Store) GetCursor(_ context.Context, family string) (*models.HDCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[family]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) InsertPoolEntry(_ context.Context, e *models.WalletPoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.pool {
		if have.Family != e.Family {
			continue
		}
		if have.DerivationIndex == e.DerivationIndex {
			return fmt.Errorf("%w (wallet_pool_chain_family_derivation_index_key)", store.ErrConflict)
		}
		if strings.EqualFold(have.Address, e.Address) {
			return fmt.Errorf("%w (wallet_pool_chain_family_address_key)", store.ErrConflict)
		}
	}
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = s.Now()
	s.pool = append(s.pool, copyEntry(e))
	return nil
}

func (s *Store) AssignPoolEntry(_ context.Context, id int64, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pool {
		if e.ID == id && !e.IsUsed {
			e.IsUsed = true
			e.AssignedOrder = &orderID
			return true, nil
		}
	}
	return false, nil
}

func release(e *models.WalletPoolEntry) {
	e.IsUsed = false
	e.AssignedOrder = nil
}

func (s *Store) ReleasePoolByOrders(_ context.Context, orderIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]struct{}{}
	for _, id := range orderIDs {
		want[id] = struct{}{}
	}
	var n int64
	for _, e := range s.pool {
		if e.AssignedOrder == nil {
			continue
		}
		if _, ok := want[*e.AssignedOrder]; ok {
			release(e)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleasePoolAddress(_ context.Context, family, address, orderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.pool {
		if e.Family == family && strings.EqualFold(e.Address, address) && e.AssignedOrder != nil && *e.AssignedOrder == orderID {
			release(e)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseOrphanedPool(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.pool {
		if e.AssignedOrder == nil {
			continue
		}
		o, ok := s.orders[*e.AssignedOrder]
		if ok && models.StatusIn(o.Status, models.FailureStatuses) {
			release(e)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountFreeAddresses(_ context.Context, family string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.pool {
		if e.Family == family && !e.IsUsed {
			n++
		}
	}
	return n, nil
}

// PoolEntries returns a snapshot of the pool ordered by family and index.
func (s *Store) PoolEntries() []*models.WalletPoolEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WalletPoolEntry, 0, len(s.pool))
	for _, e := range s.pool {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].DerivationIndex < out[j].DerivationIndex
	})
	return out
}
