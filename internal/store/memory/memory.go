// Package memory is an in-process implementation of the order repository.
// Every method is atomic under one mutex and mirrors the conditional updates
// of the Postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"SwapGateway/internal/models"
	"SwapGateway/internal/store"
)

type Store struct {
	mu sync.Mutex

	coins        map[string]models.Coin
	networks     map[string]models.Network
	coinNetworks map[[2]string]models.CoinNetwork
	options      map[string]models.PaymentOption
	rates        map[models.Pair]models.ExchangeRate

	orders   map[string]*models.Order
	payments map[string]*models.PaymentRecord
	pool     []*models.WalletPoolEntry
	cursors  map[string]*models.HDCursor
	nextID   int64

	// Now is the clock used for timestamps.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		coins:        map[string]models.Coin{},
		networks:     map[string]models.Network{},
		coinNetworks: map[[2]string]models.CoinNetwork{},
		options:      map[string]models.PaymentOption{},
		rates:        map[models.Pair]models.ExchangeRate{},
		orders:       map[string]*models.Order{},
		payments:     map[string]*models.PaymentRecord{},
		cursors:      map[string]*models.HDCursor{},
		Now:          time.Now,
	}
}

func (s *Store) AddCoin(c models.Coin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coins[c.ID] = c
}

func (s *Store) AddNetwork(n models.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[n.ID] = n
}

func (s *Store) AddCoinNetwork(cn models.CoinNetwork) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coinNetworks[[2]string{cn.CoinID, cn.NetworkID}] = cn
}

func (s *Store) AddPaymentOption(po models.PaymentOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[po.ID] = po
}

func (s *Store) GetCoin(_ context.Context, id string) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coins[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetCoinBySymbol(_ context.Context, symbol string) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coins {
		if strings.EqualFold(c.Symbol, symbol) {
			c := c
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetNetwork(_ context.Context, id string) (*models.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &n, nil
}

func (s *Store) GetNetworkByCode(_ context.Context, code string) (*models.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.networks {
		if strings.EqualFold(n.Code, code) {
			n := n
			return &n, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListNetworks(_ context.Context) ([]*models.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Network, 0, len(s.networks))
	for _, n := range s.networks {
		n := n
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) GetCoinNetwork(_ context.Context, coinID, networkID string) (*models.CoinNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cn, ok := s.coinNetworks[[2]string{coinID, networkID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cn, nil
}

func (s *Store) GetPaymentOption(_ context.Context, id string) (*models.PaymentOption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.options[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &po, nil
}

func (s *Store) GetPaymentOptionFor(_ context.Context, coinID, networkID string) (*models.PaymentOption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, po := range s.options {
		if po.CoinID == coinID && po.NetworkID == networkID {
			po := po
			return &po, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetRate(_ context.Context, pair models.Pair) (*models.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rates[pair]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) UpsertRate(_ context.Context, rate *models.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rate
	r.UpdatedAt = s.Now()
	s.rates[rate.Pair] = r
	return nil
}
