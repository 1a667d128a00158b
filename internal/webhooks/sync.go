// Package webhooks keeps the third-party address notification lists in step
// with the set of open orders and parses what those notifications send back.
package webhooks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"SwapGateway/internal/models"

	"go.uber.org/zap"
)

const DefaultBatchSize = 100

type Repository interface {
	GetNetwork(ctx context.Context, id string) (*models.Network, error)
	ListNetworks(ctx context.Context) ([]*models.Network, error)
	ListWatchedAddresses(ctx context.Context) ([]models.WatchedAddress, error)
}

type Notifier interface {
	Add(ctx context.Context, webhookID string, addresses []string) error
	Remove(ctx context.Context, webhookID string, addresses []string) error
	Replace(ctx context.Context, webhookID string, addresses []string) error
}

// Synchronizer maps networks onto notification channels. Networks without a
// channel are left to polling.
type Synchronizer struct {
	Store  Repository
	Client Notifier
	// Channels maps network code to webhook id.
	Channels  map[string]string
	BatchSize int
	Log       *zap.Logger
}

func NewSynchronizer(store Repository, client Notifier, channels map[string]string, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{Store: store, Client: client, Channels: channels, BatchSize: DefaultBatchSize, Log: log}
}

func (s *Synchronizer) channelFor(ctx context.Context, networkID string) (string, string, error) {
	n, err := s.Store.GetNetwork(ctx, networkID)
	if err != nil {
		return "", "", err
	}
	return n.Code, s.Channels[strings.ToLower(n.Code)], nil
}

func (s *Synchronizer) Watch(ctx context.Context, networkID string, addresses []string) error {
	return s.mutate(ctx, networkID, addresses, "watch", s.Client.Add)
}

func (s *Synchronizer) Unwatch(ctx context.Context, networkID string, addresses []string) error {
	return s.mutate(ctx, networkID, addresses, "unwatch", s.Client.Remove)
}

func (s *Synchronizer) mutate(ctx context.Context, networkID string, addresses []string, op string,
	call func(context.Context, string, []string) error) error {
	addresses = dedupe(addresses)
	if len(addresses) == 0 || s.Client == nil {
		return nil
	}
	code, channel, err := s.channelFor(ctx, networkID)
	if err != nil {
		return err
	}
	if channel == "" {
		s.Log.Debug("no notification channel, skipping", zap.String("network", code), zap.String("op", op))
		return nil
	}
	for _, chunk := range chunks(addresses, s.batchSize()) {
		if err := call(ctx, channel, chunk); err != nil {
			return fmt.Errorf("%s %d addresses on %s: %w", op, len(chunk), code, err)
		}
	}
	s.Log.Info("notification list updated",
		zap.String("network", code),
		zap.String("op", op),
		zap.Int("count", len(addresses)),
	)
	return nil
}

// ReconcileResult counts the addresses pushed per network code.
type ReconcileResult map[string]int

// Reconcile replaces every configured channel's list with the addresses of
// currently open orders. A failing channel does not stop the others.
func (s *Synchronizer) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if s.Client == nil {
		return ReconcileResult{}, nil
	}
	networks, err := s.Store.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}
	watched, err := s.Store.ListWatchedAddresses(ctx)
	if err != nil {
		return nil, err
	}
	byNetwork := map[string][]string{}
	for _, w := range watched {
		byNetwork[w.NetworkID] = append(byNetwork[w.NetworkID], w.Address)
	}

	result := ReconcileResult{}
	var firstErr error
	for _, n := range networks {
		channel := s.Channels[strings.ToLower(n.Code)]
		if channel == "" {
			continue
		}
		addrs := dedupe(byNetwork[n.ID])
		if err := s.replace(ctx, channel, addrs); err != nil {
			s.Log.Error("reconcile failed", zap.String("network", n.Code), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("reconcile %s: %w", n.Code, err)
			}
			continue
		}
		result[n.Code] = len(addrs)
	}
	return result, firstErr
}

// replace sends the first chunk as a full replacement and appends the rest.
func (s *Synchronizer) replace(ctx context.Context, channel string, addresses []string) error {
	parts := chunks(addresses, s.batchSize())
	if len(parts) == 0 {
		return s.Client.Replace(ctx, channel, []string{})
	}
	if err := s.Client.Replace(ctx, channel, parts[0]); err != nil {
		return err
	}
	for _, chunk := range parts[1:] {
		if err := s.Client.Add(ctx, channel, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func chunks(items []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func dedupe(addresses []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		k := strings.ToLower(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
