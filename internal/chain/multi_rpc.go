package chain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"SwapGateway/internal/apperr"
)

// MultiRPCClient spreads calls over several Tendermint RPC endpoints. The
// current endpoint is abandoned after failThreshold consecutive transient
// failures; node-side errors are returned as is and never rotate.
type MultiRPCClient struct {
	clients       []*RPCClient
	failThreshold int

	mu       sync.Mutex
	current  int
	failures int
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	var clients []*RPCClient
	seen := map[string]bool{}
	for _, ep := range endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		clients = append(clients, NewRPCClient(ep))
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("%w: no rpc endpoints", apperr.ErrConfig)
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &MultiRPCClient{clients: clients, failThreshold: failThreshold}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.current].BaseURL()
}

func (m *MultiRPCClient) LatestHeight(ctx context.Context) (int64, error) {
	return failover(ctx, m, func(c *RPCClient) (int64, error) {
		return c.LatestHeight(ctx)
	})
}

func (m *MultiRPCClient) TxSearch(ctx context.Context, query string, page, perPage int) (*TxSearchResult, error) {
	return failover(ctx, m, func(c *RPCClient) (*TxSearchResult, error) {
		return c.TxSearch(ctx, query, page, perPage)
	})
}

// failover tries every endpoint at most once, starting at the current one,
// and moves on only after transient failures.
func failover[T any](ctx context.Context, m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	var zero T
	m.mu.Lock()
	start := m.current
	m.mu.Unlock()

	var errs []error
	for i := range m.clients {
		idx := (start + i) % len(m.clients)
		out, err := call(m.clients[idx])
		m.record(idx, err)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, apperr.ErrTransient) || ctx.Err() != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.clients[idx].BaseURL(), err))
	}
	return zero, errors.Join(errs...)
}

// record counts outcomes of the current endpoint only; answers from the
// fallbacks tried during one call do not move the rotation.
func (m *MultiRPCClient) record(idx int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx != m.current {
		return
	}
	if err == nil || !errors.Is(err, apperr.ErrTransient) {
		m.failures = 0
		return
	}
	m.failures++
	if m.failures >= m.failThreshold {
		m.current = (m.current + 1) % len(m.clients)
		m.failures = 0
	}
}

// DefaultWSEndpoint derives the websocket endpoint of a Tendermint RPC URL,
// or "" when the scheme is not http(s) or ws(s).
func DefaultWSEndpoint(rpc string) string {
	u, err := url.Parse(strings.TrimSpace(rpc))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path += "/websocket"
	}
	return u.String()
}
