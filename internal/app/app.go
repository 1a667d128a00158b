// Package app assembles the gateway's services from a loaded Config. The api
// and worker binaries share it so both see the same chain endpoints, locks
// and webhook channels.
package app

import (
	"context"
	"fmt"
	"time"

	"SwapGateway/internal/allocator"
	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/config"
	"SwapGateway/internal/db"
	"SwapGateway/internal/expiry"
	"SwapGateway/internal/locks"
	"SwapGateway/internal/orders"
	"SwapGateway/internal/payout"
	"SwapGateway/internal/rates"
	"SwapGateway/internal/store"
	"SwapGateway/internal/validator"
	"SwapGateway/internal/webhooks"
	"SwapGateway/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config    *config.Config
	Store     *store.Store
	Chains    *chain.Registry
	Allocator *allocator.Allocator
	Webhooks  *webhooks.Synchronizer
	Orders    *orders.Service
	Payouts   *payout.Dispatcher
	Validator *validator.Validator
	Sweeper   *expiry.Sweeper
	Log       *zap.Logger

	closers []func()
}

func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	a.Store = store.New(pool)

	deriver, err := chain.NewDeriver(cfg.Wallet.SeedHex, cfg.Bech32Prefix())
	if err != nil {
		return nil, err
	}
	if !deriver.Configured() {
		log.Warn("wallet seed not set, new deposit addresses cannot be derived")
	}

	if a.Chains, err = a.dialChains(ctx); err != nil {
		return nil, err
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}

	var notifier webhooks.Notifier
	if cfg.Webhooks.APIURL != "" {
		client := webhooks.NewClient(cfg.Webhooks.APIURL, cfg.Webhooks.AuthToken, log.Named("webhooks"))
		if cfg.Webhooks.MaxAttempts > 0 {
			client.Retry.Attempts = cfg.Webhooks.MaxAttempts
		}
		notifier = client
	}
	a.Webhooks = webhooks.NewSynchronizer(a.Store, notifier, cfg.WebhookChannels(), log.Named("webhooks"))
	if cfg.Webhooks.BatchSize > 0 {
		a.Webhooks.BatchSize = cfg.Webhooks.BatchSize
	}

	a.Allocator = allocator.New(a.Store, deriver, log.Named("allocator"))

	a.Orders = orders.NewService(a.Store, a.Allocator, rates.Lookup{Store: a.Store}, a.Chains, a.Webhooks, log.Named("orders"))
	a.Orders.TTL = cfg.OrderTTL()
	a.Orders.ExpiryGrace = cfg.ExpiryGrace()

	a.Payouts = payout.NewDispatcher(a.Store, a.Chains, a.Webhooks, log.Named("payout"))
	a.Payouts.StaleAfter = cfg.PayoutStaleAfter()
	a.Payouts.WaitTimeout = cfg.PayoutWaitTimeout()

	a.Validator = validator.New(a.Store, a.Chains, locker, a.Payouts, log.Named("validator"))
	a.Validator.NativeRequiresConfirmations = cfg.Validator.NativeRequiresConfirmations
	a.Validator.UnderpaidGrace = cfg.UnderpaidGrace()
	a.Validator.LockTTL = cfg.LockTTL()
	a.Validator.Concurrency = cfg.Validator.Concurrency

	a.Sweeper = expiry.NewSweeper(a.Store, a.Allocator, a.Webhooks, log.Named("expiry"))
	a.Sweeper.Grace = cfg.ExpiryGrace()

	ok = true
	return a, nil
}

func (a *App) dialChains(ctx context.Context) (*chain.Registry, error) {
	endpoints := make([]*chain.Endpoint, 0, len(a.Config.Networks))
	for _, n := range a.Config.Networks {
		family, err := chain.ParseFamily(n.Family)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", n.Code, err)
		}
		ep := &chain.Endpoint{
			Code:           n.Code,
			Family:         family,
			StartBlock:     n.StartBlock,
			LookbackBlocks: n.LogLookbackBlocks,
		}
		switch family {
		case chain.FamilyEVM:
			client, err := chain.DialEVM(ctx, n.RPCEndpoints[0], n.PayoutPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("network %s: %w", n.Code, err)
			}
			a.closers = append(a.closers, client.Close)
			ep.Reader = client
			if client.CanSend() {
				ep.Sender = client
			}
		case chain.FamilyCosmos:
			multi, err := chain.NewMultiRPCClient(n.RPCEndpoints, n.RPCFailoverThreshold)
			if err != nil {
				return nil, fmt.Errorf("network %s: %w", n.Code, err)
			}
			ep.Reader = chain.NewCosmosClient(multi, n.Denom)
		default:
			return nil, fmt.Errorf("%w: network %s: family %s has no reader", apperr.ErrConfig, n.Code, family)
		}
		a.Log.Info("chain endpoint ready",
			zap.String("network", n.Code),
			zap.String("family", string(family)),
			zap.Int("rpc_endpoints", len(n.RPCEndpoints)),
			zap.Bool("payouts", ep.Sender != nil),
		)
		endpoints = append(endpoints, ep)
	}
	return chain.NewRegistry(endpoints...), nil
}

// locker uses redis when configured so that several api and worker
// processes share order locks.
func (a *App) locker(ctx context.Context) (locks.Locker, error) {
	r := a.Config.Redis
	if r.Addr == "" {
		a.Log.Info("redis not configured, using in-process locks")
		return locks.NewLocal(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	a.closers = append(a.closers, func() { _ = client.Close() })

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", apperr.ErrTransient, err)
	}
	return locks.NewRedisLocker(client, "swapgw:", a.Log.Named("locks")), nil
}

// Streams lists the cosmos networks the worker follows over websocket.
func (a *App) Streams() []worker.Stream {
	var out []worker.Stream
	for _, n := range a.Config.Networks {
		if f, err := chain.ParseFamily(n.Family); err != nil || f != chain.FamilyCosmos {
			continue
		}
		ws := n.WSEndpoints
		if len(ws) == 0 {
			for _, rpc := range n.RPCEndpoints {
				if e := chain.DefaultWSEndpoint(rpc); e != "" {
					ws = append(ws, e)
				}
			}
		}
		out = append(out, worker.Stream{Network: n.Code, Endpoints: ws, Denom: n.Denom, FailoverThreshold: n.RPCFailoverThreshold})
	}
	return out
}

// Close waits for in-flight payouts and releases connections in reverse
// order of creation.
func (a *App) Close() {
	if a.Validator != nil {
		a.Validator.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
