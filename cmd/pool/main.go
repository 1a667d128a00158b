// Command pool pre-derives unassigned deposit addresses so order creation
// rarely has to derive on the request path.
package main

import (
	"context"
	"flag"
	"time"

	"SwapGateway/internal/allocator"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/config"
	"SwapGateway/internal/db"
	"SwapGateway/internal/logging"
	"SwapGateway/internal/store"

	"go.uber.org/zap"
)

func main() {
	familyName := flag.String("family", "evm", "chain family to derive for (evm, cosmos)")
	count := flag.Int("count", 100, "number of addresses to add")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		logging.New("info", "json").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).Named("pool")
	defer func() { _ = logger.Sync() }()

	family, err := chain.ParseFamily(*familyName)
	if err != nil {
		logger.Fatal("bad family", zap.Error(err))
	}
	if *count <= 0 {
		logger.Fatal("count must be positive", zap.Int("count", *count))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	deriver, err := chain.NewDeriver(cfg.Wallet.SeedHex, cfg.Bech32Prefix())
	if err != nil {
		logger.Fatal("deriver", zap.Error(err))
	}
	alloc := allocator.New(store.New(pool), deriver, logger)

	entries, err := alloc.DeriveBatch(ctx, family, *count)
	if err != nil {
		logger.Fatal("derive failed", zap.Int("derived", len(entries)), zap.Error(err))
	}
	if len(entries) > 0 {
		logger.Info("pool extended",
			zap.String("family", string(family)),
			zap.Int("derived", len(entries)),
			zap.Int64("first_index", entries[0].DerivationIndex),
			zap.Int64("last_index", entries[len(entries)-1].DerivationIndex),
		)
	}

	st, err := alloc.Stats(ctx, family)
	if err != nil {
		logger.Fatal("pool stats failed", zap.Error(err))
	}
	logger.Info("pool state",
		zap.String("family", string(family)),
		zap.Int64("free", st.Free),
		zap.Int64("next_index", st.NextIndex),
	)
}
