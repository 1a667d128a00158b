package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"SwapGateway/internal/config"
	"SwapGateway/internal/db"
	"SwapGateway/internal/logging"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql files")
	dryRun := flag.Bool("dry-run", false, "list pending migrations without applying them")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		logging.New("info", "json").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).Named("migrate")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		logger.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		logger.Fatal("list migrations failed", zap.Error(err))
	}

	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		var done bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&done); err != nil {
			logger.Fatal("check migration failed", zap.String("file", name), zap.Error(err))
		}
		if done {
			continue
		}
		if *dryRun {
			logger.Info("pending", zap.String("file", name))
			continue
		}
		if err := apply(ctx, pool, file, name); err != nil {
			logger.Fatal("apply migration failed", zap.String("file", name), zap.Error(err))
		}
		applied++
		logger.Info("applied", zap.String("file", name))
	}
	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one file and records it in the same transaction, so a failed
// migration leaves no partial schema behind.
func apply(ctx context.Context, pool *db.Pool, file, name string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
		return err
	})
}
