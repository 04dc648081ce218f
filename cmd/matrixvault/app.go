package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/thetanil/matrixvault/internal/audit"
	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/cells/badgerstore"
	"github.com/thetanil/matrixvault/internal/cells/sqlstore"
	"github.com/thetanil/matrixvault/internal/config"
	"github.com/thetanil/matrixvault/internal/db"
	"github.com/thetanil/matrixvault/internal/history"
	"github.com/thetanil/matrixvault/internal/matrix"
	"github.com/thetanil/matrixvault/internal/metrics"
	"github.com/thetanil/matrixvault/internal/registry"
	"github.com/thetanil/matrixvault/internal/viewport"
)

// app holds the components every command shares.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *db.DB
	metrics  *metrics.Metrics
	registry *registry.Store
	sink     *audit.SQLSink
	audit    *audit.Log
	backend  cells.Backend
	store    *cells.Store
	matrix   *matrix.Service
}

func openApp(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.Logger(stderr)

	dialect, err := db.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	d, err := db.Open(ctx, dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      logger,
		db:       d,
		metrics:  metrics.New(),
		registry: registry.New(d),
		sink:     audit.NewSQLSink(d),
	}
	a.audit = audit.NewLog(a.sink, logger.With(slog.String("component", "audit")), a.metrics)

	switch cfg.Cells.Backend {
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(cfg.Cells.BadgerPath)
		bcfg.GCInterval = cfg.Cells.BadgerGC
		bcfg.Logger = logger.With(slog.String("component", "badger"))
		a.backend, err = badgerstore.Open(bcfg)
		if err != nil {
			d.Close()
			return nil, err
		}
	default:
		a.backend = sqlstore.New(d, logger)
	}

	cipher, err := cellcrypt.New(cellcrypt.Options{
		Iterations: cfg.Crypto.Iterations,
		Workers:    cfg.Crypto.Workers,
		ObserveKDF: a.metrics.ObserveKDF,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = cells.NewStore(a.backend, cipher, logger)
	hist := history.New(history.Options{Cap: cfg.History.Cap, TTL: cfg.History.TTL})
	a.matrix = matrix.New(a.store, viewport.New(a.store, cfg.Viewport.MaxCells), hist, a.audit, matrix.Options{
		Logger:   logger.With(slog.String("component", "matrix")),
		Observer: a.metrics,
	})
	return a, nil
}

// Close releases the cell backend and the database.
func (a *app) Close() error {
	var firstErr error
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close cell store: %w", err)
		}
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close database: %w", err)
	}
	return firstErr
}
