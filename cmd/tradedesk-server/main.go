package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradedesk/internal/batch"
	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/engine"
	"tradedesk/internal/httpapi"
	"tradedesk/internal/idempotency"
	"tradedesk/internal/ledger"
	"tradedesk/internal/marketprice"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// Venue selection: real credentials route to Alpaca; paper mode or
	// missing credentials run against the in-process simulator.
	var (
		b      broker.Broker
		prices engine.PriceSource
	)
	if cfg.Alpaca.APIKey != "" && !cfg.Trading.PaperMode {
		b = broker.NewAlpacaBroker(
			cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL,
			cfg.Engine.BrokerTimeout.Std(), cfg.Trading.RatePerMin)
		prices = marketprice.NewFeed(
			marketprice.NewAlpacaQuoter(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL),
			cfg.Trading.PriceTTL.Std(), cfg.Trading.PriceRatePerMin, logger)
	} else {
		sim := broker.NewSimulatorBroker(true)
		b = sim
		logger.Info("no live credentials or paper mode set, using simulator broker")
	}

	positions := ledger.New(st, st, logger)
	idem := idempotency.NewLedger(cfg.Engine.IdempotencyRetention.Std(), st, logger)
	risk := engine.NewRiskManager(b, prices, logger)

	mgr := engine.NewManager(engine.Config{
		SubmitAttempts: cfg.Engine.SubmitAttempts,
		SubmitBackoff:  cfg.Engine.SubmitBackoff.Std(),
		BrokerTimeout:  cfg.Engine.BrokerTimeout.Std(),
	}, b, st, st, positions, idem, risk, prices, logger)

	orch := batch.New(mgr, positions, st, cfg.Batch.Workers, logger)
	rec := reconcile.New(mgr, b, positions, st, cfg.Reconcile.Interval.Std(), logger)

	// Recover persisted state before accepting traffic.
	if err := idem.Load(ctx); err != nil {
		log.Fatalf("failed to load idempotency ledger: %v", err)
	}
	if err := positions.Restore(ctx); err != nil {
		log.Fatalf("failed to restore positions: %v", err)
	}
	if err := mgr.Load(ctx); err != nil {
		log.Fatalf("failed to load open orders: %v", err)
	}
	if err := orch.Load(ctx); err != nil {
		log.Fatalf("failed to load batches: %v", err)
	}

	go rec.Run(ctx)
	go idem.Run(ctx, time.Hour)
	go consumeTradeUpdates(ctx, b, mgr, logger)

	api := httpapi.NewServer(mgr, orch, b, positions, prices, logger)
	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tradedesk server listening", "addr", srv.Addr, "broker", b.Name())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	exportFillJournal(shutdownCtx, st, cfg.Storage.DataDir, logger)
	logger.Info("tradedesk server stopped")
}

// consumeTradeUpdates feeds broker push events into the engine, reconnecting
// with a flat delay when the stream drops. Events missed while disconnected
// are recovered by the reconciliation sweep.
func consumeTradeUpdates(ctx context.Context, b broker.Broker, mgr *engine.Manager, logger *slog.Logger) {
	for {
		err := b.StreamTradeUpdates(ctx, func(u broker.TradeUpdate) {
			mgr.HandleTradeUpdate(ctx, u)
		})
		if ctx.Err() != nil {
			return
		}
		logger.Error("trade update stream lost, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// exportFillJournal writes the immutable fill history to per-date parquet
// files alongside the database.
func exportFillJournal(ctx context.Context, st *store.SQLiteStore, dataDir string, logger *slog.Logger) {
	fills, err := st.ListFills(ctx)
	if err != nil {
		logger.Error("reading fill journal for export", "error", err)
		return
	}
	if len(fills) == 0 {
		return
	}
	journal := store.NewParquetJournal(dataDir)
	if err := journal.Export(fills); err != nil {
		logger.Error("exporting fill journal", "error", err)
		return
	}
	logger.Info("fill journal exported", "fills", len(fills), "dir", dataDir)
}
