package batch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/idempotency"
	"tradedesk/internal/ledger"
	"tradedesk/internal/store"
)

type fixture struct {
	orch      *Orchestrator
	mgr       *engine.Manager
	sim       *broker.SimulatorBroker
	positions *ledger.Ledger
	st        *store.SQLiteStore
}

func newFixture(t *testing.T, autoFill bool) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulatorBroker(autoFill)
	positions := ledger.New(st, st, nil)
	idem := idempotency.NewLedger(24*time.Hour, st, nil)
	cfg := engine.Config{SubmitAttempts: 1, SubmitBackoff: time.Millisecond, BrokerTimeout: time.Second}
	mgr := engine.NewManager(cfg, sim, st, st, positions, idem, nil, nil, nil)
	orch := New(mgr, positions, st, 2, nil)
	return &fixture{orch: orch, mgr: mgr, sim: sim, positions: positions, st: st}
}

// pump feeds queued simulator events through the manager, which publishes
// terminal outcomes back to the orchestrator.
func (f *fixture) pump(ctx context.Context) {
	for {
		u, ok := f.sim.NextUpdate()
		if !ok {
			return
		}
		f.mgr.HandleTradeUpdate(ctx, u)
	}
}

func specs(symbols ...string) []domain.OrderSpec {
	out := make([]domain.OrderSpec, len(symbols))
	for i, sym := range symbols {
		out[i] = domain.OrderSpec{
			Symbol:      sym,
			Side:        domain.OrderSideBuy,
			Qty:         10,
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceDay,
		}
	}
	return out
}

func TestSubmitBatchAllSucceed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	b, err := f.orch.SubmitBatch(ctx, specs("SPY", "QQQ", "IWM"))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	f.pump(ctx)

	got, err := f.orch.Get(b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	for _, c := range got.Children {
		if c.Status != domain.BatchChildSucceeded {
			t.Errorf("child %s = %s (%s), want succeeded", c.Symbol, c.Status, c.Reason)
		}
		if c.OrderID == "" {
			t.Errorf("child %s has no order ID", c.Symbol)
		}
	}
	done, total := got.Progress()
	if done != 3 || total != 3 {
		t.Errorf("progress = %d/%d, want 3/3", done, total)
	}
}

func TestBatchOneChildFailsOthersUnaffected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sim.FailSubmit("GME", domain.BrokerRejected, "symbol not tradable")

	b, err := f.orch.SubmitBatch(ctx, specs("SPY", "QQQ", "GME", "IWM", "DIA"))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	f.pump(ctx)

	got, _ := f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusCompletedWithErrors {
		t.Fatalf("status = %s, want completed_with_errors", got.Status)
	}
	failed := got.FailedChildren()
	if len(failed) != 1 {
		t.Fatalf("failed children = %d, want 1", len(failed))
	}
	if failed[0].Symbol != "GME" || failed[0].Reason == "" {
		t.Errorf("failed child = %+v, want GME with a reason", failed[0])
	}
	done, total := got.Progress()
	if done != 5 || total != 5 {
		t.Errorf("progress = %d/%d, want 5/5", done, total)
	}
	// The sibling orders all went through.
	positions, _ := f.sim.GetPositions(ctx)
	if len(positions) != 4 {
		t.Errorf("broker has %d positions, want 4", len(positions))
	}
}

func TestBatchProgressTracksFills(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	b, err := f.orch.SubmitBatch(ctx, specs("SPY", "QQQ"))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	f.pump(ctx)

	got, _ := f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusInProgress {
		t.Fatalf("status = %s, want in_progress while orders work", got.Status)
	}
	if done, _ := got.Progress(); done != 0 {
		t.Errorf("progress done = %d, want 0", done)
	}

	open, _ := f.sim.ListOpenOrders(ctx)
	if len(open) != 2 {
		t.Fatalf("broker open orders = %d, want 2", len(open))
	}

	f.sim.Fill(open[0].BrokerOrderID, 10, decimal.NewFromInt(100))
	f.pump(ctx)
	got, _ = f.orch.Get(b.ID)
	if done, total := got.Progress(); done != 1 || total != 2 {
		t.Errorf("progress = %d/%d, want 1/2", done, total)
	}

	f.sim.Fill(open[1].BrokerOrderID, 10, decimal.NewFromInt(100))
	f.pump(ctx)
	got, _ = f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// Seed a long and a short position through the ledger.
	f.positions.Apply(ctx, "seed-1", "SPY", 100, decimal.RequireFromString("450.00"), time.Now())
	f.positions.Apply(ctx, "seed-2", "NVDA", -30, decimal.RequireFromString("500.00"), time.Now())
	f.sim.SetPrice("SPY", decimal.RequireFromString("451.00"))
	f.sim.SetPrice("NVDA", decimal.RequireFromString("499.00"))

	b, err := f.orch.CloseAll(ctx)
	if err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if b.Kind != domain.BatchKindCloseAll {
		t.Errorf("kind = %s, want close_all", b.Kind)
	}
	if len(b.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(b.Children))
	}
	f.pump(ctx)

	got, _ := f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	// Both legs are flat after the closing fills.
	for _, sym := range []string{"SPY", "NVDA"} {
		pos, err := f.positions.Snapshot(sym)
		if err != nil {
			t.Fatalf("snapshot %s: %v", sym, err)
		}
		if pos.Qty != 0 {
			t.Errorf("%s qty = %d after close-all, want 0", sym, pos.Qty)
		}
	}
}

func TestCloseAllNoPositions(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.orch.CloseAll(context.Background())
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestRetryResubmitsOnlyFailures(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sim.FailSubmit("GME", domain.BrokerRejected, "symbol not tradable")

	b, err := f.orch.SubmitBatch(ctx, specs("SPY", "GME"))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	f.pump(ctx)

	got, _ := f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusCompletedWithErrors {
		t.Fatalf("status = %s, want completed_with_errors", got.Status)
	}
	var succeededOrderID string
	for _, c := range got.Children {
		if c.Symbol == "SPY" {
			succeededOrderID = c.OrderID
		}
	}

	f.sim.ClearFailures()
	if _, err := f.orch.Retry(ctx, b.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	f.pump(ctx)

	got, _ = f.orch.Get(b.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("status after retry = %s, want completed", got.Status)
	}
	for _, c := range got.Children {
		if c.Status != domain.BatchChildSucceeded {
			t.Errorf("child %s = %s after retry, want succeeded", c.Symbol, c.Status)
		}
		if c.Symbol == "SPY" && c.OrderID != succeededOrderID {
			t.Errorf("succeeded child was resubmitted: %s -> %s", succeededOrderID, c.OrderID)
		}
	}
	// SPY ordered once, GME twice (the rejected attempt and the retry).
	positions, _ := f.sim.GetPositions(ctx)
	for _, p := range positions {
		if p.Symbol == "SPY" && p.Qty != 10 {
			t.Errorf("SPY qty = %d, want 10 (no double submit)", p.Qty)
		}
	}
}

func TestGetUnknownBatch(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.orch.Get("nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestBatchSurvivesRestart(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	b, err := f.orch.SubmitBatch(ctx, specs("SPY"))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	f.pump(ctx)

	// New orchestrator over the same store, as after a restart.
	idem := idempotency.NewLedger(24*time.Hour, f.st, nil)
	mgr2 := engine.NewManager(engine.Config{}, f.sim, f.st, f.st, ledger.New(f.st, f.st, nil), idem, nil, nil, nil)
	if err := mgr2.Load(ctx); err != nil {
		t.Fatalf("Load manager: %v", err)
	}
	orch2 := New(mgr2, f.positions, f.st, 2, nil)
	if err := orch2.Load(ctx); err != nil {
		t.Fatalf("Load orchestrator: %v", err)
	}

	restored, err := orch2.Get(b.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if restored.Status != domain.BatchStatusInProgress {
		t.Fatalf("restored status = %s, want in_progress", restored.Status)
	}

	// The pending child's fill still completes the batch.
	open, _ := f.sim.ListOpenOrders(ctx)
	f.sim.Fill(open[0].BrokerOrderID, 10, decimal.NewFromInt(100))
	for {
		u, ok := f.sim.NextUpdate()
		if !ok {
			break
		}
		mgr2.HandleTradeUpdate(ctx, u)
	}
	restored, _ = orch2.Get(b.ID)
	if restored.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s after fill, want completed", restored.Status)
	}
}
