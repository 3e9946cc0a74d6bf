package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"tradedesk/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testTime = time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC)

func apply(t *testing.T, l *Ledger, fillID, symbol string, delta int64, price string) *domain.Position {
	t.Helper()
	pos, err := l.Apply(context.Background(), fillID, symbol, delta, dec(price), testTime)
	if err != nil {
		t.Fatalf("Apply(%s): %v", fillID, err)
	}
	return pos
}

func TestSimpleBuy(t *testing.T) {
	l := New(nil, nil, nil)
	pos := apply(t, l, "f-1", "SPY", 100, "450.05")

	if pos.Qty != 100 {
		t.Errorf("Qty = %d, want 100", pos.Qty)
	}
	if !pos.AvgCostBasis.Equal(dec("450.05")) {
		t.Errorf("AvgCostBasis = %s, want 450.05", pos.AvgCostBasis)
	}
	if !pos.RealizedPnL.IsZero() {
		t.Errorf("RealizedPnL = %s, want 0", pos.RealizedPnL)
	}
}

func TestWeightedAverageOnIncrease(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "AAPL", 50, "169.80")
	pos := apply(t, l, "f-2", "AAPL", 50, "169.90")

	if pos.Qty != 100 {
		t.Errorf("Qty = %d, want 100", pos.Qty)
	}
	if !pos.AvgCostBasis.Equal(dec("169.85")) {
		t.Errorf("AvgCostBasis = %s, want 169.85", pos.AvgCostBasis)
	}
}

func TestReduceRealizesPnL(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "445")
	pos := apply(t, l, "f-2", "SPY", -60, "450")

	if pos.Qty != 40 {
		t.Errorf("Qty = %d, want 40", pos.Qty)
	}
	// Cost basis of the remaining leg is unchanged by a reduction.
	if !pos.AvgCostBasis.Equal(dec("445")) {
		t.Errorf("AvgCostBasis = %s, want 445", pos.AvgCostBasis)
	}
	if !pos.RealizedPnL.Equal(dec("300")) {
		t.Errorf("RealizedPnL = %s, want 300", pos.RealizedPnL)
	}
}

func TestReversalStartsNewLeg(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "445")
	// Sell 150 @ 450: close the 100 long (+500 realized) and go short 50 @ 450.
	pos := apply(t, l, "f-2", "SPY", -150, "450")

	if pos.Qty != -50 {
		t.Errorf("Qty = %d, want -50", pos.Qty)
	}
	if !pos.AvgCostBasis.Equal(dec("450")) {
		t.Errorf("AvgCostBasis = %s, want 450", pos.AvgCostBasis)
	}
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("RealizedPnL = %s, want 500", pos.RealizedPnL)
	}
}

func TestFlattenRetainsRealizedPnL(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "445")
	pos := apply(t, l, "f-2", "SPY", -100, "450")

	if !pos.IsFlat() {
		t.Errorf("Qty = %d, want 0", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("RealizedPnL = %s, want 500", pos.RealizedPnL)
	}

	// The record persists after closing.
	snap, err := l.Snapshot("SPY")
	if err != nil {
		t.Fatalf("Snapshot after flatten: %v", err)
	}
	if !snap.RealizedPnL.Equal(dec("500")) {
		t.Errorf("flat position lost realized P&L: %s", snap.RealizedPnL)
	}

	// Re-opening starts a fresh leg at the new price.
	pos = apply(t, l, "f-3", "SPY", 20, "460")
	if pos.Qty != 20 || !pos.AvgCostBasis.Equal(dec("460")) {
		t.Errorf("re-open: qty=%d basis=%s, want 20 @ 460", pos.Qty, pos.AvgCostBasis)
	}
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("re-open lost realized P&L: %s", pos.RealizedPnL)
	}
}

func TestShortSideAccounting(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "TSLA", -100, "250")
	// Cover 40 @ 240: short profits when price falls.
	pos := apply(t, l, "f-2", "TSLA", 40, "240")

	if pos.Qty != -60 {
		t.Errorf("Qty = %d, want -60", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(dec("400")) {
		t.Errorf("RealizedPnL = %s, want 400", pos.RealizedPnL)
	}
}

func TestDuplicateFillAppliedOnce(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "450")
	pos := apply(t, l, "f-1", "SPY", 100, "450")

	if pos.Qty != 100 {
		t.Errorf("duplicate fill changed Qty to %d, want 100", pos.Qty)
	}
}

func TestOpenExcludesFlat(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "450")
	apply(t, l, "f-2", "AAPL", 50, "170")
	apply(t, l, "f-3", "AAPL", -50, "171")

	open := l.Open()
	if len(open) != 1 || open[0].Symbol != "SPY" {
		t.Errorf("Open() = %+v, want only SPY", open)
	}
	if all := l.Snapshots(); len(all) != 2 {
		t.Errorf("Snapshots() = %d positions, want 2 (flat retained)", len(all))
	}
}

func TestSetLastPriceAdvisoryOnly(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "445")
	l.SetLastPrice("SPY", dec("450"))

	snap, err := l.Snapshot("SPY")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.LastPrice.Equal(dec("450")) {
		t.Errorf("LastPrice = %s, want 450", snap.LastPrice)
	}
	if !snap.UnrealizedPnL().Equal(dec("500")) {
		t.Errorf("UnrealizedPnL = %s, want 500", snap.UnrealizedPnL())
	}
	if !snap.AvgCostBasis.Equal(dec("445")) {
		t.Error("SetLastPrice must not touch cost basis")
	}
}

func TestForceSetPreservesRealized(t *testing.T) {
	l := New(nil, nil, nil)
	apply(t, l, "f-1", "SPY", 100, "445")
	apply(t, l, "f-2", "SPY", -100, "450")

	pos, err := l.ForceSet(context.Background(), "SPY", 25, dec("452"))
	if err != nil {
		t.Fatalf("ForceSet: %v", err)
	}
	if pos.Qty != 25 || !pos.AvgCostBasis.Equal(dec("452")) {
		t.Errorf("ForceSet result = %d @ %s", pos.Qty, pos.AvgCostBasis)
	}
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("ForceSet dropped realized P&L: %s", pos.RealizedPnL)
	}
}

func TestParallelSymbolsIndependent(t *testing.T) {
	l := New(nil, nil, nil)

	var wg sync.WaitGroup
	symbols := []string{"SPY", "AAPL", "TSLA", "NVDA"}
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Apply(context.Background(), fmt.Sprintf("%s-%d", sym, i), sym, 1, dec("100"), testTime)
			}
		}(sym)
	}
	wg.Wait()

	for _, sym := range symbols {
		snap, err := l.Snapshot(sym)
		if err != nil {
			t.Fatalf("Snapshot(%s): %v", sym, err)
		}
		if snap.Qty != 50 {
			t.Errorf("%s Qty = %d, want 50", sym, snap.Qty)
		}
	}
}

// TestReplayDeterminism: replaying the same ordered fill sequence from an
// empty ledger always yields an identical final position.
func TestReplayDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "fills")

		type fill struct {
			delta int64
			price decimal.Decimal
		}
		fills := make([]fill, n)
		for i := range fills {
			delta := rapid.Int64Range(-500, 500).Filter(func(v int64) bool { return v != 0 }).Draw(t, fmt.Sprintf("delta%d", i))
			cents := rapid.Int64Range(1, 100000).Draw(t, fmt.Sprintf("cents%d", i))
			fills[i] = fill{delta: delta, price: decimal.New(cents, -2)}
		}

		run := func() *domain.Position {
			l := New(nil, nil, nil)
			var pos *domain.Position
			for i, f := range fills {
				var err error
				pos, err = l.Apply(context.Background(), fmt.Sprintf("f-%d", i), "SPY", f.delta, f.price, testTime)
				if err != nil {
					t.Fatalf("Apply: %v", err)
				}
			}
			return pos
		}

		a := run()
		b := run()

		if a.Qty != b.Qty {
			t.Fatalf("replay qty diverged: %d vs %d", a.Qty, b.Qty)
		}
		if !a.AvgCostBasis.Equal(b.AvgCostBasis) {
			t.Fatalf("replay cost basis diverged: %s vs %s", a.AvgCostBasis, b.AvgCostBasis)
		}
		if !a.RealizedPnL.Equal(b.RealizedPnL) {
			t.Fatalf("replay realized P&L diverged: %s vs %s", a.RealizedPnL, b.RealizedPnL)
		}

		// Quantity must always equal the sum of applied deltas.
		var want int64
		for _, f := range fills {
			want += f.delta
		}
		if a.Qty != want {
			t.Fatalf("qty = %d, want sum of deltas %d", a.Qty, want)
		}
	})
}
