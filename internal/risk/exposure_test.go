package risk

import (
	"testing"

	"execution-core/internal/order"
)

func exposureOrder(sym string, vol, price float64) order.Order {
	return order.Order{ID: "x", Symbol: sym, Side: order.SideBuy, Volume: vol, Price: price}
}

func TestExposureCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSinglePositionPct = 20
	cfg.MaxTotalExposurePct = 30
	cfg.ContractSizes = map[string]float64{"EURUSD": 100000, "GBPUSD": 100000}

	e := NewExposureMonitor(cfg)
	if ok, r := e.CheckExposure(exposureOrder("EURUSD", 0.01, 1.1)); ok || r.Code != CodeAccountUnknown {
		t.Fatalf("expected ACCOUNT_UNKNOWN without balance, got ok=%v %+v", ok, r)
	}
	e.SetBalance(10000)

	// 0.01 lot * 100000 * 1.1 = 1100 notional, symbol cap 2000, total cap 3000.
	if ok, r := e.CheckExposure(exposureOrder("EURUSD", 0.01, 1.1)); !ok {
		t.Fatalf("first order rejected: %+v", r)
	}
	e.ApplyFill("EURUSD", 1100)

	if ok, r := e.CheckExposure(exposureOrder("EURUSD", 0.01, 1.1)); ok || r.Code != CodeSymbolExposure {
		t.Fatalf("expected symbol cap, got ok=%v %+v", ok, r)
	}

	e.ApplyFill("GBPUSD", 1300)
	if ok, r := e.CheckExposure(exposureOrder("GBPUSD", 0.005, 1.3)); ok || r.Code != CodeTotalExposure {
		t.Fatalf("expected total cap, got ok=%v %+v", ok, r)
	}

	e.Release("EURUSD", 1100)
	if ok, r := e.CheckExposure(exposureOrder("GBPUSD", 0.005, 1.3)); !ok {
		t.Fatalf("rejected after release: %+v", r)
	}
	if s := e.Snapshot(); s.Total != 1300 {
		t.Fatalf("total=%v, want 1300", s.Total)
	}
}

func TestExposureReleaseFloorsAtZero(t *testing.T) {
	e := NewExposureMonitor(DefaultConfig())
	e.ApplyFill("EURUSD", 10)
	e.Release("EURUSD", 25)
	if s := e.Snapshot(); s.Total != 0 || len(s.BySymbol) != 0 {
		t.Fatalf("snapshot=%+v, want empty", s)
	}
}

func TestExposureNeedsPrice(t *testing.T) {
	e := NewExposureMonitor(DefaultConfig())
	e.SetBalance(1000)
	if ok, r := e.CheckExposure(exposureOrder("EURUSD", 1, 0)); ok || r.Code != CodeInvalidOrder {
		t.Fatalf("expected INVALID_ORDER, got ok=%v %+v", ok, r)
	}
}
