package feed

import (
	"math"
	"testing"
	"time"
)

func TestRegimeFor(t *testing.T) {
	tests := []struct {
		atrPct float64
		want   Regime
	}{
		{0.00, RegimeLow},
		{0.039, RegimeLow},
		{0.04, RegimeNormal},
		{0.099, RegimeNormal},
		{0.10, RegimeHigh},
		{0.179, RegimeHigh},
		{0.18, RegimeExtreme},
		{1.00, RegimeExtreme},
	}
	for _, tt := range tests {
		if got := RegimeFor(tt.atrPct); got != tt.want {
			t.Errorf("RegimeFor(%v) = %s, want %s", tt.atrPct, got, tt.want)
		}
	}
}

func TestCandleOpenAndRollover(t *testing.T) {
	f := New("ws://unused")

	base := int64(1_700_000_100) // 300-aligned, so base is a candle boundary
	f.onTick(base, 50_000)
	f.onTick(base+10, 50_100)

	boundary, open := f.Candle()
	if boundary != base {
		t.Fatalf("boundary = %d, want %d", boundary, base)
	}
	// Open is the tick nearest the boundary: the first one.
	if open != 50_000 {
		t.Errorf("open = %v, want 50000", open)
	}
	if f.WarmedUp() {
		t.Error("warmed up before first rollover")
	}

	// Cross into the next candle.
	next := boundary + candleSec
	f.onTick(next+1, 50_200)

	if !f.WarmedUp() {
		t.Error("not warmed up after rollover")
	}
	newBoundary, newOpen := f.Candle()
	if newBoundary != next {
		t.Errorf("boundary = %d, want %d", newBoundary, next)
	}
	if newOpen != 50_200 {
		t.Errorf("new open = %v, want 50200", newOpen)
	}

	// Close snapshot keyed by the new boundary holds the last tick of the
	// finished candle.
	closePrice, ok := f.CloseSnapshot(next)
	if !ok {
		t.Fatal("close snapshot missing")
	}
	if closePrice != 50_100 {
		t.Errorf("close = %v, want 50100", closePrice)
	}
}

func TestATRReadiness(t *testing.T) {
	f := New("ws://unused")

	start := int64(1_700_000_100) // 300-aligned
	prices := []float64{50_000, 50_100, 50_050, 50_200, 49_900}

	// Each candle gets two ticks; every new candle adds one true range.
	for i, p := range prices {
		candleStart := start + int64(i)*candleSec
		f.onTick(candleStart+10, p)
		f.onTick(candleStart+200, p+50)
	}

	if _, ready := f.ATR(); !ready {
		t.Fatal("ATR not ready after 4 rollovers")
	}
	atr, _ := f.ATR()
	if atr <= 0 {
		t.Errorf("atr = %v, want > 0", atr)
	}
	pct, ok := f.ATRPct()
	if !ok || pct <= 0 {
		t.Errorf("atr pct = %v ready=%v", pct, ok)
	}
}

func TestATRNotReadyEarly(t *testing.T) {
	f := New("ws://unused")

	start := int64(1_700_000_100) // 300-aligned
	f.onTick(start+10, 50_000)
	f.onTick(start+candleSec+10, 50_100) // one rollover, one TR

	if _, ready := f.ATR(); ready {
		t.Error("ATR ready with a single true range")
	}
	if f.CurrentRegime() != RegimeNormal {
		t.Errorf("regime = %s, want NORMAL before ATR is ready", f.CurrentRegime())
	}
}

func TestTrueRangeUsesPrevClose(t *testing.T) {
	f := New("ws://unused")

	start := int64(1_700_000_100) // 300-aligned
	// Candle 1: range 100, closes at 50_100.
	f.onTick(start+10, 50_000)
	f.onTick(start+200, 50_100)
	// Candle 2: gap up, range 10 but TR vs prev close is 910.
	f.onTick(start+candleSec+10, 51_000)
	f.onTick(start+candleSec+200, 51_010)
	// Rollover into candle 3 records candle 2's TR.
	f.onTick(start+2*candleSec+10, 51_000)

	f.mu.RLock()
	trs := append([]float64(nil), f.trRing...)
	f.mu.RUnlock()
	if len(trs) != 2 {
		t.Fatalf("tr count = %d, want 2", len(trs))
	}
	// |high - prevClose| = |51010 - 50100| = 910 dominates the 10 range.
	if math.Abs(trs[1]-910) > 1e-9 {
		t.Errorf("tr = %v, want 910", trs[1])
	}
}

func TestRingEviction(t *testing.T) {
	f := New("ws://unused")
	start := int64(1_700_000_000)
	for i := 0; i < ringCapacity+50; i++ {
		f.onTick(start+int64(i), 50_000+float64(i))
	}
	f.mu.RLock()
	n := len(f.ring)
	f.mu.RUnlock()
	if n != ringCapacity {
		t.Errorf("ring length = %d, want %d", n, ringCapacity)
	}
}

func TestProcessMessageFiltering(t *testing.T) {
	f := New("ws://unused")

	// Wrong topic and wrong symbol are dropped; millisecond timestamps are
	// normalized to seconds.
	f.processMessage([]byte(`{"topic":"other","payload":{"symbol":"btc/usd","value":50000,"timestamp":1700000000}}`))
	f.processMessage([]byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"eth/usd","value":3000,"timestamp":1700000000}}`))
	f.processMessage([]byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"btc/usd","value":0,"timestamp":1700000000}}`))
	if p, _ := f.Price(); p != 0 {
		t.Fatalf("price = %v after filtered messages, want 0", p)
	}

	f.processMessage([]byte(`[{"topic":"crypto_prices_chainlink","payload":{"symbol":"btc/usd","value":50000,"timestamp":1700000000123}}]`))
	if p, _ := f.Price(); p != 50_000 {
		t.Fatalf("price = %v, want 50000", p)
	}
	f.mu.RLock()
	epoch := f.ring[len(f.ring)-1].Epoch
	f.mu.RUnlock()
	if epoch != 1_700_000_000 {
		t.Errorf("epoch = %d, want ms timestamp scaled to seconds", epoch)
	}
}

func TestCloseSnapshotEviction(t *testing.T) {
	f := New("ws://unused")
	start := int64(1_700_000_100) // 300-aligned

	// Walk far enough that the first snapshots age past the TTL.
	candles := int(closeSnapshotTTL.Seconds())/candleSec + 3
	for i := 0; i <= candles; i++ {
		f.onTick(start+int64(i)*candleSec+10, 50_000)
	}

	if _, ok := f.CloseSnapshot(start + candleSec); ok {
		t.Error("expired close snapshot still present")
	}
	latest := start + int64(candles)*candleSec
	if _, ok := f.CloseSnapshot(latest); !ok {
		t.Error("latest close snapshot missing")
	}
}

func TestBackoffGrowsToCap(t *testing.T) {
	f := New("ws://unused")

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := f.backoff(); got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i, got, w)
		}
	}

	// A successful connect zeroes the attempt counter.
	f.mu.Lock()
	f.attempts = 0
	f.mu.Unlock()
	if got := f.backoff(); got != backoffFloor {
		t.Errorf("backoff after reset = %v, want %v", got, backoffFloor)
	}
}

func TestSupervisorReapsSilentConnection(t *testing.T) {
	f := New("ws://unused")
	f.mu.Lock()
	f.connected = true
	f.lastMsgAt = time.Now().Add(-zombieTimeout - time.Second)
	f.mu.Unlock()

	if !f.reapZombie() {
		t.Fatal("silent connection not reaped")
	}
	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()
	if connected {
		t.Error("connected flag survived the reap")
	}
}

func TestSupervisorKeepsLiveConnection(t *testing.T) {
	f := New("ws://unused")
	f.mu.Lock()
	f.connected = true
	f.lastMsgAt = time.Now()
	f.mu.Unlock()

	if f.reapZombie() {
		t.Error("live connection reaped")
	}
	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()
	if !connected {
		t.Error("connected flag cleared on a live connection")
	}
}
