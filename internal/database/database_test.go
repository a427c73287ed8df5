package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return db
}

func TestSaveAndGetTrade(t *testing.T) {
	db := newTestDB(t)

	trade := &Trade{
		Action:        ActionBuyYes,
		Result:        ResultPending,
		BetAmount:     decimal.NewFromFloat(3.0),
		Odds:          decimal.NewFromFloat(0.46),
		EntryPrice:    decimal.NewFromFloat(50_120.5),
		OpenPrice:     decimal.NewFromFloat(50_060.0),
		ActualSize:    decimal.NewFromFloat(6.52),
		MarketID:      "0xcond",
		TokenID:       "111",
		OrderID:       "0xorder",
		OrderStatus:   "MATCHED",
		Strategy:      StrategyForward,
		EstimatedProb: 0.77,
		EV:            0.71,
	}
	if err := db.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if trade.ID == 0 {
		t.Fatal("id not assigned")
	}

	got, err := db.GetTrade(trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Coin != "BTC" || got.Timeframe != "5M" {
		t.Errorf("defaults not applied: coin=%s timeframe=%s", got.Coin, got.Timeframe)
	}
	if !got.BetAmount.Equal(trade.BetAmount) {
		t.Errorf("bet amount = %s, want %s", got.BetAmount, trade.BetAmount)
	}
	if got.Result != ResultPending {
		t.Errorf("result = %s, want PENDING", got.Result)
	}
}

func TestPendingTradesOldestFirst(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		trade := &Trade{
			Action:    ActionBuyYes,
			Result:    ResultPending,
			MarketID:  "0xcond",
			CreatedAt: time.Now().Add(time.Duration(-3+i) * time.Minute),
		}
		if err := db.SaveTrade(trade); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	// One resolved trade must not appear.
	if err := db.SaveTrade(&Trade{Action: ActionBuyNo, Result: ResultWin}); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	pending, err := db.GetPendingTrades()
	if err != nil {
		t.Fatalf("GetPendingTrades: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Error("pending trades not oldest-first")
		}
	}
}

func TestResolveLifecycle(t *testing.T) {
	db := newTestDB(t)

	trade := &Trade{
		Action:    ActionBuyYes,
		Result:    ResultPending,
		BetAmount: decimal.NewFromFloat(3.0),
	}
	if err := db.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	now := time.Now()
	trade.Result = ResultWin
	trade.Pnl = decimal.NewFromFloat(3.52)
	trade.ResolvedAt = &now
	if err := db.UpdateTrade(trade); err != nil {
		t.Fatalf("UpdateTrade: %v", err)
	}

	got, err := db.GetTrade(trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Result != ResultWin || got.ResolvedAt == nil {
		t.Errorf("resolve not persisted: result=%s resolvedAt=%v", got.Result, got.ResolvedAt)
	}

	pending, _ := db.GetPendingTrades()
	if len(pending) != 0 {
		t.Errorf("resolved trade still pending")
	}
}

func TestGetLastResolvedNewestFirst(t *testing.T) {
	db := newTestDB(t)

	results := []string{ResultWin, ResultLose, ResultLose, ResultLose, ResultPending}
	for _, r := range results {
		if err := db.SaveTrade(&Trade{Action: ActionBuyYes, Result: r, Strategy: StrategyForward}); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	last, err := db.GetLastResolved(3)
	if err != nil {
		t.Fatalf("GetLastResolved: %v", err)
	}
	if len(last) != 3 {
		t.Fatalf("got %d trades, want 3", len(last))
	}
	// Newest three resolved rows are all losses.
	for _, tr := range last {
		if tr.Result != ResultLose {
			t.Errorf("result = %s, want LOSE", tr.Result)
		}
	}
	if last[0].ID < last[1].ID {
		t.Error("not ordered newest first")
	}
}

func TestWinLossCountsExcludeFOKFailures(t *testing.T) {
	db := newTestDB(t)

	rows := []Trade{
		{Result: ResultWin, Strategy: StrategyForward},
		{Result: ResultWin, Strategy: StrategyForward},
		{Result: ResultLose, Strategy: StrategyForward},
		{Result: ResultCancelled, Strategy: StrategyFOKFail},
		{Result: ResultLose, Strategy: StrategyFOKFail},
	}
	for i := range rows {
		if err := db.SaveTrade(&rows[i]); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	wins, losses, err := db.GetWinLossCounts()
	if err != nil {
		t.Fatalf("GetWinLossCounts: %v", err)
	}
	if wins != 2 || losses != 1 {
		t.Errorf("counts = %d/%d, want 2/1", wins, losses)
	}
}

func TestResolvedPnlSum(t *testing.T) {
	db := newTestDB(t)

	rows := []Trade{
		{Result: ResultWin, Pnl: decimal.NewFromFloat(3.5)},
		{Result: ResultLose, Pnl: decimal.NewFromFloat(-2.0)},
		{Result: ResultCancelled, Pnl: decimal.Zero},
		{Result: ResultPending, Pnl: decimal.NewFromFloat(99)}, // excluded
	}
	for i := range rows {
		if err := db.SaveTrade(&rows[i]); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	sum, err := db.GetResolvedPnlSum()
	if err != nil {
		t.Fatalf("GetResolvedPnlSum: %v", err)
	}
	if !sum.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("pnl sum = %s, want 1.5", sum)
	}
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)

	rows := []Trade{
		{Result: ResultWin, Strategy: StrategyForward, Pnl: decimal.NewFromFloat(2)},
		{Result: ResultLose, Strategy: StrategyForward, Pnl: decimal.NewFromFloat(-1)},
		{Result: ResultLose, Strategy: StrategyForward, Pnl: decimal.NewFromFloat(-1)},
		{Result: ResultPending, Strategy: StrategyForward},
		{Result: ResultCancelled, Strategy: StrategyFOKFail},
	}
	for i := range rows {
		if err := db.SaveTrade(&rows[i]); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalTrades != 4 {
		t.Errorf("total = %d, want 4 (FOK_FAIL excluded)", stats.TotalTrades)
	}
	if stats.Wins != 1 || stats.Losses != 2 || stats.Pending != 1 || stats.Cancelled != 1 {
		t.Errorf("breakdown = %d/%d/%d/%d", stats.Wins, stats.Losses, stats.Pending, stats.Cancelled)
	}
	want := 1.0 / 3.0
	if diff := stats.WinRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("win rate = %v, want %v", stats.WinRate, want)
	}
}
