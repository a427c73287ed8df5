package balance

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysniper/internal/database"
)

type fakeFetcher struct {
	balance float64
	err     error
	calls   int
}

func (f *fakeFetcher) GetBalance() (float64, error) {
	f.calls++
	return f.balance, f.err
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	return db
}

func TestDeductBetRefusesOverdraw(t *testing.T) {
	m := New(true, 10, nil, newTestDB(t))
	m.Start()

	if !m.DeductBet(4) {
		t.Fatal("deduction within balance refused")
	}
	if m.Balance() != 6 {
		t.Errorf("balance = %v, want 6", m.Balance())
	}
	if m.DeductBet(7) {
		t.Error("overdraw accepted")
	}
	if m.Balance() != 6 {
		t.Errorf("balance changed on refused deduction: %v", m.Balance())
	}
}

func TestCreditAndRefund(t *testing.T) {
	m := New(true, 10, nil, newTestDB(t))
	m.Start()

	m.DeductBet(3)
	m.Credit(6.52)
	if got := m.Balance(); math.Abs(got-13.52) > 1e-9 {
		t.Errorf("balance = %v, want 13.52", got)
	}
	m.Refund(2)
	if got := m.Balance(); math.Abs(got-15.52) > 1e-9 {
		t.Errorf("balance = %v, want 15.52", got)
	}
}

func TestReplayLedger(t *testing.T) {
	db := newTestDB(t)

	// Resolved pnl: +3.5 - 2.0 = +1.5; one pending trade locks 3.0.
	rows := []database.Trade{
		{Result: database.ResultWin, Pnl: decimal.NewFromFloat(3.5)},
		{Result: database.ResultLose, Pnl: decimal.NewFromFloat(-2.0)},
		{Result: database.ResultPending, BetAmount: decimal.NewFromFloat(3.0)},
	}
	for i := range rows {
		if err := db.SaveTrade(&rows[i]); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	m := New(true, 100, nil, db)
	m.Start()

	want := 100 + 1.5 - 3.0
	if got := m.Balance(); got != want {
		t.Errorf("replayed balance = %v, want %v", got, want)
	}
}

func TestReplayLedgerNeverNegative(t *testing.T) {
	db := newTestDB(t)
	if err := db.SaveTrade(&database.Trade{
		Result: database.ResultLose,
		Pnl:    decimal.NewFromFloat(-500),
	}); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	m := New(true, 100, nil, db)
	m.Start()
	if got := m.Balance(); got != 0 {
		t.Errorf("balance = %v, want floor at 0", got)
	}
}

func TestLiveStartCapturesInitialBalance(t *testing.T) {
	fetcher := &fakeFetcher{balance: 250}
	m := New(false, 100, fetcher, newTestDB(t))
	m.Start()
	defer m.Stop()

	if m.Balance() != 250 {
		t.Errorf("balance = %v, want live 250", m.Balance())
	}
	if m.InitialBalance() != 250 {
		t.Errorf("initial = %v, want live capture", m.InitialBalance())
	}
}

func TestLiveStartFallsBackOnError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("api down")}
	m := New(false, 100, fetcher, newTestDB(t))
	m.Start()
	defer m.Stop()

	if m.Balance() != 100 {
		t.Errorf("balance = %v, want configured fallback", m.Balance())
	}
}

func TestVerifiedBalanceDryRun(t *testing.T) {
	m := New(true, 50, nil, newTestDB(t))
	m.Start()
	if m.VerifiedBalance() != 50 {
		t.Errorf("verified = %v, want working balance", m.VerifiedBalance())
	}
}

func TestVerifiedBalanceThrottled(t *testing.T) {
	fetcher := &fakeFetcher{balance: 100}
	m := New(false, 100, fetcher, newTestDB(t))
	m.Start()
	defer m.Stop()
	startCalls := fetcher.calls

	m.VerifiedBalance()
	m.VerifiedBalance()
	m.VerifiedBalance()

	// Only the first read inside the throttle window hits the API.
	if got := fetcher.calls - startCalls; got != 1 {
		t.Errorf("fetches = %d, want 1 (throttled)", got)
	}
}

func TestRedeemPollingCompletesOnTarget(t *testing.T) {
	fetcher := &fakeFetcher{balance: 100}
	m := New(false, 100, fetcher, newTestDB(t))
	m.Start()
	defer m.Stop()

	m.StartRedeemPolling(10) // target = 100 + 0.8×10 = 108

	// Force past the throttle, then land the payout.
	m.mu.Lock()
	m.lastVerifiedAt = time.Time{}
	m.mu.Unlock()
	fetcher.balance = 109

	if got := m.VerifiedBalance(); got != 109 {
		t.Fatalf("verified = %v, want 109", got)
	}
	m.mu.Lock()
	polling := m.polling
	m.mu.Unlock()
	if polling {
		t.Error("polling still active after payout arrived")
	}
}

func TestRedeemPollingTimesOut(t *testing.T) {
	fetcher := &fakeFetcher{balance: 100}
	m := New(false, 100, fetcher, newTestDB(t))
	m.Start()
	defer m.Stop()

	m.StartRedeemPolling(10)
	m.mu.Lock()
	m.pollStart = time.Now().Add(-redeemPollLimit - time.Second)
	m.lastVerifiedAt = time.Time{}
	m.mu.Unlock()

	m.VerifiedBalance()

	m.mu.Lock()
	polling := m.polling
	m.mu.Unlock()
	if polling {
		t.Error("polling not cleared after timeout")
	}
}
