// Package balance tracks the working bankroll. Dry-run replays the trade
// ledger on top of the configured starting capital; live mode treats the
// on-chain collateral balance as truth and reconciles against it.
package balance

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysniper/internal/database"
)

const (
	syncInterval    = 10 * time.Second
	verifyThrottle  = 5 * time.Second
	pollingThrottle = 10 * time.Second
	redeemPollLimit = 180 * time.Second
	payoutTolerance = 0.8 // expect at least 80% of the payout to arrive
)

// Fetcher reads the on-chain collateral balance.
type Fetcher interface {
	GetBalance() (float64, error)
}

// Manager owns the working balance. Mutations come from the scanner
// (deduct), the reconciler (credit/refund) and the live sync loop.
type Manager struct {
	mu sync.Mutex

	dryRun  bool
	fetcher Fetcher
	db      *database.Database

	balance float64
	initial float64

	liveBalance  float64
	lastLiveSync time.Time

	lastVerifiedAt time.Time

	polling    bool
	pollStart  time.Time
	pollTarget float64

	stopCh  chan struct{}
	running bool
}

func New(dryRun bool, initialBalance float64, fetcher Fetcher, db *database.Database) *Manager {
	return &Manager{
		dryRun:  dryRun,
		fetcher: fetcher,
		db:      db,
		initial: initialBalance,
		stopCh:  make(chan struct{}),
	}
}

// Start initializes the balance. Dry-run replays the ledger; live captures
// the current on-chain balance as the initial bankroll and keeps syncing.
func (m *Manager) Start() {
	if m.dryRun {
		m.replayLedger()
		log.Info().Float64("balance", m.Balance()).Msg("💰 Balance manager started (dry-run)")
		return
	}

	if live, err := m.fetcher.GetBalance(); err != nil {
		log.Warn().Err(err).Float64("fallback", m.initial).Msg("⚠️ Initial balance capture failed")
		m.mu.Lock()
		m.balance = m.initial
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		m.initial = live
		m.balance = live
		m.liveBalance = live
		m.lastLiveSync = time.Now()
		m.mu.Unlock()
		log.Info().Float64("balance", live).Msg("💰 Balance manager started (live)")
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.syncLoop()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// replayLedger reproduces the dry-run balance: initial plus resolved pnl
// minus stakes still locked in pending trades.
func (m *Manager) replayLedger() {
	balance := m.initial

	if pnl, err := m.db.GetResolvedPnlSum(); err == nil {
		f, _ := pnl.Float64()
		balance += f
	}
	if pending, err := m.db.GetPendingTrades(); err == nil {
		for _, t := range pending {
			stake, _ := t.BetAmount.Float64()
			balance -= stake
		}
	}
	if balance < 0 {
		balance = 0
	}

	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
}

func (m *Manager) syncLoop() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncLive()
		}
	}
}

func (m *Manager) syncLive() {
	live, err := m.fetcher.GetBalance()
	if err != nil {
		log.Debug().Err(err).Msg("Balance sync failed")
		return
	}
	m.mu.Lock()
	m.liveBalance = live
	m.lastLiveSync = time.Now()
	if !m.polling {
		m.balance = live
	}
	m.mu.Unlock()
}

func (m *Manager) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

func (m *Manager) InitialBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initial
}

// BalanceDecimal is the persistence-boundary view.
func (m *Manager) BalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(m.Balance())
}

// DeductBet reserves the stake. Returns false instead of overdrawing.
func (m *Manager) DeductBet(stake float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance-stake < 0 {
		return false
	}
	m.balance -= stake
	return true
}

// Credit adds a win payout to the working balance.
func (m *Manager) Credit(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance += amount
}

// Refund returns a stake from a cancelled trade.
func (m *Manager) Refund(stake float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance += stake
}

// ForceSync refreshes the live balance immediately. Scheduled shortly
// after an order commit so the next verified read sees the fill.
func (m *Manager) ForceSync() {
	if m.dryRun {
		return
	}
	m.syncLive()
}

// LiveBalance returns the last observed on-chain balance and its age.
func (m *Manager) LiveBalance() (float64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveBalance, m.lastLiveSync
}

// StartRedeemPolling arms the post-win watch: the on-chain balance is
// expected to rise by at least 80% of the payout within the poll window.
func (m *Manager) StartRedeemPolling(expectedPayout float64) {
	if m.dryRun {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polling = true
	m.pollStart = time.Now()
	m.pollTarget = m.liveBalance + payoutTolerance*expectedPayout
	log.Info().
		Float64("target", m.pollTarget).
		Float64("payout", expectedPayout).
		Msg("⏳ Redeem polling started")
}

// VerifiedBalance is the scanner's authoritative pre-order read. Throttled
// so the hot loop cannot hammer the balance endpoint; while redeem polling
// is active it waits for the payout to land (or times out after 180s) and
// may return a balance that is still short.
func (m *Manager) VerifiedBalance() float64 {
	if m.dryRun {
		return m.Balance()
	}

	m.mu.Lock()
	throttle := verifyThrottle
	if m.polling {
		throttle = pollingThrottle
	}
	if time.Since(m.lastVerifiedAt) < throttle {
		b := m.balance
		m.mu.Unlock()
		return b
	}
	m.lastVerifiedAt = time.Now()
	polling := m.polling
	pollStart := m.pollStart
	target := m.pollTarget
	m.mu.Unlock()

	live, err := m.fetcher.GetBalance()
	if err != nil {
		log.Debug().Err(err).Msg("Verified balance fetch failed")
		return m.Balance()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveBalance = live
	m.lastLiveSync = time.Now()

	if polling {
		switch {
		case live >= target:
			m.polling = false
			log.Info().Float64("balance", live).Msg("✅ Redeem payout arrived")
		case time.Since(pollStart) > redeemPollLimit:
			m.polling = false
			log.Warn().
				Float64("balance", live).
				Float64("target", target).
				Msg("⏰ Redeem polling timed out")
		}
	}
	m.balance = live
	return m.balance
}
