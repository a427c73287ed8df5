// Package scanner runs the 100ms trading loop: layered statistical
// filters over the live candle, EV evaluation and fill-or-kill execution.
// One trade per 5-minute window, ever.
package scanner

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysniper/internal/clob"
	"github.com/web3guy0/polysniper/internal/database"
	"github.com/web3guy0/polysniper/internal/ev"
	"github.com/web3guy0/polysniper/internal/feed"
	"github.com/web3guy0/polysniper/internal/metrics"
	"github.com/web3guy0/polysniper/internal/odds"
)

const (
	candleSec = 300

	momentumRingSize = 10
	momentumMinTicks = 3
	maxCrossCount    = 5
	rangeWindowTicks = 60

	cusumFallbackH = 0.025
	cusumMaxTicks  = 10

	velocityAlpha     = 0.3
	velocityMinWindow = 50 * time.Millisecond

	minMoveFloor    = 0.01
	minMoveCeil     = 0.10
	minMoveFallback = 0.03

	earlyEntryWindowSec = 40
	tier1MinMove        = 0.10
	tier1MaxOdds        = 0.45
	tier2MinElapsedSec  = 30
	tier2MinMove        = 0.08
	tier2MaxOdds        = 0.50

	maxSpreadSum = 1.05
	oddsCeiling  = 0.60
	minBalance   = 1.0
	baseGap      = 0.03
	minWindowSec = 5
	maxWindowSec = 285

	maxFOKRetries    = 3
	fokRetryDelay    = 50 * time.Millisecond
	fokLimitCeiling  = 0.60
	postTradeRefresh = 2 * time.Second

	breakerCheckEvery = 30 * time.Second
	breakerLookback   = 3
	breakerDuration   = 5 * time.Minute

	winRateCacheTTL  = time.Minute
	winRateMinTrades = 5
)

// Filter names recorded in lastFilter and the abort counter.
const (
	filterMasterSwitch     = "master_switch"
	filterFeedDown         = "feed_down"
	filterWarmup           = "warmup"
	filterCircuitBreaker   = "circuit_breaker"
	filterWindowBurned     = "window_burned"
	filterMomentumRing     = "momentum_ring"
	filterChop             = "chop"
	filterRange            = "range"
	filterCUSUM            = "cusum"
	filterMinMove          = "min_move"
	filterCandlePhase      = "candle_phase"
	filterEarlyTier        = "early_tier"
	filterNoOdds           = "no_odds"
	filterSpread           = "spread"
	filterOddsCeiling      = "odds_ceiling"
	filterBalance          = "balance"
	filterMomentumWeak     = "momentum_weak"
	filterMomentumMismatch = "momentum_mismatch"
	filterEVHold           = "ev_hold"
	filterGap              = "gap"
	filterOrderFailed      = "order_failed"
	filterPass             = "pass"
)

// regimeParams are the regime-tuned filter multipliers.
type regimeParams struct {
	entryMult   float64
	rangeMult   float64
	momentumMin float64
	cusumMult   float64
	gapAdj      float64
}

var regimeTable = map[feed.Regime]regimeParams{
	feed.RegimeLow:     {entryMult: 0.40, rangeMult: 0.25, momentumMin: 0.35, cusumMult: 0.35, gapAdj: -0.01},
	feed.RegimeNormal:  {entryMult: 0.50, rangeMult: 0.30, momentumMin: 0.40, cusumMult: 0.40, gapAdj: 0.00},
	feed.RegimeHigh:    {entryMult: 0.60, rangeMult: 0.35, momentumMin: 0.50, cusumMult: 0.50, gapAdj: 0.01},
	feed.RegimeExtreme: {entryMult: 0.70, rangeMult: 0.40, momentumMin: 0.60, cusumMult: 0.60, gapAdj: 0.02},
}

// PriceSource is the feed surface the scanner reads.
type PriceSource interface {
	Connected() bool
	WarmedUp() bool
	Price() (float64, time.Time)
	Candle() (boundary int64, open float64)
	ATRPct() (float64, bool)
	CurrentRegime() feed.Regime
}

// OddsSource publishes the active window's odds snapshot.
type OddsSource interface {
	Odds() *odds.MarketOdds
}

// OrderPlacer submits one FOK attempt.
type OrderPlacer interface {
	PlaceOrder(tokenID string, amount, price float64, side string, retryCount int) clob.OrderResult
}

// BalanceSource is the bankroll surface the scanner needs.
type BalanceSource interface {
	VerifiedBalance() float64
	Balance() float64
	InitialBalance() float64
	DeductBet(stake float64) bool
	ForceSync()
}

// TradeStore persists trades and feeds the breaker/win-rate reads.
type TradeStore interface {
	SaveTrade(*database.Trade) error
	GetLastResolved(limit int) ([]database.Trade, error)
	GetWinLossCounts() (wins, losses int64, err error)
}

// Config is the subset of engine config the scanner uses.
type Config struct {
	Interval time.Duration
	MinBet   float64
	MaxBet   float64
}

// Metrics is the volatile scan-state snapshot for the dashboard.
type Metrics struct {
	TotalScans     int64       `json:"total_scans"`
	ScansPerSec    int64       `json:"scans_per_sec"`
	LastScanUs     int64       `json:"last_scan_us"`
	LastFilter     string      `json:"last_filter"`
	ATRPct         float64     `json:"atr_pct"`
	DynamicMinMove float64     `json:"dynamic_min_move"`
	Regime         feed.Regime `json:"regime"`
	CUSUMPos       float64     `json:"cusum_pos"`
	CUSUMNeg       float64     `json:"cusum_neg"`
	CUSUMTriggered bool        `json:"cusum_triggered"`
	CUSUMThreshold float64     `json:"cusum_threshold"`
}

// Scanner orchestrates one scan per tick. All candle-local state lives
// here and resets on boundary transition; the scan goroutine is the only
// writer.
type Scanner struct {
	cfg    Config
	prices PriceSource
	odds   OddsSource
	orders OrderPlacer
	bank   BalanceSource
	store  TradeStore

	enabledMu sync.RWMutex
	enabled   bool

	// candle-local state, single-writer
	lastBoundary     int64
	crossCount       int
	lastSign         int
	momentumRing     []int
	rangePrices      []float64
	cusumPos         float64
	cusumNeg         float64
	cusumRef         float64
	cusumTicks       int
	cusumTriggered   bool
	cusumH           float64
	velocityEMA      float64
	velocityRefPrice float64
	velocityRefTime  time.Time

	lastTradedWindow string

	breakerUntil     time.Time
	breakerLastCheck time.Time
	breakerTripID    uint

	winRate   float64
	winRateAt time.Time

	// dashboard snapshot state; the CUSUM fields mirror the candle-local
	// ones so Metrics never reads the scan goroutine's working set
	metricsMu          sync.Mutex
	totalScans         int64
	scansThisEpoch     int64
	scansPerSec        int64
	epochStart         time.Time
	lastScanUs         int64
	lastFilter         string
	dynamicMinMove     float64
	cusumPosSnap       float64
	cusumNegSnap       float64
	cusumTriggeredSnap bool
	cusumHSnap         float64

	stopCh  chan struct{}
	running bool
	runMu   sync.Mutex
	nowFn   func() time.Time
}

func New(cfg Config, prices PriceSource, oddsSrc OddsSource, orders OrderPlacer, bank BalanceSource, store TradeStore) *Scanner {
	return &Scanner{
		cfg:          cfg,
		prices:       prices,
		odds:         oddsSrc,
		orders:       orders,
		bank:         bank,
		store:        store,
		enabled:      true,
		momentumRing: make([]int, 0, momentumRingSize),
		rangePrices:  make([]float64, 0, rangeWindowTicks),
		winRate:      0.50,
		stopCh:       make(chan struct{}),
		nowFn:        time.Now,
	}
}

// SetEnabled is the master switch.
func (s *Scanner) SetEnabled(on bool) {
	s.enabledMu.Lock()
	s.enabled = on
	s.enabledMu.Unlock()
	log.Info().Bool("enabled", on).Msg("Scanner master switch")
}

func (s *Scanner) isEnabled() bool {
	s.enabledMu.RLock()
	defer s.enabledMu.RUnlock()
	return s.enabled
}

func (s *Scanner) Start() {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.runMu.Unlock()

	go s.loop()
	log.Info().Dur("interval", s.cfg.Interval).Msg("🎯 Scanner started")
}

func (s *Scanner) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("Scanner stopped")
}

func (s *Scanner) loop() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			filter := s.scan()
			s.recordScan(start, filter)
		}
	}
}

func (s *Scanner) recordScan(start time.Time, filter string) {
	elapsed := time.Since(start).Microseconds()

	s.metricsMu.Lock()
	s.totalScans++
	s.lastScanUs = elapsed
	s.lastFilter = filter
	s.cusumPosSnap = s.cusumPos
	s.cusumNegSnap = s.cusumNeg
	s.cusumTriggeredSnap = s.cusumTriggered
	s.cusumHSnap = s.cusumH
	if s.epochStart.IsZero() || time.Since(s.epochStart) >= time.Second {
		s.scansPerSec = s.scansThisEpoch
		s.scansThisEpoch = 0
		s.epochStart = time.Now()
	}
	s.scansThisEpoch++
	s.metricsMu.Unlock()

	metrics.ScansTotal.Inc()
	metrics.ScanDurationUs.Set(float64(elapsed))
	if filter != filterPass {
		metrics.FilterAborts.WithLabelValues(filter).Inc()
	}
}

// Metrics returns the dashboard snapshot.
func (s *Scanner) Metrics() Metrics {
	atrPct, _ := s.prices.ATRPct()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return Metrics{
		TotalScans:     s.totalScans,
		ScansPerSec:    s.scansPerSec,
		LastScanUs:     s.lastScanUs,
		LastFilter:     s.lastFilter,
		ATRPct:         atrPct,
		DynamicMinMove: s.dynamicMinMove,
		Regime:         s.prices.CurrentRegime(),
		CUSUMPos:       s.cusumPosSnap,
		CUSUMNeg:       s.cusumNegSnap,
		CUSUMTriggered: s.cusumTriggeredSnap,
		CUSUMThreshold: s.cusumHSnap,
	}
}

// scan runs the filter cascade once and returns the name of the filter
// that stopped it, or "pass" when a trade went out.
func (s *Scanner) scan() string {
	scanStart := s.nowFn()

	if !s.isEnabled() {
		return filterMasterSwitch
	}
	if !s.prices.Connected() {
		return filterFeedDown
	}
	if !s.prices.WarmedUp() {
		return filterWarmup
	}

	boundary, open := s.prices.Candle()
	if boundary != s.lastBoundary {
		s.resetCandleState(boundary)
	}

	if s.breakerActive(scanStart) {
		return filterCircuitBreaker
	}

	windowID := candleWindowID(scanStart)
	if windowID == s.lastTradedWindow {
		return filterWindowBurned
	}

	price, _ := s.prices.Price()
	if price <= 0 || open <= 0 {
		return filterFeedDown
	}
	priceDiffPct := (price - open) / open * 100

	s.trackVelocity(price, scanStart)

	consistency, ringFull := s.trackMomentum(priceDiffPct)
	if !ringFull {
		return filterMomentumRing
	}

	if s.trackCrossCount(priceDiffPct) >= maxCrossCount {
		return filterChop
	}

	rangePct := s.trackRange(price)

	atrPct, atrReady := s.prices.ATRPct()
	regime := s.prices.CurrentRegime()
	params := regimeTable[regime]

	if atrReady && len(s.rangePrices) >= 2 && rangePct < atrPct*params.rangeMult {
		return filterRange
	}

	if !s.updateCUSUM(price, atrPct, atrReady, params.cusumMult) {
		return filterCUSUM
	}

	dynMinMove := minMoveFallback
	if atrReady {
		dynMinMove = clampF(atrPct*params.entryMult, minMoveFloor, minMoveCeil)
	}
	s.metricsMu.Lock()
	s.dynamicMinMove = dynMinMove
	s.metricsMu.Unlock()
	if atrReady {
		metrics.ATRPctGauge.Set(atrPct)
	}

	if math.Abs(priceDiffPct) < dynMinMove {
		return filterMinMove
	}

	elapsed := scanStart.Unix() - boundary
	if elapsed < minWindowSec || elapsed >= maxWindowSec {
		return filterCandlePhase
	}

	snapshot := s.odds.Odds()
	if snapshot == nil {
		return filterNoOdds
	}

	isUp := priceDiffPct > 0
	target := snapshot.Up
	if !isUp {
		target = snapshot.Down
	}

	if elapsed < earlyEntryWindowSec {
		tier1 := math.Abs(priceDiffPct) >= tier1MinMove && target <= tier1MaxOdds
		tier2 := elapsed >= tier2MinElapsedSec && math.Abs(priceDiffPct) >= tier2MinMove && target <= tier2MaxOdds
		if !tier1 && !tier2 {
			return filterEarlyTier
		}
	}

	if snapshot.Up+snapshot.Down > maxSpreadSum {
		return filterSpread
	}
	if target > oddsCeiling {
		return filterOddsCeiling
	}

	bal := s.bank.VerifiedBalance()
	metrics.BalanceGauge.Set(bal)
	if bal < minBalance {
		return filterBalance
	}

	if math.Abs(consistency) < params.momentumMin {
		return filterMomentumWeak
	}
	if (priceDiffPct > 0) != (consistency > 0) {
		return filterMomentumMismatch
	}

	timeBonus := timeBonusFor(elapsed)

	directedMomentum := consistency
	if priceDiffPct < 0 {
		directedMomentum = -consistency
	}

	result := ev.Calculate(ev.Input{
		PriceDiffPct:   priceDiffPct,
		UpOdds:         snapshot.Up,
		DownOdds:       snapshot.Down,
		Velocity:       s.velocityEMA,
		MomentumScore:  directedMomentum,
		TimeBonus:      timeBonus,
		Balance:        bal,
		InitialBalance: s.bank.InitialBalance(),
		MinBet:         s.cfg.MinBet,
		MaxBet:         s.cfg.MaxBet,
	})
	if result.Direction == ev.Hold {
		return filterEVHold
	}

	adaptiveGap := baseGap + s.winRateAdj() + params.gapAdj
	if result.Gap < adaptiveGap {
		log.Debug().
			Float64("gap", result.Gap).
			Float64("required", adaptiveGap).
			Msg("Gap below adaptive floor")
		return filterGap
	}

	log.Info().
		Str("dir", string(result.Direction)).
		Float64("diff_pct", priceDiffPct).
		Float64("est", result.Estimate).
		Float64("ev", result.EV).
		Float64("odds", result.TargetOdds).
		Float64("stake", result.Stake).
		Str("regime", string(regime)).
		Int64("elapsed_s", elapsed).
		Msg("🎯 Signal")

	return s.execute(scanStart, windowID, result, snapshot, price, open, priceDiffPct, bal)
}

// resetCandleState clears everything scoped to one candle.
func (s *Scanner) resetCandleState(boundary int64) {
	s.lastBoundary = boundary
	s.crossCount = 0
	s.lastSign = 0
	s.momentumRing = s.momentumRing[:0]
	s.rangePrices = s.rangePrices[:0]
	s.cusumPos = 0
	s.cusumNeg = 0
	s.cusumRef = 0
	s.cusumTicks = 0
	s.cusumTriggered = false
}

// trackVelocity maintains an EMA of %/sec over scan windows of at least
// 50ms; shorter windows are noise and skipped.
func (s *Scanner) trackVelocity(price float64, now time.Time) {
	if s.velocityRefTime.IsZero() {
		s.velocityRefPrice = price
		s.velocityRefTime = now
		return
	}
	dt := now.Sub(s.velocityRefTime)
	if dt < velocityMinWindow {
		return
	}
	raw := (price - s.velocityRefPrice) / s.velocityRefPrice * 100 / dt.Seconds()
	s.velocityEMA = velocityAlpha*raw + (1-velocityAlpha)*s.velocityEMA
	s.velocityRefPrice = price
	s.velocityRefTime = now
}

// trackMomentum pushes the sign of the move into the ring and returns the
// mean. The ring needs 3 entries before it means anything.
func (s *Scanner) trackMomentum(priceDiffPct float64) (consistency float64, ok bool) {
	sign := 0
	if priceDiffPct > 0 {
		sign = 1
	} else if priceDiffPct < 0 {
		sign = -1
	}
	s.momentumRing = append(s.momentumRing, sign)
	if len(s.momentumRing) > momentumRingSize {
		s.momentumRing = s.momentumRing[1:]
	}
	if len(s.momentumRing) < momentumMinTicks {
		return 0, false
	}
	sum := 0
	for _, v := range s.momentumRing {
		sum += v
	}
	return float64(sum) / float64(len(s.momentumRing)), true
}

// trackCrossCount counts sign flips of the move inside this candle.
func (s *Scanner) trackCrossCount(priceDiffPct float64) int {
	sign := 0
	if priceDiffPct > 0 {
		sign = 1
	} else if priceDiffPct < 0 {
		sign = -1
	}
	if sign != 0 && s.lastSign != 0 && sign != s.lastSign {
		s.crossCount++
	}
	if sign != 0 {
		s.lastSign = sign
	}
	return s.crossCount
}

// trackRange keeps the last 60 prices and returns their span in percent.
func (s *Scanner) trackRange(price float64) float64 {
	s.rangePrices = append(s.rangePrices, price)
	if len(s.rangePrices) > rangeWindowTicks {
		s.rangePrices = s.rangePrices[1:]
	}
	lo, hi := s.rangePrices[0], s.rangePrices[0]
	for _, p := range s.rangePrices[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if lo <= 0 {
		return 0
	}
	return (hi - lo) / lo * 100
}

// updateCUSUM runs the one-sided drift detector. Returns false when the
// candle has gone 10 ticks without a structural break firing.
func (s *Scanner) updateCUSUM(price, atrPct float64, atrReady bool, cusumMult float64) bool {
	h := cusumFallbackH
	if atrReady {
		h = atrPct * cusumMult
	}
	s.cusumH = h

	if s.cusumRef <= 0 {
		s.cusumRef = price
		s.cusumTicks = 1
		return true
	}

	r := (price - s.cusumRef) / s.cusumRef * 100
	s.cusumRef = price
	s.cusumTicks++

	s.cusumPos = math.Max(0, s.cusumPos+r)
	s.cusumNeg = math.Min(0, s.cusumNeg+r)
	if !s.cusumTriggered && (s.cusumPos > h || math.Abs(s.cusumNeg) > h) {
		s.cusumTriggered = true
		log.Debug().
			Float64("pos", s.cusumPos).
			Float64("neg", s.cusumNeg).
			Float64("h", h).
			Msg("CUSUM break")
	}

	if s.cusumTriggered {
		return true
	}
	return s.cusumTicks < cusumMaxTicks
}

// breakerActive re-checks the last resolved trades every 30s; three
// losses in a row arm a 5-minute halt, once per losing streak.
func (s *Scanner) breakerActive(now time.Time) bool {
	if now.Before(s.breakerUntil) {
		return true
	}
	if now.Sub(s.breakerLastCheck) < breakerCheckEvery {
		return false
	}
	s.breakerLastCheck = now

	trades, err := s.store.GetLastResolved(breakerLookback)
	if err != nil || len(trades) < breakerLookback {
		return false
	}
	for _, t := range trades {
		if t.Result != database.ResultLose {
			return false
		}
	}
	if trades[0].ID <= s.breakerTripID {
		return false
	}
	s.breakerTripID = trades[0].ID
	s.breakerUntil = now.Add(breakerDuration)
	log.Warn().
		Time("until", s.breakerUntil).
		Msg("🛑 Circuit breaker armed: 3 consecutive losses")
	return true
}

// timeBonusTable holds the estimate bonus per whole minute into the
// candle. A late-candle move has less time to revert, so conviction
// jumps rather than ramps.
var timeBonusTable = [...]float64{0, 0.01, 0.03, 0.05, 0.07}

func timeBonusFor(elapsed int64) float64 {
	minute := int(elapsed / 60)
	if minute < 0 {
		minute = 0
	}
	if minute >= len(timeBonusTable) {
		minute = len(timeBonusTable) - 1
	}
	return timeBonusTable[minute]
}

// winRateAdj tightens or loosens the adaptive gap with recent form.
func (s *Scanner) winRateAdj() float64 {
	if time.Since(s.winRateAt) > winRateCacheTTL {
		s.winRateAt = time.Now()
		wins, losses, err := s.store.GetWinLossCounts()
		if err == nil && wins+losses >= winRateMinTrades {
			s.winRate = float64(wins) / float64(wins+losses)
		} else {
			s.winRate = 0.50
		}
	}
	switch {
	case s.winRate >= 0.65:
		return -0.01
	case s.winRate >= 0.55:
		return 0
	case s.winRate >= 0.45:
		return 0.02
	default:
		return 0.04
	}
}

// execute runs the FOK retry loop and persists the outcome. The window is
// burned on success AND on exhaustion, so a failing candle is never
// retried.
func (s *Scanner) execute(scanStart time.Time, windowID string, res ev.Result, snap *odds.MarketOdds, price, open, priceDiffPct, balanceAtBet float64) string {
	tokenID := snap.UpTokenID
	action := database.ActionBuyYes
	if res.Direction == ev.Down {
		tokenID = snap.DownTokenID
		action = database.ActionBuyNo
	}

	for retry := 0; retry <= maxFOKRetries; retry++ {
		limit := clob.LimitFor(res.TargetOdds, "BUY", retry)
		if limit > fokLimitCeiling {
			log.Warn().
				Float64("limit", limit).
				Int("retry", retry).
				Msg("FOK limit ceiling reached, burning window")
			s.lastTradedWindow = windowID
			return filterOrderFailed
		}

		order := s.orders.PlaceOrder(tokenID, res.Stake, res.TargetOdds, "BUY", retry)
		if order.Success && order.Status == clob.StatusMatched {
			s.commitTrade(scanStart, windowID, action, res, snap, order, price, open, priceDiffPct, balanceAtBet)
			return filterPass
		}

		metrics.FOKFailures.Inc()
		s.saveFOKFailure(action, res, snap, order, price, open, priceDiffPct, balanceAtBet)
		log.Warn().
			Int("retry", retry).
			Str("status", order.Status).
			Str("err", order.Err).
			Msg("⚠️ FOK not matched")

		if retry < maxFOKRetries {
			time.Sleep(fokRetryDelay)
		}
	}

	s.lastTradedWindow = windowID
	return filterOrderFailed
}

func (s *Scanner) commitTrade(scanStart time.Time, windowID, action string, res ev.Result, snap *odds.MarketOdds, order clob.OrderResult, price, open, priceDiffPct, balanceAtBet float64) {
	if !s.bank.DeductBet(order.ActualAmount) {
		log.Error().
			Float64("amount", order.ActualAmount).
			Msg("Balance deduction refused after fill")
	}
	s.lastTradedWindow = windowID

	trade := &database.Trade{
		Action:        action,
		Result:        database.ResultPending,
		BetAmount:     decimal.NewFromFloat(order.ActualAmount),
		Odds:          decimal.NewFromFloat(order.LimitPrice),
		EntryPrice:    decimal.NewFromFloat(price),
		OpenPrice:     decimal.NewFromFloat(open),
		EstimatedProb: res.Estimate,
		EV:            res.EV,
		Gap:           res.Gap,
		PriceDiffPct:  priceDiffPct,
		BalanceAfter:  decimal.NewFromFloat(s.bank.Balance()),
		BalanceAtBet:  decimal.NewFromFloat(balanceAtBet),
		ActualSize:    decimal.NewFromFloat(order.ActualSize),
		MarketID:      snap.ConditionID,
		TokenID:       tokenIDFor(snap, action),
		OrderID:       order.OrderID,
		OrderStatus:   order.Status,
		Reason:        res.Reason,
		Detail: fmt.Sprintf("window=%s limit=%.2f size=%.2f up=%.2f down=%.2f",
			windowID, order.LimitPrice, order.ActualSize, snap.Up, snap.Down),
		Strategy:      res.Strategy,
		ScanToTradeMs: time.Since(scanStart).Milliseconds(),
	}
	if err := s.store.SaveTrade(trade); err != nil {
		log.Error().Err(err).Msg("Trade persist failed")
	}
	metrics.TradesPlaced.Inc()

	log.Info().
		Str("action", action).
		Float64("amount", order.ActualAmount).
		Float64("size", order.ActualSize).
		Float64("limit", order.LimitPrice).
		Str("order_id", order.OrderID).
		Int64("scan_to_trade_ms", trade.ScanToTradeMs).
		Msg("✅ Trade placed")

	time.AfterFunc(postTradeRefresh, s.bank.ForceSync)
}

// saveFOKFailure records a CANCELLED row per failed attempt so the fill
// pipeline is observable even when nothing matches.
func (s *Scanner) saveFOKFailure(action string, res ev.Result, snap *odds.MarketOdds, order clob.OrderResult, price, open, priceDiffPct, balanceAtBet float64) {
	trade := &database.Trade{
		Action:        action,
		Result:        database.ResultCancelled,
		Odds:          decimal.NewFromFloat(order.LimitPrice),
		EntryPrice:    decimal.NewFromFloat(price),
		OpenPrice:     decimal.NewFromFloat(open),
		EstimatedProb: res.Estimate,
		EV:            res.EV,
		Gap:           res.Gap,
		PriceDiffPct:  priceDiffPct,
		BalanceAtBet:  decimal.NewFromFloat(balanceAtBet),
		MarketID:      snap.ConditionID,
		TokenID:       tokenIDFor(snap, action),
		OrderStatus:   order.Status,
		Reason:        "fok not matched",
		Detail:        order.Err,
		Strategy:      database.StrategyFOKFail,
	}
	now := time.Now()
	trade.ResolvedAt = &now
	if err := s.store.SaveTrade(trade); err != nil {
		log.Error().Err(err).Msg("FOK failure persist failed")
	}
}

func tokenIDFor(snap *odds.MarketOdds, action string) string {
	if action == database.ActionBuyYes {
		return snap.UpTokenID
	}
	return snap.DownTokenID
}

// candleWindowID identifies a 5-minute slot by ET date and slot index.
func candleWindowID(t time.Time) string {
	et := t.In(etLocation)
	slot := et.Hour()*12 + et.Minute()/5
	return fmt.Sprintf("%s-%03d", et.Format("2006-01-02"), slot)
}

var etLocation = mustLoadET()

func mustLoadET() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
