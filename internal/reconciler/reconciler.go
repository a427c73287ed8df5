// Package reconciler settles open trades. Every 5 seconds it walks the
// pending ledger oldest-first, asks the market catalog who won, applies
// the balance-delta fallback for slow resolutions and cancels anything
// stuck past the settlement deadline.
package reconciler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysniper/internal/database"
	"github.com/web3guy0/polysniper/internal/metrics"
	"github.com/web3guy0/polysniper/internal/odds"
)

const (
	interval          = 5 * time.Second
	candleSec         = 300
	settlementTimeout = 20 * time.Minute
	httpTimeout       = 5 * time.Second

	// Fraction of the expected payout that must appear in the live
	// balance before the delta heuristic calls a WIN.
	deltaWinFraction = 0.5

	winnerPriceFloor = 0.99

	binanceBaseURL = "https://api.binance.com"
	klinesMinAge   = time.Minute
)

// BalanceSink receives settlement money movements.
type BalanceSink interface {
	Credit(amount float64)
	Refund(stake float64)
	LiveBalance() (float64, time.Time)
	StartRedeemPolling(expectedPayout float64)
}

// PriceSource supplies the exit-price fallbacks.
type PriceSource interface {
	Price() (float64, time.Time)
	CloseSnapshot(boundary int64) (float64, bool)
}

// RedeemQueue hands winning positions to the redemption worker.
type RedeemQueue interface {
	Enqueue(conditionID string, negRisk bool)
}

// Reconciler drives PENDING trades to a terminal state. It is the only
// writer of terminal transitions, so re-running a settled trade is a
// no-op by construction.
type Reconciler struct {
	db      *database.Database
	bank    BalanceSink
	prices  PriceSource
	redeems RedeemQueue

	gamma   *resty.Client
	binance *resty.Client

	stopCh chan struct{}
	nowFn  func() time.Time
}

func New(db *database.Database, bank BalanceSink, prices PriceSource, redeems RedeemQueue, gammaBaseURL string) *Reconciler {
	return &Reconciler{
		db:      db,
		bank:    bank,
		prices:  prices,
		redeems: redeems,
		gamma:   resty.New().SetBaseURL(gammaBaseURL).SetTimeout(httpTimeout),
		binance: resty.New().SetBaseURL(binanceBaseURL).SetTimeout(httpTimeout),
		stopCh:  make(chan struct{}),
		nowFn:   time.Now,
	}
}

func (r *Reconciler) Start() {
	go r.loop()
	log.Info().Dur("interval", interval).Msg("⚖️ Reconciler started")
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) loop() {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

// runOnce settles every pending trade whose candle has closed.
func (r *Reconciler) runOnce() {
	pending, err := r.db.GetPendingTrades()
	if err != nil {
		log.Error().Err(err).Msg("Pending trades query failed")
		return
	}

	now := r.nowFn()
	for i := range pending {
		trade := &pending[i]
		closeTime := candleCloseTime(trade.CreatedAt)
		if now.Before(closeTime) {
			continue
		}
		r.settle(trade, closeTime, now)
	}
}

func (r *Reconciler) settle(trade *database.Trade, closeTime, now time.Time) {
	if verdict, negRisk, ok := r.marketVerdict(trade); ok {
		r.finalize(trade, verdict, negRisk, closeTime, now)
		return
	}

	if r.balanceDeltaWin(trade) {
		log.Info().Uint("trade", trade.ID).Msg("💡 Settled by balance delta")
		r.finalize(trade, database.ResultWin, false, closeTime, now)
		return
	}

	if now.Sub(closeTime) > settlementTimeout {
		r.cancel(trade, now)
	}
}

// marketVerdict asks the catalog for the market outcome. Primary lookup
// by conditionId, fallback by slug rebuilt from the entry time.
func (r *Reconciler) marketVerdict(trade *database.Trade) (result string, negRisk bool, ok bool) {
	if m, err := r.fetchMarketByCondition(trade.MarketID); err == nil {
		if result, ok = m.verdictFor(trade.Action); ok {
			return result, m.NegRisk, true
		}
	}

	slug := odds.BuildSlug(trade.CreatedAt)
	m, err := r.fetchMarketBySlug(slug)
	if err != nil {
		log.Debug().Err(err).Str("slug", slug).Msg("Market lookup failed")
		return "", false, false
	}
	if result, ok = m.verdictFor(trade.Action); ok {
		return result, m.NegRisk, true
	}
	return "", false, false
}

// balanceDeltaWin infers a win when more than half of the expected payout
// has already landed on-chain. Markets with auto-redeem credit before the
// catalog flips closed. An unchanged balance is ambiguous, so there is no
// symmetric LOSE inference.
func (r *Reconciler) balanceDeltaWin(trade *database.Trade) bool {
	live, syncedAt := r.bank.LiveBalance()
	if syncedAt.IsZero() {
		return false
	}
	balanceAtBet, _ := trade.BalanceAtBet.Float64()
	payout, _ := trade.ActualSize.Float64()
	if payout <= 0 {
		return false
	}
	return live-balanceAtBet > deltaWinFraction*payout
}

func (r *Reconciler) finalize(trade *database.Trade, result string, negRisk bool, closeTime, now time.Time) {
	// Pnl stays in decimal end to end; the money columns are exact and
	// a float round-trip would smear the cents.
	pnl := decimal.Zero
	switch result {
	case database.ResultWin:
		pnl = trade.ActualSize.Sub(trade.BetAmount)
		payout, _ := trade.ActualSize.Float64()
		r.bank.Credit(payout)
		r.bank.StartRedeemPolling(payout)
		r.redeems.Enqueue(trade.MarketID, negRisk)
	case database.ResultLose:
		pnl = trade.BetAmount.Neg()
	}

	exitPrice := r.exitPrice(closeTime, now)

	trade.Result = result
	trade.Pnl = pnl
	trade.ExitPrice = decimal.NewFromFloat(exitPrice)
	trade.ResolvedAt = &now
	if err := r.db.UpdateTrade(trade); err != nil {
		log.Error().Err(err).Uint("trade", trade.ID).Msg("Trade settle write failed")
		return
	}
	metrics.TradesResolved.WithLabelValues(result).Inc()

	log.Info().
		Uint("trade", trade.ID).
		Str("result", result).
		Str("pnl", pnl.String()).
		Float64("exit", exitPrice).
		Msg("🏁 Trade settled")
}

func (r *Reconciler) cancel(trade *database.Trade, now time.Time) {
	stake, _ := trade.BetAmount.Float64()
	r.bank.Refund(stake)

	trade.Result = database.ResultCancelled
	trade.Pnl = decimal.Zero
	trade.Reason = "settlement timeout"
	trade.ResolvedAt = &now
	if err := r.db.UpdateTrade(trade); err != nil {
		log.Error().Err(err).Uint("trade", trade.ID).Msg("Trade cancel write failed")
		return
	}
	metrics.TradesResolved.WithLabelValues(database.ResultCancelled).Inc()

	log.Warn().
		Uint("trade", trade.ID).
		Float64("refund", stake).
		Msg("⏰ Settlement timed out, trade cancelled")
}

// exitPrice is display-only. Freshly closed candles still have the close
// snapshot in memory; older ones fall back to the exchange klines, and
// anything else takes the current price.
func (r *Reconciler) exitPrice(closeTime, now time.Time) float64 {
	boundary := closeTime.Unix() - candleSec
	if p, ok := r.prices.CloseSnapshot(boundary + candleSec); ok {
		return p
	}
	if now.Sub(closeTime) >= klinesMinAge {
		if p, err := r.fetchKlineClose(boundary); err == nil {
			return p
		}
	}
	p, _ := r.prices.Price()
	return p
}

// fetchKlineClose reads the 5m candle close from the Binance public API.
func (r *Reconciler) fetchKlineClose(boundary int64) (float64, error) {
	resp, err := r.binance.R().
		SetQueryParams(map[string]string{
			"symbol":    "BTCUSDT",
			"interval":  "5m",
			"startTime": strconv.FormatInt(boundary*1000, 10),
			"limit":     "1",
		}).
		Get("/api/v3/klines")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("klines API %d", resp.StatusCode())
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) < 5 {
		return 0, fmt.Errorf("empty klines response")
	}
	var closeStr string
	if err := json.Unmarshal(rows[0][4], &closeStr); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(closeStr, 64)
}

type gammaMarket struct {
	ConditionID   string       `json:"conditionId"`
	Closed        bool         `json:"closed"`
	NegRisk       bool         `json:"negRisk"`
	OutcomePrices string       `json:"outcomePrices"`
	Tokens        []gammaToken `json:"tokens"`
}

type gammaToken struct {
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

func (r *Reconciler) fetchMarketByCondition(conditionID string) (*gammaMarket, error) {
	if conditionID == "" {
		return nil, fmt.Errorf("no conditionId")
	}
	resp, err := r.gamma.R().Get("/markets/" + conditionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("markets API %d", resp.StatusCode())
	}
	var m gammaMarket
	if err := json.Unmarshal(resp.Body(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Reconciler) fetchMarketBySlug(slug string) (*gammaMarket, error) {
	resp, err := r.gamma.R().SetQueryParam("slug", slug).Get("/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("events API %d", resp.StatusCode())
	}
	var events []gammaEvent
	if err := json.Unmarshal(resp.Body(), &events); err != nil {
		return nil, err
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, fmt.Errorf("no market for slug %s", slug)
	}
	return &events[0].Markets[0], nil
}

// verdictFor maps a closed market's winning token onto the trade side.
func (m *gammaMarket) verdictFor(action string) (string, bool) {
	if !m.Closed {
		return "", false
	}

	betYes := action == database.ActionBuyYes

	for _, tok := range m.Tokens {
		if !tok.Winner {
			continue
		}
		yesWon := isYesOutcome(tok.Outcome)
		if yesWon == betYes {
			return database.ResultWin, true
		}
		return database.ResultLose, true
	}

	// Some settled markets never flip the winner flag; a two-element
	// outcomePrices array with one side pinned at >= 0.99 is conclusive.
	if prices, ok := parseOutcomePrices(m.OutcomePrices); ok {
		switch {
		case prices[0] >= winnerPriceFloor:
			if betYes {
				return database.ResultWin, true
			}
			return database.ResultLose, true
		case prices[1] >= winnerPriceFloor:
			if betYes {
				return database.ResultLose, true
			}
			return database.ResultWin, true
		}
	}
	return "", false
}

func isYesOutcome(outcome string) bool {
	switch strings.ToLower(outcome) {
	case "yes", "up":
		return true
	}
	return false
}

// parseOutcomePrices decodes the string-encoded two-element price array.
func parseOutcomePrices(raw string) ([2]float64, bool) {
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil || len(strs) != 2 {
		return [2]float64{}, false
	}
	var out [2]float64
	for i, s := range strs {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return [2]float64{}, false
		}
		out[i] = v
	}
	return out, true
}

// candleCloseTime is the end of the 5-minute candle the trade entered.
func candleCloseTime(createdAt time.Time) time.Time {
	boundary := createdAt.Unix() / candleSec * candleSec
	return time.Unix(boundary+candleSec, 0)
}
