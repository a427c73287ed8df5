// Package feed maintains the live BTC/USD oracle state: latest price, a
// ring of recent ticks, per-candle OHLC on 5-minute boundaries, ATR(14)
// and the derived volatility regime.
package feed

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	topicChainlink = "crypto_prices_chainlink"
	symbolBTC      = "btc/usd"

	ringCapacity = 600
	candleSec    = 300
	atrPeriod    = 14
	atrMinTRs    = 3

	pingInterval       = 20 * time.Second
	supervisorInterval = 10 * time.Second
	zombieTimeout      = 30 * time.Second
	backoffFloor       = 5 * time.Second
	backoffCap         = 60 * time.Second
	staleAfter         = 10 * time.Second

	closeSnapshotTTL = time.Hour
)

// Regime is the coarse volatility class derived from ATR%.
type Regime string

const (
	RegimeLow     Regime = "LOW"
	RegimeNormal  Regime = "NORMAL"
	RegimeHigh    Regime = "HIGH"
	RegimeExtreme Regime = "EXTREME"
)

// RegimeFor classifies an ATR-as-percent-of-close value.
func RegimeFor(atrPct float64) Regime {
	switch {
	case atrPct < 0.04:
		return RegimeLow
	case atrPct < 0.10:
		return RegimeNormal
	case atrPct < 0.18:
		return RegimeHigh
	default:
		return RegimeExtreme
	}
}

// PriceTick is one oracle update.
type PriceTick struct {
	Epoch int64
	Price float64
}

// Snapshot is a point-in-time view for the dashboard.
type Snapshot struct {
	Price     float64 `json:"price"`
	AgeMs     int64   `json:"age_ms"`
	Connected bool    `json:"connected"`
	WarmedUp  bool    `json:"warmed_up"`
	ATR       float64 `json:"atr"`
	ATRPct    float64 `json:"atr_pct"`
	ATRReady  bool    `json:"atr_ready"`
	Regime    Regime  `json:"regime"`
	Boundary  int64   `json:"candle_boundary"`
	Open      float64 `json:"candle_open"`
	High      float64 `json:"candle_high"`
	Low       float64 `json:"candle_low"`
}

// Feed owns the oracle WebSocket and all candle state. The reader
// goroutine is the only writer; everything else reads under RLock.
type Feed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	lastMsgAt time.Time
	attempts  int

	price   float64
	priceAt time.Time

	ring []PriceTick

	boundary    int64
	open        float64
	high        float64
	low         float64
	hasExtremes bool
	prevClose   float64
	warmedUp    bool

	trRing []float64
	atr    float64

	closeSnaps map[int64]float64
}

func New(wsURL string) *Feed {
	return &Feed{
		wsURL:      wsURL,
		stopCh:     make(chan struct{}),
		ring:       make([]PriceTick, 0, ringCapacity),
		closeSnaps: make(map[int64]float64),
	}
}

// Start launches the connection loop and the supervisor.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	go f.supervisorLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Oracle feed started")
}

// Stop closes the connection and terminates all loops.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
	}
	log.Info().Msg("Oracle feed stopped")
}

// Connected reports whether the socket is open and a price arrived within
// the staleness window.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected && !f.priceAt.IsZero() && time.Since(f.priceAt) < staleAfter
}

func (f *Feed) WarmedUp() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.warmedUp
}

// Price returns the latest oracle price and its receipt time.
func (f *Feed) Price() (float64, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price, f.priceAt
}

// Candle returns the current boundary and open.
func (f *Feed) Candle() (boundary int64, open float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.boundary, f.open
}

// ATR returns the current ATR value and whether enough true-ranges exist.
func (f *Feed) ATR() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.atr, len(f.trRing) >= atrMinTRs
}

// ATRPct returns ATR as a percent of the last candle close. Zero until ready.
func (f *Feed) ATRPct() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.atrPctLocked()
}

func (f *Feed) atrPctLocked() (float64, bool) {
	if len(f.trRing) < atrMinTRs || f.prevClose <= 0 {
		return 0, false
	}
	return f.atr / f.prevClose * 100, true
}

// CurrentRegime classifies current volatility; NORMAL until ATR is ready.
func (f *Feed) CurrentRegime() Regime {
	pct, ok := f.ATRPct()
	if !ok {
		return RegimeNormal
	}
	return RegimeFor(pct)
}

// CloseSnapshot returns the recorded close for the candle that ended at
// the given boundary, if still retained.
func (f *Feed) CloseSnapshot(boundary int64) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.closeSnaps[boundary]
	return p, ok
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var ageMs int64 = -1
	if !f.priceAt.IsZero() {
		ageMs = time.Since(f.priceAt).Milliseconds()
	}
	atrPct, atrReady := f.atrPctLocked()
	regime := RegimeNormal
	if atrReady {
		regime = RegimeFor(atrPct)
	}
	return Snapshot{
		Price:     f.price,
		AgeMs:     ageMs,
		Connected: f.connected && ageMs >= 0 && ageMs < staleAfter.Milliseconds(),
		WarmedUp:  f.warmedUp,
		ATR:       f.atr,
		ATRPct:    atrPct,
		ATRReady:  atrReady,
		Regime:    regime,
		Boundary:  f.boundary,
		Open:      f.open,
		High:      f.high,
		Low:       f.low,
	}
}

// ─── connection management ───

func (f *Feed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			delay := f.backoff()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Oracle connect failed")
			select {
			case <-f.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		f.readLoop()

		select {
		case <-f.stopCh:
			return
		case <-time.After(f.backoff()):
		}
	}
}

func (f *Feed) backoff() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := backoffFloor * time.Duration(1<<uint(f.attempts))
	if d > backoffCap {
		d = backoffCap
	}
	if d < backoffFloor {
		d = backoffFloor
	}
	f.attempts++
	return d
}

type subscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters"`
}

type subscribeFrame struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	frame := subscribeFrame{
		Action: "subscribe",
		Subscriptions: []subscription{
			{Topic: topicChainlink, Type: "*", Filters: ""},
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.attempts = 0
	f.lastMsgAt = time.Now()
	f.mu.Unlock()

	log.Info().Msg("🔌 Oracle WebSocket connected")
	go f.pingLoop(conn)
	return nil
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn == conn && f.connected
			f.mu.RUnlock()
			if !current {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// supervisorLoop forces a reconnect when the socket looks alive but no
// price has arrived within the zombie window.
func (f *Feed) supervisorLoop() {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.reapZombie()
		}
	}
}

// reapZombie drops a connection that is open but silent past the zombie
// window; closing it unblocks the reader so the connection loop redials.
func (f *Feed) reapZombie() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected || time.Since(f.lastMsgAt) <= zombieTimeout {
		return false
	}
	log.Warn().
		Dur("silence", time.Since(f.lastMsgAt)).
		Msg("🧟 Oracle feed zombie, forcing reconnect")
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
	}
	return true
}

func (f *Feed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Oracle read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type wsMessage struct {
	Topic   string `json:"topic"`
	Payload struct {
		Symbol    string  `json:"symbol"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
	} `json:"payload"`
}

func (f *Feed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		if msg.Topic != topicChainlink || msg.Payload.Symbol != symbolBTC || msg.Payload.Value <= 0 {
			continue
		}
		ts := msg.Payload.Timestamp
		if ts > 1e12 {
			ts /= 1000
		}
		f.onTick(ts, msg.Payload.Value)
	}
}

// ─── candle state machine ───

func (f *Feed) onTick(epochSec int64, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastMsgAt = time.Now()
	f.price = price
	f.priceAt = time.Now()

	if f.hasExtremes {
		if price > f.high {
			f.high = price
		}
		if price < f.low {
			f.low = price
		}
	} else {
		f.high, f.low = price, price
		f.hasExtremes = true
	}

	f.ring = append(f.ring, PriceTick{Epoch: epochSec, Price: price})
	if len(f.ring) > ringCapacity {
		f.ring = f.ring[1:]
	}

	f.updateBoundary(epochSec, price)
}

func (f *Feed) updateBoundary(epochSec int64, price float64) {
	boundary := epochSec / candleSec * candleSec

	if f.boundary == 0 {
		f.boundary = boundary
		f.open = f.closestPrice(boundary, price)
		return
	}
	if boundary == f.boundary {
		return
	}

	// Candle rollover. Close = latest tick strictly before the new boundary.
	closePrice := f.closestPriceBefore(boundary, price)
	f.closeSnaps[boundary] = closePrice

	if f.hasExtremes {
		tr := f.high - f.low
		if f.prevClose > 0 {
			tr = math.Max(tr, math.Max(
				math.Abs(f.high-f.prevClose),
				math.Abs(f.low-f.prevClose)))
		}
		f.trRing = append(f.trRing, tr)
		if len(f.trRing) > atrPeriod {
			f.trRing = f.trRing[1:]
		}
		f.recomputeATR()
	}

	f.prevClose = closePrice
	f.high, f.low = price, price
	f.hasExtremes = true
	f.boundary = boundary
	f.open = f.closestPrice(boundary, price)
	if !f.warmedUp {
		f.warmedUp = true
		log.Info().Float64("open", f.open).Int64("boundary", boundary).Msg("🕐 First candle rollover, feed warmed up")
	}

	cutoff := boundary - int64(closeSnapshotTTL.Seconds())
	for b := range f.closeSnaps {
		if b < cutoff {
			delete(f.closeSnaps, b)
		}
	}
}

func (f *Feed) recomputeATR() {
	if len(f.trRing) == 0 {
		return
	}
	mult := 2.0 / float64(atrPeriod+1)
	atr := f.trRing[0]
	for _, tr := range f.trRing[1:] {
		atr = tr*mult + atr*(1-mult)
	}
	f.atr = atr
}

// closestPrice returns the ring tick nearest to target by absolute
// difference, or def when the ring is empty.
func (f *Feed) closestPrice(target int64, def float64) float64 {
	best := def
	bestDiff := int64(math.MaxInt64)
	for _, t := range f.ring {
		diff := t.Epoch - target
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = t.Price
		}
	}
	return best
}

// closestPriceBefore returns the latest ring tick strictly before the
// boundary, or def when none exists.
func (f *Feed) closestPriceBefore(boundary int64, def float64) float64 {
	best := def
	var bestEpoch int64 = -1
	for _, t := range f.ring {
		if t.Epoch < boundary && t.Epoch > bestEpoch {
			bestEpoch = t.Epoch
			best = t.Price
		}
	}
	return best
}
