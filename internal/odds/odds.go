// Package odds prefetches the order-book odds for the active BTC 5-minute
// up/down market so the scan loop never blocks on HTTP.
package odds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysniper/internal/metrics"
)

const (
	slugPrefix   = "btc-updown-5m"
	minAskDepth  = 5.0 // tokens of depth required at a price level
	minValidAsk  = 0.01
	maxValidAsk  = 0.99
	startupDelay = time.Second
)

var et = mustLoadET()

func mustLoadET() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

// MarketOdds is one published snapshot. Replaced wholesale by the
// prefetcher; readers must treat it as immutable.
type MarketOdds struct {
	Up          float64
	Down        float64
	ConditionID string
	UpTokenID   string
	DownTokenID string
	FetchMs     int64
	FetchedAt   time.Time
}

// Feed polls the market catalog and order book for the current window.
type Feed struct {
	gamma *resty.Client
	clob  *resty.Client

	interval time.Duration

	snapshot atomic.Pointer[MarketOdds]

	mu          sync.Mutex
	slug        string
	lastFetchMs int64

	stopCh  chan struct{}
	running bool
	nowFn   func() time.Time
}

func New(gammaBaseURL, clobBaseURL string, prefetchInterval, httpTimeout time.Duration) *Feed {
	return &Feed{
		gamma:    resty.New().SetBaseURL(gammaBaseURL).SetTimeout(httpTimeout),
		clob:     resty.New().SetBaseURL(clobBaseURL).SetTimeout(httpTimeout),
		interval: prefetchInterval,
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}
}

func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.prefetchLoop()
	log.Info().Dur("interval", f.interval).Msg("🔄 Odds prefetch started")
}

func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("Odds prefetch stopped")
}

// Odds returns the current snapshot. Nil before the first successful
// fetch of a window. Never blocks.
func (f *Feed) Odds() *MarketOdds {
	return f.snapshot.Load()
}

// CacheAgeMs returns the snapshot age, -1 when empty.
func (f *Feed) CacheAgeMs() int64 {
	s := f.snapshot.Load()
	if s == nil {
		return -1
	}
	return time.Since(s.FetchedAt).Milliseconds()
}

func (f *Feed) LastFetchMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetchMs
}

// BuildSlug derives the market slug from the ET-normalized start of the
// 5-minute window containing t.
func BuildSlug(t time.Time) string {
	nowET := t.In(et)
	windowStart := time.Date(nowET.Year(), nowET.Month(), nowET.Day(),
		nowET.Hour(), nowET.Minute()/5*5, 0, 0, et)
	return fmt.Sprintf("%s-%d", slugPrefix, windowStart.Unix())
}

func (f *Feed) prefetchLoop() {
	// Small head start so startup logging settles before the first fetch.
	select {
	case <-f.stopCh:
		return
	case <-time.After(startupDelay):
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.prefetch()
		}
	}
}

func (f *Feed) prefetch() {
	slug := BuildSlug(f.nowFn())

	f.mu.Lock()
	if slug != f.slug {
		log.Info().Str("slug", slug).Msg("🔄 New 5m window, odds cache invalidated")
		f.snapshot.Store(nil)
		f.slug = slug
	}
	f.mu.Unlock()

	f.fetchFresh(slug)
}

type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	ClobTokenIDs string `json:"clobTokenIds"`
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

// fetchFresh resolves the market catalog entry then reads both order
// books. Any failure leaves the previous snapshot in place.
func (f *Feed) fetchFresh(slug string) {
	start := time.Now()

	resp, err := f.gamma.R().
		SetQueryParam("slug", slug).
		SetHeader("Accept", "application/json").
		Get("/events")
	if err != nil || resp.StatusCode() != 200 {
		log.Debug().Err(err).Str("slug", slug).Msg("Gamma events fetch failed")
		return
	}

	var events []gammaEvent
	if err := json.Unmarshal(resp.Body(), &events); err != nil || len(events) == 0 || len(events[0].Markets) == 0 {
		log.Debug().Str("slug", slug).Msg("Gamma events empty")
		return
	}

	mkt := events[0].Markets[0]

	var tokens []string
	if err := json.Unmarshal([]byte(mkt.ClobTokenIDs), &tokens); err != nil || len(tokens) < 2 {
		log.Debug().Str("slug", slug).Msg("clobTokenIds parse failed")
		return
	}
	upToken, downToken := tokens[0], tokens[1]

	upAsk := f.fetchBestAsk(upToken)
	downAsk := f.fetchBestAsk(downToken)
	if upAsk <= 0 || downAsk <= 0 {
		log.Warn().Float64("up_ask", upAsk).Float64("down_ask", downAsk).Msg("⚠️ Order book empty")
		return
	}
	if upAsk <= minValidAsk || upAsk >= maxValidAsk || downAsk <= minValidAsk || downAsk >= maxValidAsk {
		return
	}

	elapsed := time.Since(start).Milliseconds()
	f.snapshot.Store(&MarketOdds{
		Up:          upAsk,
		Down:        downAsk,
		ConditionID: mkt.ConditionID,
		UpTokenID:   upToken,
		DownTokenID: downToken,
		FetchMs:     elapsed,
		FetchedAt:   time.Now(),
	})

	f.mu.Lock()
	f.lastFetchMs = elapsed
	f.mu.Unlock()
	metrics.OddsFetchMs.Set(float64(elapsed))

	log.Debug().
		Float64("up", upAsk).
		Float64("down", downAsk).
		Int64("ms", elapsed).
		Msg("Odds refreshed (CLOB book)")
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Asks []bookLevel `json:"asks"`
}

// fetchBestAsk returns the lowest ask with at least minAskDepth tokens of
// size, or -1 when the book is unusable. BUY orders match against asks,
// so this is the executable price.
func (f *Feed) fetchBestAsk(tokenID string) float64 {
	resp, err := f.clob.R().
		SetQueryParam("token_id", tokenID).
		SetHeader("Accept", "application/json").
		Get("/book")
	if err != nil || resp.StatusCode() != 200 {
		return -1
	}

	var book bookResponse
	if err := json.Unmarshal(resp.Body(), &book); err != nil || len(book.Asks) == 0 {
		return -1
	}

	best := -1.0
	for _, lvl := range book.Asks {
		price, err1 := strconv.ParseFloat(lvl.Price, 64)
		size, err2 := strconv.ParseFloat(lvl.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if price > 0 && size >= minAskDepth && (best < 0 || price < best) {
			best = price
		}
	}
	return best
}
