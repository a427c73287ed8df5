package odds

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBuildSlug(t *testing.T) {
	// 2026-08-24 14:32:10 ET falls into the 14:30 window.
	loc, _ := time.LoadLocation("America/New_York")
	at := time.Date(2026, 8, 24, 14, 32, 10, 0, loc)
	windowStart := time.Date(2026, 8, 24, 14, 30, 0, 0, loc)

	want := fmt.Sprintf("btc-updown-5m-%d", windowStart.Unix())
	if got := BuildSlug(at); got != want {
		t.Errorf("BuildSlug = %s, want %s", got, want)
	}
}

func TestBuildSlugAtBoundary(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	at := time.Date(2026, 8, 24, 14, 35, 0, 0, loc)
	want := fmt.Sprintf("btc-updown-5m-%d", at.Unix())
	if got := BuildSlug(at); got != want {
		t.Errorf("BuildSlug at exact boundary = %s, want %s", got, want)
	}
}

func TestBuildSlugNormalizesZone(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	at := time.Date(2026, 8, 24, 14, 32, 10, 0, loc)
	if BuildSlug(at) != BuildSlug(at.UTC()) {
		t.Error("slug differs between ET and UTC views of the same instant")
	}
}

const eventsBody = `[{"markets":[{"conditionId":"0xcond","clobTokenIds":"[\"111\",\"222\"]"}]}]`

func newTestServer(t *testing.T, bookFor func(tokenID string) string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, eventsBody)
	})
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bookFor(r.URL.Query().Get("token_id")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchFreshPublishesSnapshot(t *testing.T) {
	srv := newTestServer(t, func(tokenID string) string {
		if tokenID == "111" {
			// Best ask skips the thin 0.40 level (size < 5).
			return `{"asks":[{"price":"0.40","size":"2"},{"price":"0.45","size":"120"},{"price":"0.50","size":"80"}]}`
		}
		return `{"asks":[{"price":"0.57","size":"60"}]}`
	})

	f := New(srv.URL, srv.URL, 100*time.Millisecond, 2*time.Second)
	f.fetchFresh("btc-updown-5m-1700000100")

	snap := f.Odds()
	if snap == nil {
		t.Fatal("no snapshot published")
	}
	if snap.Up != 0.45 {
		t.Errorf("up = %v, want 0.45 (depth-filtered best ask)", snap.Up)
	}
	if snap.Down != 0.57 {
		t.Errorf("down = %v, want 0.57", snap.Down)
	}
	if snap.ConditionID != "0xcond" {
		t.Errorf("conditionId = %s", snap.ConditionID)
	}
	if snap.UpTokenID != "111" || snap.DownTokenID != "222" {
		t.Errorf("tokens = %s/%s", snap.UpTokenID, snap.DownTokenID)
	}
	if f.CacheAgeMs() < 0 {
		t.Error("cache age negative after publish")
	}
}

func TestFetchFreshRejectsDegenerateBook(t *testing.T) {
	srv := newTestServer(t, func(tokenID string) string {
		// 0.995 sits outside the valid ask band.
		return `{"asks":[{"price":"0.995","size":"100"}]}`
	})

	f := New(srv.URL, srv.URL, 100*time.Millisecond, 2*time.Second)
	f.fetchFresh("btc-updown-5m-1700000100")

	if f.Odds() != nil {
		t.Error("snapshot published from out-of-band asks")
	}
}

func TestFetchFreshKeepsPreviousOnEmptyBook(t *testing.T) {
	goodBooks := true
	srv := newTestServer(t, func(tokenID string) string {
		if goodBooks {
			return `{"asks":[{"price":"0.50","size":"50"}]}`
		}
		return `{"asks":[]}`
	})

	f := New(srv.URL, srv.URL, 100*time.Millisecond, 2*time.Second)
	f.fetchFresh("btc-updown-5m-1700000100")
	if f.Odds() == nil {
		t.Fatal("no snapshot from good book")
	}

	goodBooks = false
	f.fetchFresh("btc-updown-5m-1700000100")
	if f.Odds() == nil {
		t.Error("previous snapshot dropped on transient empty book")
	}
}

func TestPrefetchInvalidatesOnWindowChange(t *testing.T) {
	srv := newTestServer(t, func(tokenID string) string {
		return `{"asks":[{"price":"0.50","size":"50"}]}`
	})

	f := New(srv.URL, srv.URL, 100*time.Millisecond, 2*time.Second)
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 8, 24, 14, 32, 0, 0, loc)
	f.nowFn = func() time.Time { return now }

	f.prefetch()
	if f.Odds() == nil {
		t.Fatal("no snapshot after first prefetch")
	}

	first := f.Odds()

	// Jump into the next window: the slug changes and the snapshot is
	// replaced wholesale by a fresh fetch.
	now = now.Add(5 * time.Minute)
	f.prefetch()

	snap := f.Odds()
	if snap == nil {
		t.Fatal("no snapshot after window change")
	}
	if snap == first {
		t.Error("stale snapshot survived the window change")
	}
	f.mu.Lock()
	slug := f.slug
	f.mu.Unlock()
	if slug != BuildSlug(now) {
		t.Errorf("slug = %s, want %s", slug, BuildSlug(now))
	}
}
