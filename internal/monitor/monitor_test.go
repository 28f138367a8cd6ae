package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"giftwatch/internal/api"
	"giftwatch/internal/auth"
	"giftwatch/internal/dedup"
	"giftwatch/internal/eventbus"
	"giftwatch/internal/notify"
	"giftwatch/internal/remoteconfig"
	"giftwatch/internal/storage"
	"giftwatch/internal/vault"
	logx "giftwatch/pkg/logx"
)

const testSecret = "secret"

// Golden canonical serializations of the config fixtures (sorted keys,
// ", " / ": " separators), kept in lockstep with the field maps below so the
// fixture signatures verify.
const (
	canonicalDoc = `{"features": {"max_price_filter": 5000, "sound_notifications": true}, "min_update_interval": 5, "monitoring_channels": ["@chan_a", "@chan_b"], "security": {"force_update": false, "min_app_version": "1.0.0"}}`

	canonicalForceUpdateDoc = `{"features": {"max_price_filter": 5000, "sound_notifications": true}, "min_update_interval": 5, "monitoring_channels": ["@chan_a", "@chan_b"], "security": {"force_update": true, "min_app_version": "1.0.0"}}`
)

func docFields(forceUpdate bool) map[string]any {
	return map[string]any{
		"monitoring_channels": []string{"@chan_a", "@chan_b"},
		"min_update_interval": 5,
		"features": map[string]any{
			"sound_notifications": true,
			"max_price_filter":    5000,
		},
		"security": map[string]any{
			"min_app_version": "1.0.0",
			"force_update":    forceUpdate,
		},
	}
}

// signBody signs the canonical form and appends the signature envelope,
// matching the backend's sign-then-wrap order.
func signBody(t *testing.T, fields map[string]any, canonical string) []byte {
	t.Helper()
	sum := sha256.Sum256([]byte(canonical + ":" + testSecret))
	fields["signature"] = hex.EncodeToString(sum[:])
	fields["timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.999999")
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal config doc: %v", err)
	}
	return body
}

type countingSink struct {
	mu     sync.Mutex
	posted []notify.Notification
}

func (s *countingSink) Post(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, n)
	return nil
}

func (s *countingSink) snapshot() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.posted...)
}

type harness struct {
	mon    *Monitor
	sink   *countingSink
	engine *dedup.Engine
	tokens *auth.Authority
	bus    eventbus.Bus
	store  storage.Store
}

func newHarness(t *testing.T, baseURL string, prefs PrefsSource) *harness {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	client := api.New(baseURL, logx.Nop())
	v := vault.New(store, logx.Nop())
	tokens := auth.New(auth.Config{
		AppVersion:   "1.0.0",
		SharedSecret: testSecret,
		UserID:       "42",
	}, client, v, logx.Nop())
	rc := remoteconfig.New(client, tokens, store, testSecret, "1.0.0", logx.Nop())
	engine := dedup.New(store, logx.Nop())
	bus := eventbus.New()
	sink := &countingSink{}
	dispatcher := notify.New(sink, bus, logx.Nop())

	return &harness{
		mon:    New(client, tokens, rc, engine, dispatcher, prefs, bus, logx.Nop()),
		sink:   sink,
		engine: engine,
		tokens: tokens,
		bus:    bus,
		store:  store,
	}
}

// backendHandler serves the three endpoints one cycle touches.
func backendHandler(configBody func() []byte, gifts func(w http.ResponseWriter, r *http.Request)) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/app", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(configBody())
	})
	mux.HandleFunc("/api/v1/gifts/recent", gifts)
	return mux
}

func serveGifts(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

const giftsBody = `[
	{"gift_id": "g1", "channel_username": "chan_a",
	 "gift_data": {"name": "Santa Hat", "price": "100", "is_limited": true, "total": 100, "available": 50}},
	{"gift_id": "g2", "channel_username": "chan_a",
	 "gift_data": {"name": "Golden Egg", "price": "9,999"}}
]`

func TestCycleNotifiesNewGiftsOnce(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(backendHandler(
		func() []byte { return signBody(t, docFields(false), canonicalDoc) },
		serveGifts(giftsBody)))
	t.Cleanup(srv.Close)

	h := newHarness(t, srv.URL, func() Prefs { return Prefs{Sound: true, Vibration: true} })
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	if err := h.mon.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := h.mon.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	posted := h.sink.snapshot()
	if len(posted) != 1 {
		t.Fatalf("posted = %d notifications, want 1 (g2 exceeds the price ceiling)", len(posted))
	}
	if posted[0].GiftID != "g1" {
		t.Fatalf("posted gift = %q", posted[0].GiftID)
	}
	if !posted[0].Sound {
		t.Fatal("sound enabled locally and remotely, notification must carry it")
	}
	// The over-ceiling gift still lands in the seen-set.
	if !h.engine.Seen("g2") {
		t.Fatal("filtered gift must still be marked seen")
	}

	// Replay changes nothing.
	if err := h.mon.Cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := len(h.sink.snapshot()); got != 1 {
		t.Fatalf("posted after replay = %d, want 1", got)
	}

	// First cycle's summary event.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeCycleDone {
				continue
			}
			ce := ev.Data.(eventbus.CycleEvent)
			if ce.Fetched != 2 || ce.New != 2 || ce.Notified != 1 {
				t.Fatalf("cycle event = %+v", ce)
			}
			return
		case <-deadline:
			t.Fatal("no cycle event published")
		}
	}
}

func TestCycleMutesWhenRemoteSoundDisabled(t *testing.T) {
	t.Parallel()
	fields := docFields(false)
	fields["features"] = map[string]any{"sound_notifications": false, "max_price_filter": 5000}
	canonical := `{"features": {"max_price_filter": 5000, "sound_notifications": false}, "min_update_interval": 5, "monitoring_channels": ["@chan_a", "@chan_b"], "security": {"force_update": false, "min_app_version": "1.0.0"}}`

	srv := httptest.NewServer(backendHandler(
		func() []byte { return signBody(t, fields, canonical) },
		serveGifts(`[{"gift_id": "g1", "channel_username": "chan_a", "gift_data": {"name": "Santa Hat", "price": "100"}}]`)))
	t.Cleanup(srv.Close)

	h := newHarness(t, srv.URL, func() Prefs { return Prefs{Sound: true} })
	ctx := context.Background()
	if err := h.mon.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := h.mon.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	posted := h.sink.snapshot()
	if len(posted) != 1 {
		t.Fatalf("posted = %d", len(posted))
	}
	if posted[0].Sound {
		t.Fatal("remote kill switch must override the local sound preference")
	}
}

func TestCycleUpdateRequired(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(backendHandler(
		func() []byte { return signBody(t, docFields(true), canonicalForceUpdateDoc) },
		serveGifts(giftsBody)))
	t.Cleanup(srv.Close)

	h := newHarness(t, srv.URL, nil)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	err := h.mon.Cycle(ctx)
	if !errors.Is(err, ErrUpdateRequired) {
		t.Fatalf("err = %v, want ErrUpdateRequired", err)
	}
	if got := len(h.sink.snapshot()); got != 0 {
		t.Fatalf("posted = %d while update is forced", got)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeUpdateForced {
				return
			}
		case <-deadline:
			t.Fatal("no update-forced event published")
		}
	}
}

func TestCycleReauthenticatesOn401(t *testing.T) {
	t.Parallel()
	var giftRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/app", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-fresh", "expires_in": 3600})
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(signBody(t, docFields(false), canonicalDoc))
	})
	mux.HandleFunc("/api/v1/gifts/recent", func(w http.ResponseWriter, r *http.Request) {
		if giftRequests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"gift_id": "g1", "channel_username": "chan_a", "gift_data": {"name": "Santa Hat", "price": "100"}}]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t, srv.URL, nil)
	if err := h.mon.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if giftRequests.Load() != 2 {
		t.Fatalf("gift requests = %d, want 2 (401 then retry)", giftRequests.Load())
	}
	if got := len(h.sink.snapshot()); got != 1 {
		t.Fatalf("posted = %d", got)
	}
}

func TestBootstrapFirstLaunchOffline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "http://unreachable.invalid", nil)

	err := h.mon.Bootstrap(context.Background())
	if !errors.Is(err, ErrFirstLaunchOffline) {
		t.Fatalf("err = %v, want ErrFirstLaunchOffline", err)
	}
}

func TestBootstrapDegradesWithCachedConfig(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(backendHandler(
		func() []byte { return signBody(t, docFields(false), canonicalDoc) },
		serveGifts(`[]`)))
	t.Cleanup(srv.Close)

	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	online := func(baseURL string) *Monitor {
		client := api.New(baseURL, logx.Nop())
		tokens := auth.New(auth.Config{AppVersion: "1.0.0", SharedSecret: testSecret, UserID: "42"},
			client, vault.New(store, logx.Nop()), logx.Nop())
		rc := remoteconfig.New(client, tokens, store, testSecret, "1.0.0", logx.Nop())
		return New(client, tokens, rc, dedup.New(store, logx.Nop()),
			notify.New(&countingSink{}, nil, logx.Nop()), nil, nil, logx.Nop())
	}

	ctx := context.Background()
	if err := online(srv.URL).Bootstrap(ctx); err != nil {
		t.Fatalf("online bootstrap: %v", err)
	}

	// Relaunch fully offline: the cached document keeps bootstrap viable.
	if err := online("http://unreachable.invalid").Bootstrap(ctx); err != nil {
		t.Fatalf("offline relaunch with cache must degrade, got %v", err)
	}
}
