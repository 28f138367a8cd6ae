package remoteconfig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftwatch/internal/api"
	"giftwatch/internal/storage"
	logx "giftwatch/pkg/logx"
)

const (
	testSecret  = "test-secret"
	testVersion = "1.2.0"
)

// signDoc reproduces the backend's signing flow: serialize, sign, then
// append the signature and timestamp envelope.
func signDoc(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	sig, err := computeSignature(raw, testSecret)
	require.NoError(t, err)

	signed := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		signed[k] = v
	}
	signed["signature"] = sig
	signed["timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.999999")
	out, err := json.Marshal(signed)
	require.NoError(t, err)
	return out
}

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	err     error
	ensures int
	auths   int
}

func (f *fakeTokens) EnsureToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.token, f.err
}

func (f *fakeTokens) Authenticate(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if f.err != nil {
		return "", f.err
	}
	f.token = "fresh-" + strconv.Itoa(f.auths)
	return f.token, nil
}

func (f *fakeTokens) authCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

func newSyncUnderTest(t *testing.T, handler http.Handler) (*Synchronizer, storage.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := api.New(srv.URL, logx.Nop())
	return New(client, &fakeTokens{token: "tok"}, store, testSecret, testVersion, logx.Nop()), store
}

func docHandler(body func() []byte, status func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			http.NotFound(w, r)
			return
		}
		if s := status(); s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		_, _ = w.Write(body())
	})
}

func validDoc(t *testing.T) []byte {
	return signDoc(t, map[string]any{
		"monitoring_channels": []string{"@fresh_channel"},
		"min_update_interval": 60,
		"features": map[string]any{
			"sound_notifications": false,
			"max_price_filter":    5000,
		},
		"security": map[string]any{
			"min_app_version": "1.0.0",
			"force_update":    false,
		},
	})
}

func TestRefreshCommitsVerifiedDocument(t *testing.T) {
	t.Parallel()
	s, store := newSyncUnderTest(t, docHandler(
		func() []byte { return validDoc(t) },
		func() int { return http.StatusOK },
	))
	ctx := context.Background()

	require.Equal(t, Uninitialized, s.State())
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, Fresh, s.State())
	assert.Equal(t, []string{"@fresh_channel"}, s.MonitoringChannels())
	assert.False(t, s.IsSoundEnabled())
	assert.EqualValues(t, 5000, s.MaxPriceFilter())
	assert.Equal(t, 60*time.Second, s.PollInterval())
	assert.False(t, s.IsUpdateRequired())

	// A second synchronizer over the same store starts from the cache.
	s2 := New(api.New("http://unreachable.invalid", logx.Nop()), &fakeTokens{token: "t"},
		store, testSecret, testVersion, logx.Nop())
	s2.Initialize(ctx)
	assert.Equal(t, Cached, s2.State())
	assert.Equal(t, []string{"@fresh_channel"}, s2.MonitoringChannels())
}

func TestRefreshRejectsTamperedDocument(t *testing.T) {
	t.Parallel()
	var tampered atomic.Bool
	s, _ := newSyncUnderTest(t, docHandler(
		func() []byte {
			doc := validDoc(t)
			if tampered.Load() {
				var m map[string]any
				require.NoError(t, json.Unmarshal(doc, &m))
				m["monitoring_channels"] = []string{"@evil"}
				doc, _ = json.Marshal(m)
			}
			return doc
		},
		func() int { return http.StatusOK },
	))
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))

	tampered.Store(true)
	err := s.Refresh(ctx)
	require.ErrorIs(t, err, ErrInvalidSignature)
	// The earlier verified document stays authoritative.
	assert.Equal(t, []string{"@fresh_channel"}, s.MonitoringChannels())
	assert.Equal(t, Fresh, s.State())
}

func TestRefreshBestEffortWithDocument(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusOK)
	s, _ := newSyncUnderTest(t, docHandler(
		func() []byte { return validDoc(t) },
		func() int { return int(status.Load()) },
	))
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))

	status.Store(http.StatusInternalServerError)
	assert.NoError(t, s.Refresh(ctx), "transport failure with a document loaded is best-effort")
	assert.Equal(t, []string{"@fresh_channel"}, s.MonitoringChannels())
}

func TestRefreshNoCacheFails(t *testing.T) {
	t.Parallel()
	s, _ := newSyncUnderTest(t, docHandler(
		func() []byte { return nil },
		func() int { return http.StatusInternalServerError },
	))
	err := s.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoConfigAvailable)
	// Defaults still serve.
	assert.NotEmpty(t, s.MonitoringChannels())
}

func TestRefreshReauthenticatesOnceOn401(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(validDoc(t))
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tokens := &fakeTokens{token: "stale"}
	s := New(api.New(srv.URL, logx.Nop()), tokens, store, testSecret, testVersion, logx.Nop())

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 1, tokens.authCalls(), "exactly one re-authentication after 401")
	assert.Equal(t, Fresh, s.State())
}

func TestRefreshPersistent401FailsWithoutLoop(t *testing.T) {
	t.Parallel()
	s, _ := newSyncUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	err := s.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoConfigAvailable)
}

func TestInitializeDiscardsTamperedCache(t *testing.T) {
	t.Parallel()
	s, store := newSyncUnderTest(t, docHandler(
		func() []byte { return validDoc(t) },
		func() int { return http.StatusOK },
	))
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	// Flip a channel name in the persisted copy.
	raw, ok, err := store.GetValue(ctx, "config.document")
	require.NoError(t, err)
	require.True(t, ok)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["monitoring_channels"] = []string{"@evil"}
	raw, _ = json.Marshal(m)
	require.NoError(t, store.PutValue(ctx, "config.document", raw))

	s2 := New(api.New("http://unreachable.invalid", logx.Nop()), &fakeTokens{token: "t"},
		store, testSecret, testVersion, logx.Nop())
	s2.Initialize(ctx)
	assert.Equal(t, Uninitialized, s2.State())
	assert.NotContains(t, s2.MonitoringChannels(), "@evil")

	_, ok, err = store.GetValue(ctx, "config.document")
	require.NoError(t, err)
	assert.False(t, ok, "tampered cache must be deleted")
}

func TestAccessorDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newSyncUnderTest(t, http.NotFoundHandler())

	assert.Equal(t, defaultChannels, s.MonitoringChannels())
	assert.True(t, s.IsBackgroundMonitoringEnabled())
	assert.True(t, s.IsSoundEnabled())
	assert.EqualValues(t, defaultMaxPriceFilter, s.MaxPriceFilter())
	assert.Equal(t, defaultMinAppVersion, s.MinAppVersion())
	assert.False(t, s.IsUpdateRequired())
	assert.Equal(t, 30*time.Second, s.PollInterval())
}

func TestIsUpdateRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		security map[string]any
		want     bool
	}{
		{
			name:     "force update",
			security: map[string]any{"min_app_version": "1.0.0", "force_update": true},
			want:     true,
		},
		{
			name:     "below minimum",
			security: map[string]any{"min_app_version": "2.0.0", "force_update": false},
			want:     true,
		},
		{
			name:     "current version ok",
			security: map[string]any{"min_app_version": "1.2.0", "force_update": false},
			want:     false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newSyncUnderTest(t, docHandler(
				func() []byte {
					return signDoc(t, map[string]any{
						"monitoring_channels": []string{"@c"},
						"security":            tt.security,
					})
				},
				func() int { return http.StatusOK },
			))
			require.NoError(t, s.Refresh(context.Background()))
			assert.Equal(t, tt.want, s.IsUpdateRequired())
		})
	}
}
