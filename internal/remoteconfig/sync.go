package remoteconfig

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"giftwatch/internal/api"
	"giftwatch/internal/storage"
	logx "giftwatch/pkg/logx"
)

var (
	// ErrInvalidSignature means the fetched document failed verification.
	// Logged distinctly from transport failures: it may indicate tampering,
	// not unavailability. The previously cached document stays authoritative.
	ErrInvalidSignature = errors.New("config signature mismatch")

	// ErrNoConfigAvailable means a refresh failed and no cached document
	// exists to fall back to.
	ErrNoConfigAvailable = errors.New("no config available")
)

// CacheValidity is how long a cached document counts as current.
// Older copies are last-resort only.
const CacheValidity = 30 * time.Minute

// State of the synchronizer: Uninitialized until a document loads,
// Cached after loading a valid local copy, Fresh after a verified fetch.
type State int

const (
	Uninitialized State = iota
	Cached
	Fresh
)

func (s State) String() string {
	switch s {
	case Cached:
		return "cached"
	case Fresh:
		return "fresh"
	default:
		return "uninitialized"
	}
}

// Storage keys owned by this package.
const (
	docKey       = "config.document"
	fetchedAtKey = "config.fetched_at"
)

// Hard-coded defaults keep the app operable before any document has loaded
// (fully offline first launch included).
var defaultChannels = []string{
	"@News_Collections",
	"@gifts_detector",
	"@GiftsTracker",
	"@new_gifts_alert_news",
}

const (
	defaultMaxPriceFilter    = 100000
	defaultMinAppVersion     = "1.0.0"
	defaultPollIntervalSecs  = 30
	flagBackgroundMonitoring = "background_monitoring"
	flagSoundNotifications   = "sound_notifications"
	flagMaxPriceFilter       = "max_price_filter"
)

// TokenSource supplies app tokens for authenticated fetches.
type TokenSource interface {
	// EnsureToken returns a cached token, authenticating only if none exists.
	EnsureToken(ctx context.Context) (string, error)
	// Authenticate forces a fresh authentication (after a 401).
	Authenticate(ctx context.Context) (string, error)
}

// Synchronizer keeps a verified copy of the remote configuration.
//
// Uninitialized → Cached → Fresh. Refresh is best-effort while any document
// is loaded: fetch and verification failures leave the current document
// authoritative. Accessors never block and fall back to hard-coded defaults.
type Synchronizer struct {
	client     *api.Client
	tokens     TokenSource
	store      storage.Store
	log        logx.Logger
	secret     string
	appVersion string

	mu        sync.Mutex
	state     State
	doc       *Document
	fetchedAt time.Time
}

func New(client *api.Client, tokens TokenSource, store storage.Store, secret, appVersion string, log logx.Logger) *Synchronizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Synchronizer{
		client:     client,
		tokens:     tokens,
		store:      store,
		log:        log,
		secret:     secret,
		appVersion: appVersion,
	}
}

// Initialize loads the locally cached document, if any. A copy younger than
// CacheValidity moves the state to Cached; an older copy is retained as a
// last resort but the state stays Uninitialized so callers know a refresh
// is overdue.
func (s *Synchronizer) Initialize(ctx context.Context) {
	if s.store == nil {
		return
	}
	raw, ok, err := s.store.GetValue(ctx, docKey)
	if err != nil || !ok {
		return
	}
	doc, err := parseDocument(raw)
	if err != nil {
		s.log.Warn("cached config unreadable; ignoring", logx.Err(err))
		return
	}
	if valid, err := verifySignature(raw, doc.Signature, s.secret); err != nil || !valid {
		// A tampered local cache is worse than no cache.
		s.log.Warn("cached config failed signature check; discarding")
		_ = s.store.DeleteValue(ctx, docKey)
		return
	}

	fetchedAt := s.loadFetchedAt(ctx)
	age := time.Since(fetchedAt)

	s.mu.Lock()
	s.doc = doc
	s.fetchedAt = fetchedAt
	if !fetchedAt.IsZero() && age < CacheValidity {
		s.state = Cached
	}
	s.mu.Unlock()

	s.log.Info("config cache loaded",
		logx.Duration("age", age),
		logx.Int("channels", len(doc.MonitoringChannels)),
		logx.Bool("current", age < CacheValidity))
}

// Refresh fetches, verifies and commits a new document.
//
// Failure modes:
//   - HTTP 401: re-authenticate once and retry the fetch exactly once.
//   - Signature mismatch: ErrInvalidSignature, existing cache untouched.
//   - Any other failure with a document loaded: best-effort, returns nil.
//   - Any failure with no document at all: ErrNoConfigAvailable.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	token, err := s.tokens.EnsureToken(ctx)
	if err != nil {
		return s.degrade(fmt.Errorf("config refresh: %w", err))
	}

	raw, err := s.client.FetchConfig(ctx, token, s.appVersion)
	if api.IsUnauthorized(err) {
		// Token expired server-side. One re-auth, one retry, no recursion.
		token, err = s.tokens.Authenticate(ctx)
		if err == nil {
			raw, err = s.client.FetchConfig(ctx, token, s.appVersion)
		}
	}
	if err != nil {
		return s.degrade(fmt.Errorf("config refresh: %w", err))
	}

	doc, err := parseDocument(raw)
	if err != nil {
		return s.degrade(fmt.Errorf("config refresh: %w", err))
	}
	valid, err := verifySignature(raw, doc.Signature, s.secret)
	if err != nil {
		return s.degrade(fmt.Errorf("config refresh: %w", err))
	}
	if !valid {
		s.log.Error("config document rejected: signature mismatch (possible tampering)")
		return ErrInvalidSignature
	}

	now := time.Now()
	s.mu.Lock()
	s.doc = doc
	s.fetchedAt = now
	s.state = Fresh
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.PutValue(ctx, docKey, raw); err != nil {
			s.log.Warn("persisting config failed", logx.Err(err))
		}
		_ = s.store.PutValue(ctx, fetchedAtKey, []byte(strconv.FormatInt(now.UnixMilli(), 10)))
	}

	fields := []logx.Field{logx.Int("channels", len(doc.MonitoringChannels))}
	if issued := doc.issuedAt(); !issued.IsZero() {
		fields = append(fields, logx.Time("issued_at", issued))
	}
	s.log.Info("config refreshed", fields...)
	return nil
}

// degrade decides whether a refresh failure is fatal: with any document
// loaded the cache stays authoritative and the error is only logged.
func (s *Synchronizer) degrade(err error) error {
	s.mu.Lock()
	hasDoc := s.doc != nil
	s.mu.Unlock()
	if hasDoc {
		s.log.Warn("config refresh failed; keeping cached document", logx.Err(err))
		return nil
	}
	return errors.Join(ErrNoConfigAvailable, err)
}

func (s *Synchronizer) loadFetchedAt(ctx context.Context) time.Time {
	raw, ok, err := s.store.GetValue(ctx, fetchedAtKey)
	if err != nil || !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// State reports the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ---- Accessors (lock-free of I/O; defaults when no document loaded) ----

func (s *Synchronizer) current() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// MonitoringChannels returns the ordered channel list.
func (s *Synchronizer) MonitoringChannels() []string {
	d := s.current()
	if d == nil || len(d.MonitoringChannels) == 0 {
		return append([]string(nil), defaultChannels...)
	}
	return append([]string(nil), d.MonitoringChannels...)
}

func (s *Synchronizer) IsBackgroundMonitoringEnabled() bool {
	return s.current().flagBool(flagBackgroundMonitoring, true)
}

func (s *Synchronizer) IsSoundEnabled() bool {
	return s.current().flagBool(flagSoundNotifications, true)
}

// MaxPriceFilter is the server-imposed ceiling for the user price filter.
func (s *Synchronizer) MaxPriceFilter() int64 {
	return s.current().flagInt(flagMaxPriceFilter, defaultMaxPriceFilter)
}

func (s *Synchronizer) MinAppVersion() string {
	d := s.current()
	if d == nil || d.Security.MinAppVersion == "" {
		return defaultMinAppVersion
	}
	return d.Security.MinAppVersion
}

// IsUpdateRequired reports whether this app version must update before
// continuing: either the backend forced it or the version is below minimum.
func (s *Synchronizer) IsUpdateRequired() bool {
	d := s.current()
	if d == nil {
		return false
	}
	if d.Security.ForceUpdate {
		return true
	}
	return compareVersions(s.appVersion, s.MinAppVersion()) < 0
}

// PollInterval is the backend-suggested polling period.
func (s *Synchronizer) PollInterval() time.Duration {
	d := s.current()
	secs := defaultPollIntervalSecs
	if d != nil && d.MinUpdateInterval > 0 {
		secs = d.MinUpdateInterval
	}
	return time.Duration(secs) * time.Second
}
