package monitor

import (
	"context"
	"errors"
	"fmt"

	"giftwatch/internal/api"
	"giftwatch/internal/auth"
	"giftwatch/internal/dedup"
	"giftwatch/internal/eventbus"
	"giftwatch/internal/notify"
	"giftwatch/internal/remoteconfig"
	logx "giftwatch/pkg/logx"
)

var (
	// ErrFirstLaunchOffline means the very first launch happened with no
	// network: there is no cached config and no cached token, so nothing can
	// run. Later launches degrade gracefully instead.
	ErrFirstLaunchOffline = errors.New("first launch requires a network connection")

	// ErrUpdateRequired means the backend demands a newer app version before
	// monitoring may continue.
	ErrUpdateRequired = errors.New("app update required")
)

// fetchLimit bounds one cycle's batch. The backend trims to its own maximum.
const fetchLimit = 50

// Prefs are the user-facing knobs a cycle consults. Provided by the config
// manager so edits apply without restart.
type Prefs struct {
	Sound            bool
	SoundType        string
	Vibration        bool
	MinPrice         int64
	SelectedChannels []string
}

// PrefsSource yields the current preferences snapshot.
type PrefsSource func() Prefs

// Monitor runs one full synchronization cycle: best-effort config refresh,
// gift fetch, dedup/filter, dispatch. It is the Runner handed to the poller.
type Monitor struct {
	client     *api.Client
	tokens     *auth.Authority
	cfg        *remoteconfig.Synchronizer
	engine     *dedup.Engine
	dispatcher *notify.Dispatcher
	prefs      PrefsSource
	bus        eventbus.Bus
	log        logx.Logger
}

func New(
	client *api.Client,
	tokens *auth.Authority,
	cfg *remoteconfig.Synchronizer,
	engine *dedup.Engine,
	dispatcher *notify.Dispatcher,
	prefs PrefsSource,
	bus eventbus.Bus,
	log logx.Logger,
) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if prefs == nil {
		prefs = func() Prefs { return Prefs{Sound: true, Vibration: true} }
	}
	return &Monitor{
		client:     client,
		tokens:     tokens,
		cfg:        cfg,
		engine:     engine,
		dispatcher: dispatcher,
		prefs:      prefs,
		bus:        bus,
		log:        log,
	}
}

// Bootstrap prepares the first cycle: load the cached config, warm the
// seen-set, then attempt one refresh. A refresh failure is fatal only on a
// fully offline first launch (no cached config and no cached token).
func (m *Monitor) Bootstrap(ctx context.Context) error {
	m.cfg.Initialize(ctx)
	if err := m.engine.Warm(ctx); err != nil {
		return fmt.Errorf("monitor bootstrap: %w", err)
	}

	if err := m.cfg.Refresh(ctx); err != nil {
		if errors.Is(err, remoteconfig.ErrNoConfigAvailable) && m.tokens.CurrentToken(ctx) == "" {
			return errors.Join(ErrFirstLaunchOffline, err)
		}
		return fmt.Errorf("monitor bootstrap: %w", err)
	}
	return nil
}

// Cycle performs one synchronization pass. Designed to be safe to call on
// every tick: a failed refresh keeps the cached config authoritative, a
// failed fetch leaves the seen-set untouched.
func (m *Monitor) Cycle(ctx context.Context) error {
	if err := m.cfg.Refresh(ctx); err != nil {
		// Includes ErrNoConfigAvailable (nothing to run against) and
		// ErrInvalidSignature (tampering is not best-effort territory).
		m.publishFailure(err)
		return err
	}

	if m.cfg.IsUpdateRequired() {
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeUpdateForced, Data: m.cfg.MinAppVersion()})
		}
		return fmt.Errorf("%w: minimum version %s", ErrUpdateRequired, m.cfg.MinAppVersion())
	}

	token, err := m.tokens.EnsureToken(ctx)
	if err != nil {
		m.publishFailure(err)
		return fmt.Errorf("monitor cycle: %w", err)
	}

	gifts, err := m.client.FetchRecentGifts(ctx, token, fetchLimit)
	if api.IsUnauthorized(err) {
		token, err = m.tokens.Authenticate(ctx)
		if err == nil {
			gifts, err = m.client.FetchRecentGifts(ctx, token, fetchLimit)
		}
	}
	if err != nil {
		m.publishFailure(err)
		return fmt.Errorf("monitor cycle: %w", err)
	}

	p := m.prefs()
	res, err := m.engine.Process(ctx, gifts, dedup.Filters{
		MinPrice:         p.MinPrice,
		MaxPrice:         m.cfg.MaxPriceFilter(),
		SelectedChannels: p.SelectedChannels,
	})
	if err != nil {
		m.publishFailure(err)
		return fmt.Errorf("monitor cycle: %w", err)
	}

	sent := 0
	if len(res.Notify) > 0 {
		sent = m.dispatcher.DispatchBatch(ctx, res.Notify, notify.Prefs{
			Sound:     p.Sound && m.cfg.IsSoundEnabled(),
			SoundType: p.SoundType,
			Vibration: p.Vibration,
		})
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Data: eventbus.CycleEvent{
			Fetched:  len(gifts),
			New:      len(res.NewIDs),
			Notified: sent,
		}})
	}
	m.log.Debug("cycle complete",
		logx.Int("fetched", len(gifts)),
		logx.Int("new", len(res.NewIDs)),
		logx.Int("notified", sent))
	return nil
}

func (m *Monitor) publishFailure(err error) {
	if m.bus == nil || err == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFailed, Data: eventbus.CycleEvent{Error: err.Error()}})
}
