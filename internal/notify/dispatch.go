package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"giftwatch/internal/eventbus"
	"giftwatch/internal/gift"
	logx "giftwatch/pkg/logx"
)

// Tier is the notification urgency class. Critical implies a full-screen /
// interruptive presentation where the host platform allows it.
type Tier int

const (
	TierStandard Tier = iota
	TierElevated
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierElevated:
		return "elevated"
	case TierCritical:
		return "critical"
	default:
		return "standard"
	}
}

// Prefs are the user's notification preferences.
type Prefs struct {
	Sound     bool
	SoundType string
	Vibration bool
}

// Notification is one rendered local notification.
//
// Key is a stable hash of the gift id, so re-delivery of the same gift is
// coalesced by the host notification system rather than stacking up.
type Notification struct {
	Key   string
	Tier  Tier
	Title string
	Body  string

	Sound     bool
	SoundType string
	Vibration bool

	GiftID  string
	Channel string
	Link    string
}

// Sink is the platform notification shim (external collaborator).
type Sink interface {
	Post(ctx context.Context, n Notification) error
}

// minGap spaces successive notifications within a cycle so the host OS
// doesn't throttle the whole burst.
const minGap = 500 * time.Millisecond

// Dispatcher renders and emits one local notification per qualifying gift.
//
// Failures (missing permission, shim errors) are logged and do not abort
// the rest of the queue.
type Dispatcher struct {
	sink    Sink
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
}

func New(sink Sink, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		sink: sink,
		bus:  bus,
		log:  log,
		// Token bucket with burst 1: the first notification goes out
		// immediately, every following one waits out the gap.
		limiter: rate.NewLimiter(rate.Every(minGap), 1),
	}
}

// DispatchBatch emits notifications for gifts in discovery order and
// returns how many were accepted by the sink.
func (d *Dispatcher) DispatchBatch(ctx context.Context, gifts []gift.Gift, prefs Prefs) int {
	if d.sink == nil || len(gifts) == 0 {
		return 0
	}
	sent := 0
	for _, g := range gifts {
		if err := d.limiter.Wait(ctx); err != nil {
			// Context gone; everything still queued is dropped.
			return sent
		}
		n := Render(g, prefs)
		if err := d.sink.Post(ctx, n); err != nil {
			d.log.Warn("notification dispatch failed",
				logx.String("gift", g.ID), logx.Err(err))
			d.publish(eventbus.TypeNotifyFailed, n, err)
			continue
		}
		sent++
		d.publish(eventbus.TypeNotifySent, n, nil)
	}
	return sent
}

func (d *Dispatcher) publish(typ string, n Notification, err error) {
	if d.bus == nil {
		return
	}
	ev := eventbus.NotifyEvent{Key: n.Key, GiftID: n.GiftID, Tier: n.Tier.String(), Channel: n.Channel}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// TierFor selects the urgency tier. Pure function of the gift flags and the
// sound preference:
//   - sold out never interrupts (standard);
//   - limited with sound enabled is critical;
//   - limited with sound muted is elevated;
//   - everything else is standard.
func TierFor(isLimited, isSoldOut, soundEnabled bool) Tier {
	switch {
	case isSoldOut:
		return TierStandard
	case isLimited && soundEnabled:
		return TierCritical
	case isLimited:
		return TierElevated
	default:
		return TierStandard
	}
}

// Key returns the stable notification key for a gift id (FNV-64a hex).
func Key(giftID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(giftID))
	return fmt.Sprintf("%x", h.Sum64())
}

// Render builds the notification for a gift under the given preferences.
func Render(g gift.Gift, prefs Prefs) Notification {
	tier := TierFor(g.IsLimited, g.IsSoldOut, prefs.Sound)

	title := "🎁 New gift!"
	if g.IsLimited {
		title = "🔥 Limited gift!"
	}
	if g.Name != "" {
		title += " " + g.Name
	}

	var body strings.Builder
	if g.Price != "" {
		fmt.Fprintf(&body, "💎 Price: %s ⭐️", g.Price)
	}
	if g.AvailableKnown {
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		fmt.Fprintf(&body, "📊 Available: %d%%", g.AvailablePct)
	}
	if g.Description != "" {
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(g.Description)
	}

	return Notification{
		Key:       Key(g.ID),
		Tier:      tier,
		Title:     title,
		Body:      body.String(),
		Sound:     prefs.Sound && !g.IsSoldOut,
		SoundType: prefs.SoundType,
		Vibration: prefs.Vibration,
		GiftID:    g.ID,
		Channel:   g.Channel,
		Link:      g.MessageLink,
	}
}
