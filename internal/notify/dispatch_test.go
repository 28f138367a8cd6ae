package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"giftwatch/internal/eventbus"
	"giftwatch/internal/gift"
	logx "giftwatch/pkg/logx"
)

type recordingSink struct {
	mu     sync.Mutex
	posted []Notification
	fail   map[string]error // gift id -> error
}

func (s *recordingSink) Post(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[n.GiftID]; ok {
		return err
	}
	s.posted = append(s.posted, n)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.posted))
	for _, n := range s.posted {
		out = append(out, n.GiftID)
	}
	return out
}

func TestTierFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name             string
		limited, soldOut bool
		sound            bool
		want             Tier
	}{
		{name: "plain", want: TierStandard},
		{name: "plain with sound", sound: true, want: TierStandard},
		{name: "limited muted", limited: true, want: TierElevated},
		{name: "limited with sound", limited: true, sound: true, want: TierCritical},
		{name: "sold out never interrupts", limited: true, soldOut: true, sound: true, want: TierStandard},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := TierFor(tt.limited, tt.soldOut, tt.sound); got != tt.want {
				t.Fatalf("TierFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyStable(t *testing.T) {
	t.Parallel()
	if Key("gift-1") != Key("gift-1") {
		t.Fatal("key not deterministic")
	}
	if Key("gift-1") == Key("gift-2") {
		t.Fatal("distinct ids collided")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	g := gift.Gift{
		ID:             "g1",
		Name:           "Santa Hat",
		Price:          "1,250",
		AvailablePct:   7,
		AvailableKnown: true,
		IsLimited:      true,
		Channel:        "gifts",
	}
	n := Render(g, Prefs{Sound: true, SoundType: "chime", Vibration: true})

	if n.Tier != TierCritical {
		t.Fatalf("tier = %v", n.Tier)
	}
	if n.Key != Key("g1") {
		t.Fatalf("key = %q", n.Key)
	}
	if n.Title != "🔥 Limited gift! Santa Hat" {
		t.Fatalf("title = %q", n.Title)
	}
	if n.Body != "💎 Price: 1,250 ⭐️\n📊 Available: 7%" {
		t.Fatalf("body = %q", n.Body)
	}
	if !n.Sound || n.SoundType != "chime" || !n.Vibration {
		t.Fatalf("prefs not carried: %+v", n)
	}

	// Sold out gifts render silent regardless of preference.
	n = Render(gift.Gift{ID: "g2", IsSoldOut: true}, Prefs{Sound: true})
	if n.Sound {
		t.Fatal("sold out gift must not sound")
	}
	if n.Title != "🎁 New gift!" {
		t.Fatalf("title = %q", n.Title)
	}
}

func TestDispatchBatchContinuesPastFailures(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{fail: map[string]error{"bad": errors.New("permission denied")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(sink, bus, logx.Nop())
	gifts := []gift.Gift{{ID: "a"}, {ID: "bad"}, {ID: "c"}}

	sent := d.DispatchBatch(context.Background(), gifts, Prefs{})
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	got := sink.ids()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("posted order = %v", got)
	}

	var sentEvents, failedEvents int
	deadline := time.After(time.Second)
	for sentEvents+failedEvents < 3 {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TypeNotifySent:
				sentEvents++
			case eventbus.TypeNotifyFailed:
				failedEvents++
			}
		case <-deadline:
			t.Fatalf("events = %d sent / %d failed", sentEvents, failedEvents)
		}
	}
	if sentEvents != 2 || failedEvents != 1 {
		t.Fatalf("events = %d sent / %d failed", sentEvents, failedEvents)
	}
}

func TestDispatchBatchSpacing(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := New(sink, nil, logx.Nop())

	start := time.Now()
	sent := d.DispatchBatch(context.Background(), []gift.Gift{{ID: "a"}, {ID: "b"}}, Prefs{})
	if sent != 2 {
		t.Fatalf("sent = %d", sent)
	}
	if elapsed := time.Since(start); elapsed < minGap {
		t.Fatalf("second notification not spaced: %v < %v", elapsed, minGap)
	}
}

func TestDispatchBatchHonorsContext(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := New(sink, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// First token may already be available, but the canceled context stops
	// the batch without posting the rest.
	gifts := []gift.Gift{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sent := d.DispatchBatch(ctx, gifts, Prefs{})
	if sent > 1 {
		t.Fatalf("sent = %d after cancel", sent)
	}
}
