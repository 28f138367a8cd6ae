package dedup

import (
	"context"
	"strings"
	"sync"

	"giftwatch/internal/gift"
	"giftwatch/internal/storage"
	logx "giftwatch/pkg/logx"
)

// Filters is the user-configured gate applied to newly discovered gifts.
type Filters struct {
	// MinPrice in whole units; 0 disables the price filter. A gift with an
	// unparsable display price counts as price 0.
	MinPrice int64

	// MaxPrice is the server-imposed ceiling; 0 disables it. Gifts priced
	// above the ceiling never notify.
	MaxPrice int64

	// SelectedChannels holds the channels the user wants notifications from.
	// Empty means every channel is selected. Deselected channels still feed
	// the seen-set (no later false "new" trigger) but never notify.
	SelectedChannels []string
}

// Result of one batch evaluation.
type Result struct {
	// Notify holds the qualifying new gifts in discovery order.
	Notify []gift.Gift
	// NewIDs is every previously unseen id in the batch, qualifying or not.
	NewIDs []string
	// Inspected is the batch size after dropping records without an id.
	Inspected int
}

// Engine maintains the seen-gift set and applies user filters.
//
// The persisted set is mirrored in memory so membership stays O(1) even at
// tens of thousands of entries. The set grows monotonically and writes are
// idempotent set-union, so concurrent cycles merge instead of clobbering.
type Engine struct {
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	warmed bool
}

func New(store storage.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, log: log, seen: map[string]struct{}{}}
}

// Warm loads the persisted seen-set into memory. Idempotent; called once at
// startup and lazily by Process as a fallback.
func (e *Engine) Warm(ctx context.Context) error {
	e.mu.Lock()
	if e.warmed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var ids []string
	if e.store != nil {
		var err error
		ids, err = e.store.LoadSeen(ctx)
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.seen == nil {
		e.seen = map[string]struct{}{}
	}
	for _, id := range ids {
		e.seen[id] = struct{}{}
	}
	e.warmed = true
	size := len(e.seen)
	e.mu.Unlock()

	e.log.Info("seen-set warmed", logx.Int("size", size))
	return nil
}

// Process evaluates one fetched batch: previously seen ids are skipped,
// unseen ids join the set (memory + persisted, idempotently), and the
// qualifying subset is returned for dispatch in discovery order.
//
// Callers must not invoke Process for a failed fetch: a cycle that cannot
// fetch performs no seen-set mutation.
func (e *Engine) Process(ctx context.Context, batch []gift.Gift, f Filters) (Result, error) {
	if !e.isWarmed() {
		if err := e.Warm(ctx); err != nil {
			return Result{}, err
		}
	}

	selected := selectedSet(f.SelectedChannels)

	var res Result
	e.mu.Lock()
	for _, g := range batch {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			continue
		}
		res.Inspected++
		if _, ok := e.seen[id]; ok {
			continue
		}
		e.seen[id] = struct{}{}
		res.NewIDs = append(res.NewIDs, id)

		if !priceQualifies(g.Price, f.MinPrice, f.MaxPrice) {
			continue
		}
		if selected != nil {
			if _, on := selected[normalizeChannel(g.Channel)]; !on {
				// Deselected channel: recorded as seen above, no notification.
				continue
			}
		}
		res.Notify = append(res.Notify, g)
	}
	e.mu.Unlock()

	if len(res.NewIDs) > 0 && e.store != nil {
		if err := e.store.AddSeen(ctx, res.NewIDs...); err != nil {
			// The in-memory set already has the ids, so this cycle won't
			// re-notify; the ids are re-persisted by a later cycle if they
			// show up again.
			e.log.Warn("persisting seen ids failed", logx.Err(err), logx.Int("count", len(res.NewIDs)))
		}
	}
	return res, nil
}

// Seen reports membership for a single id.
func (e *Engine) Seen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[id]
	return ok
}

// Size returns the in-memory seen-set cardinality.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func (e *Engine) isWarmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warmed
}

// priceQualifies applies the price window to a display price. Unparsable
// prices count as 0: below any positive minimum, within any ceiling.
func priceQualifies(display string, minPrice, maxPrice int64) bool {
	price, ok := gift.ParsePrice(display)
	if !ok {
		price = 0
	}
	if minPrice > 0 && price < minPrice {
		return false
	}
	if maxPrice > 0 && price > maxPrice {
		return false
	}
	return true
}

// selectedSet normalizes the selected list into a lookup. nil means every
// channel is selected.
func selectedSet(selected []string) map[string]struct{} {
	if len(selected) == 0 {
		return nil
	}
	sel := make(map[string]struct{}, len(selected))
	for _, c := range selected {
		sel[normalizeChannel(c)] = struct{}{}
	}
	return sel
}

func normalizeChannel(c string) string {
	c = strings.TrimSpace(strings.ToLower(c))
	return strings.TrimPrefix(c, "@")
}
