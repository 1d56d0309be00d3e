package watch

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
)

// TraderSource fetches the merchant's current stock.
type TraderSource interface {
	TraderOffer(ctx context.Context) (*pss.TraderOffer, error)
}

// TraderStore persists the trader watch-list.
type TraderStore interface {
	TraderItems() ([]int32, error)
	SaveTraderItems(ids []int32) error
}

// TraderOptions tunes the trader poller.
type TraderOptions struct {
	Retry  time.Duration // wait after a failed or empty fetch
	Buffer time.Duration // added to the offer expiry
}

// TraderWatcher reports watched items when the rotating merchant offers them.
type TraderWatcher struct {
	mu    sync.Mutex
	items map[int32]bool

	src    TraderSource
	store  TraderStore
	cat    *catalog.Catalog
	notify *Notifier
	clock  schedule.Clock
	opts   TraderOptions
}

// NewTraderWatcher loads the persisted trader watch-list.
func NewTraderWatcher(src TraderSource, store TraderStore, cat *catalog.Catalog, notify *Notifier, clock schedule.Clock, opts TraderOptions) (*TraderWatcher, error) {
	if opts.Retry <= 0 {
		opts.Retry = time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 30 * time.Second
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	ids, err := store.TraderItems()
	if err != nil {
		return nil, fmt.Errorf("load trader watch-list: %w", err)
	}
	w := &TraderWatcher{
		items:  make(map[int32]bool, len(ids)),
		src:    src,
		store:  store,
		cat:    cat,
		notify: notify,
		clock:  clock,
		opts:   opts,
	}
	for _, id := range ids {
		w.items[id] = true
	}
	return w, nil
}

func (w *TraderWatcher) idsLocked() []int32 {
	ids := make([]int32, 0, len(w.items))
	for id := range w.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Add watches an item in the merchant's stock.
func (w *TraderWatcher) Add(name string) (string, error) {
	it, err := w.cat.ItemByName(name)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.items[it.ID] {
		return it.Name, nil
	}
	w.items[it.ID] = true
	if err := w.store.SaveTraderItems(w.idsLocked()); err != nil {
		delete(w.items, it.ID)
		return "", fmt.Errorf("save trader watch-list: %w", err)
	}
	logger.Info("TRADER", fmt.Sprintf("Watching %s", it.Name))
	return it.Name, nil
}

// Remove stops watching an item. It reports false if the item was not watched.
func (w *TraderWatcher) Remove(name string) (bool, error) {
	it, err := w.cat.ItemByName(name)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.items[it.ID] {
		return false, nil
	}
	delete(w.items, it.ID)
	if err := w.store.SaveTraderItems(w.idsLocked()); err != nil {
		w.items[it.ID] = true
		return false, fmt.Errorf("save trader watch-list: %w", err)
	}
	logger.Info("TRADER", fmt.Sprintf("Stopped watching %s", it.Name))
	return true, nil
}

// List returns the watched item names in id order.
func (w *TraderWatcher) List() []string {
	w.mu.Lock()
	ids := w.idsLocked()
	w.mu.Unlock()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = w.cat.ItemName(id)
	}
	return names
}

// Run polls until ctx is cancelled, sleeping until each offer expires.
func (w *TraderWatcher) Run(ctx context.Context) error {
	for {
		wait := w.Poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("TRADER", fmt.Sprintf("Next check in %s", wait.Round(time.Second)))
		if err := w.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Poll checks the current offer, notifies about watched rewards and returns
// how long to wait before the next check.
func (w *TraderWatcher) Poll(ctx context.Context) time.Duration {
	offer, err := w.src.TraderOffer(ctx)
	if err != nil {
		logger.Warn("TRADER", fmt.Sprintf("Fetch failed: %v", err))
		return w.opts.Retry
	}
	now := w.clock.Now()
	if offer == nil || !offer.Expires.After(now) {
		return w.opts.Retry
	}

	w.mu.Lock()
	watched := make(map[int32]bool, len(w.items))
	for id := range w.items {
		watched[id] = true
	}
	w.mu.Unlock()

	for _, lot := range offer.Lots {
		if lot.Reward.Kind != "item" || !watched[lot.Reward.ID] {
			continue
		}
		name := w.cat.ItemName(lot.Reward.ID)
		w.notify.Notify(ctx, Alert{
			Feed:     FeedTrader,
			ItemID:   lot.Reward.ID,
			ItemName: name,
			Verdict:  "Cheap",
			Price:    float64(lot.Cost.Amount),
			Text:     FormatTraderLot(name, lot, offer.Expires, now, w.cat.ItemName),
		})
	}
	return offer.Expires.Sub(now) + w.opts.Buffer
}

// FormatTraderLot renders a trader notification. Trader offers are always
// reported as green.
func FormatTraderLot(name string, lot pss.TraderLot, expires, now time.Time, itemName func(int32) string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🟢 <i>trader</i> - <b>%s</b>", html.EscapeString(name))
	if lot.Reward.Amount > 1 {
		fmt.Fprintf(&sb, " x%d", lot.Reward.Amount)
	}
	sb.WriteString(" for ")
	sb.WriteString(html.EscapeString(formatLot(lot.Cost, itemName)))
	fmt.Fprintf(&sb, " (%s)", humanize.RelTime(now, expires, "left", "ago"))
	return sb.String()
}

func formatLot(l pss.Lot, itemName func(int32) string) string {
	switch l.Kind {
	case "item":
		if l.Amount > 1 {
			return fmt.Sprintf("%d× %s", l.Amount, itemName(l.ID))
		}
		return itemName(l.ID)
	case "":
		return "nothing"
	default:
		return fmt.Sprintf("%s %s", humanize.Comma(int64(l.Amount)), l.Kind)
	}
}
