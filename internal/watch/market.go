package watch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/db"
	"pss-watcher/internal/engine"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
)

// ItemLinkBase is the external item reference page.
const ItemLinkBase = "https://pixyship.com/item/"

const (
	// soldSpread is the relative bonus magnitude window for comparable sales.
	soldSpread = 0.2
	// refreshBackoff spaces out baseline refreshes for an item after a failed one.
	refreshBackoff = 5 * time.Minute
)

// MarketSource fetches marketplace data.
type MarketSource interface {
	MarketListings(ctx context.Context, itemID int32, max int) ([]pss.MarketListing, error)
	RecentSales(ctx context.Context, itemID int32, lookback time.Duration, maxSamples int) ([]pss.Sale, error)
}

// MarketStore persists the market watch-list and observed listings.
type MarketStore interface {
	WatchedItems() ([]db.WatchedItem, error)
	SaveWatchedItems(items []db.WatchedItem) error
	RecordListings(listings []pss.MarketListing, now time.Time) error
	ReconcileListings(items []int32, active []pss.MarketListing, now time.Time) (int, error)
	SoldPrices(itemID int32, stat string, value, spread float64) ([]float64, error)
}

// MarketOptions tunes the market poller.
type MarketOptions struct {
	Poll       time.Duration
	ItemDelay  time.Duration // pause between per-item fetches
	Window     int
	Resync     time.Duration
	Lookback   time.Duration
	MaxSamples int
}

func (o *MarketOptions) defaults() {
	if o.Poll <= 0 {
		o.Poll = 15 * time.Second
	}
	if o.ItemDelay <= 0 {
		o.ItemDelay = time.Second
	}
	if o.Window <= 0 {
		o.Window = 20
	}
	if o.Resync <= 0 {
		o.Resync = time.Hour
	}
	if o.Lookback <= 0 {
		o.Lookback = engine.BaselineLookback
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = engine.BaselineSamples
	}
}

// WatchedEntry is a watch-list row resolved for display.
type WatchedEntry struct {
	ItemID   int32
	Name     string
	Stats    []string
	Baseline *float64
}

// MarketWatcher polls the marketplace and reports new listings of watched items.
type MarketWatcher struct {
	mu    sync.Mutex
	items map[int32]db.WatchedItem

	// Poll-goroutine state. The marketplace feed is queried per item, so each
	// watched item keeps its own watermark.
	marks      map[int32]*Watermark
	retryAt    map[int32]time.Time
	lastResync time.Time

	src    MarketSource
	store  MarketStore
	cat    *catalog.Catalog
	notify *Notifier
	clock  schedule.Clock
	opts   MarketOptions
}

// NewMarketWatcher loads the persisted watch-list.
func NewMarketWatcher(src MarketSource, store MarketStore, cat *catalog.Catalog, notify *Notifier, clock schedule.Clock, opts MarketOptions) (*MarketWatcher, error) {
	opts.defaults()
	if clock == nil {
		clock = schedule.Real{}
	}
	saved, err := store.WatchedItems()
	if err != nil {
		return nil, fmt.Errorf("load market watch-list: %w", err)
	}
	w := &MarketWatcher{
		items:   make(map[int32]db.WatchedItem, len(saved)),
		marks:   make(map[int32]*Watermark),
		retryAt: make(map[int32]time.Time),
		src:     src,
		store:   store,
		cat:     cat,
		notify:  notify,
		clock:   clock,
		opts:    opts,
	}
	for _, it := range saved {
		w.items[it.ItemID] = it
	}
	return w, nil
}

// snapshotLocked returns the watch-list ordered by item id. Caller holds mu.
func (w *MarketWatcher) snapshotLocked() []db.WatchedItem {
	out := make([]db.WatchedItem, 0, len(w.items))
	for _, it := range w.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Add watches an item for the given bonus stats. No stats means every stat.
// Re-adding an item replaces its stats and keeps its cached price.
func (w *MarketWatcher) Add(name string, stats []string) (WatchedEntry, error) {
	it, err := w.cat.ItemByName(name)
	if err != nil {
		return WatchedEntry{}, err
	}
	canon := make([]string, 0, len(stats))
	seen := make(map[string]bool)
	for _, s := range stats {
		c, err := engine.NormalizeStat(s)
		if err != nil {
			return WatchedEntry{}, err
		}
		if !seen[c] {
			seen[c] = true
			canon = append(canon, c)
		}
	}
	if len(canon) == 0 {
		canon = engine.StatNames()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.items[it.ID]
	entry.ItemID = it.ID
	entry.Stats = canon
	prev, had := w.items[it.ID]
	w.items[it.ID] = entry
	if err := w.store.SaveWatchedItems(w.snapshotLocked()); err != nil {
		if had {
			w.items[it.ID] = prev
		} else {
			delete(w.items, it.ID)
		}
		return WatchedEntry{}, fmt.Errorf("save market watch-list: %w", err)
	}
	logger.Info("MARKET", fmt.Sprintf("Watching %s for %s", it.Name, strings.Join(canon, ", ")))
	return WatchedEntry{ItemID: it.ID, Name: it.Name, Stats: canon, Baseline: entry.BaselinePrice}, nil
}

// Remove stops watching an item. It reports false if the item was not watched.
func (w *MarketWatcher) Remove(name string) (bool, error) {
	it, err := w.cat.ItemByName(name)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, ok := w.items[it.ID]
	if !ok {
		return false, nil
	}
	delete(w.items, it.ID)
	if err := w.store.SaveWatchedItems(w.snapshotLocked()); err != nil {
		w.items[it.ID] = prev
		return false, fmt.Errorf("save market watch-list: %w", err)
	}
	logger.Info("MARKET", fmt.Sprintf("Stopped watching %s", it.Name))
	return true, nil
}

// List returns the watch-list ordered by item id.
func (w *MarketWatcher) List() []WatchedEntry {
	w.mu.Lock()
	items := w.snapshotLocked()
	w.mu.Unlock()

	out := make([]WatchedEntry, 0, len(items))
	for _, it := range items {
		out = append(out, WatchedEntry{
			ItemID:   it.ItemID,
			Name:     w.cat.ItemName(it.ItemID),
			Stats:    append([]string(nil), it.Stats...),
			Baseline: it.BaselinePrice,
		})
	}
	return out
}

// Run polls until ctx is cancelled.
func (w *MarketWatcher) Run(ctx context.Context) error {
	logger.Info("MARKET", fmt.Sprintf("Polling every %s", w.opts.Poll))
	for {
		if err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("MARKET", fmt.Sprintf("Poll failed: %v", err))
		}
		if err := w.clock.Sleep(ctx, w.opts.Poll); err != nil {
			return err
		}
	}
}

// Poll runs one iteration: fetch every watched item, dedup, match, classify
// and notify. Once per resync interval each fetch covers the item's whole
// market and vanished listings are moved to the sold history. A failed item
// fetch does not stop the others.
func (w *MarketWatcher) Poll(ctx context.Context) error {
	now := w.clock.Now()
	resync := w.lastResync.IsZero() || now.Sub(w.lastResync) >= w.opts.Resync

	w.mu.Lock()
	items := w.snapshotLocked()
	w.mu.Unlock()

	var (
		fresh, all []pss.MarketListing
		fetched    []int32
		errs       []error
	)
	for i, it := range items {
		if i > 0 {
			if err := w.clock.Sleep(ctx, w.opts.ItemDelay); err != nil {
				return err
			}
		}
		listings, err := w.fetch(ctx, it.ItemID, resync)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", w.cat.ItemName(it.ItemID), err))
			continue
		}
		fetched = append(fetched, it.ItemID)
		all = append(all, listings...)
		fresh = append(fresh, w.markFor(it.ItemID).Filter(listings)...)
	}
	if resync {
		w.reconcile(fetched, all, now)
	}
	if len(fresh) == 0 {
		return errors.Join(errs...)
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	if !resync {
		if err := w.store.RecordListings(fresh, now); err != nil {
			logger.Warn("MARKET", fmt.Sprintf("Could not record listings: %v", err))
		}
	}
	for _, l := range fresh {
		if alert, ok := w.evaluate(ctx, l); ok {
			w.notify.Notify(ctx, alert)
		}
	}
	return errors.Join(errs...)
}

// fetch lists the active offers of one item. The first fetch of an item and
// resync fetches take the whole market; later ones take the newest window.
func (w *MarketWatcher) fetch(ctx context.Context, itemID int32, full bool) ([]pss.MarketListing, error) {
	window := w.opts.Window
	if _, seen := w.marks[itemID]; !seen || full {
		window = 0
	}
	listings, err := w.src.MarketListings(ctx, itemID, window)
	if err != nil {
		return nil, err
	}
	for i := range listings {
		l := &listings[i]
		// Rows of a per-item query need not carry the design id.
		l.ItemID = itemID
		if l.BonusStat != "" {
			if c, err := engine.NormalizeStat(l.BonusStat); err == nil {
				l.BonusStat = c
			}
		}
	}
	return listings, nil
}

func (w *MarketWatcher) markFor(itemID int32) *Watermark {
	m, ok := w.marks[itemID]
	if !ok {
		m = &Watermark{}
		w.marks[itemID] = m
	}
	return m
}

func (w *MarketWatcher) reconcile(items []int32, all []pss.MarketListing, now time.Time) {
	w.lastResync = now
	if len(items) == 0 {
		return
	}
	if err := w.store.RecordListings(all, now); err != nil {
		logger.Warn("MARKET", fmt.Sprintf("Could not record listings: %v", err))
		return
	}
	sold, err := w.store.ReconcileListings(items, all, now)
	if err != nil {
		logger.Warn("MARKET", fmt.Sprintf("Resync failed: %v", err))
		return
	}
	if sold > 0 {
		logger.Info("MARKET", fmt.Sprintf("Resync: %d listings sold since last pass", sold))
	}
}

// matches reports whether l is of interest for the watched entry.
func matches(it pss.ItemDesign, entry db.WatchedItem, l pss.MarketListing) bool {
	if !engine.CanHaveSubstats(it) {
		return true
	}
	if len(entry.Stats) == 0 {
		return true
	}
	for _, s := range entry.Stats {
		if s == l.BonusStat {
			return true
		}
	}
	return false
}

func (w *MarketWatcher) evaluate(ctx context.Context, l pss.MarketListing) (Alert, bool) {
	w.mu.Lock()
	entry, watched := w.items[l.ItemID]
	w.mu.Unlock()
	if !watched {
		return Alert{}, false
	}
	it, ok := w.cat.Item(l.ItemID)
	if !ok {
		logger.Warn("MARKET", fmt.Sprintf("Listing %d: item %d not in catalog", l.ID, l.ItemID))
		return Alert{}, false
	}
	if !matches(it, entry, l) {
		return Alert{}, false
	}

	baseline, ok := w.baseline(ctx, entry)
	if !ok {
		return Alert{}, false
	}
	bands, err := engine.PriceBands(it, baseline, l.BonusStat, l.BonusValue)
	if err != nil {
		logger.Warn("MARKET", fmt.Sprintf("Listing %d: %v", l.ID, err))
		return Alert{}, false
	}
	verdict := engine.Classify(bands, l.Currency, l.UnitPrice)

	var sold []float64
	if l.BonusStat != "" {
		sold, err = w.store.SoldPrices(l.ItemID, l.BonusStat, l.BonusValue, soldSpread)
		if err != nil {
			logger.Warn("MARKET", fmt.Sprintf("Sold history for %s: %v", it.Name, err))
		}
	}
	return Alert{
		Feed:     FeedMarket,
		ItemID:   it.ID,
		ItemName: it.Name,
		Verdict:  verdict.String(),
		Price:    l.UnitPrice,
		Text:     FormatListing(it.Name, l, verdict, bands, baseline, sold),
	}, true
}

// baseline returns the cached baseline, refreshing it first when stale.
// A failed refresh falls back to the stale value when there is one and is not
// retried for that item until refreshBackoff has passed.
func (w *MarketWatcher) baseline(ctx context.Context, entry db.WatchedItem) (float64, bool) {
	now := w.clock.Now()
	if !engine.Stale(entry.BaselinePrice, entry.PriceUpdatedAt, now) {
		return *entry.BaselinePrice, true
	}
	if until, ok := w.retryAt[entry.ItemID]; ok && now.Before(until) {
		if entry.BaselinePrice != nil {
			return *entry.BaselinePrice, true
		}
		return 0, false
	}
	name := w.cat.ItemName(entry.ItemID)
	sales, err := w.src.RecentSales(ctx, entry.ItemID, w.opts.Lookback, w.opts.MaxSamples)
	if err == nil {
		var p float64
		p, err = engine.Baseline(sales)
		if err == nil {
			delete(w.retryAt, entry.ItemID)
			w.storePrice(entry.ItemID, p, now)
			logger.Info("MARKET", fmt.Sprintf("Baseline for %s is %s from %d sales", name, humanize.Commaf(math.Round(p)), len(sales)))
			return p, true
		}
	}
	w.retryAt[entry.ItemID] = now.Add(refreshBackoff)
	if errors.Is(err, engine.ErrNoPriceData) {
		logger.Warn("MARKET", fmt.Sprintf("No starbux sales for %s, skipping", name))
	} else {
		logger.Warn("MARKET", fmt.Sprintf("Baseline refresh for %s failed: %v", name, err))
	}
	if entry.BaselinePrice != nil {
		return *entry.BaselinePrice, true
	}
	return 0, false
}

func (w *MarketWatcher) storePrice(itemID int32, price float64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.items[itemID]
	if !ok {
		return
	}
	prev := entry
	entry.BaselinePrice = &price
	entry.PriceUpdatedAt = at
	w.items[itemID] = entry
	if err := w.store.SaveWatchedItems(w.snapshotLocked()); err != nil {
		w.items[itemID] = prev
		logger.Warn("MARKET", fmt.Sprintf("Could not persist baseline: %v", err))
	}
}

// FormatListing renders a market notification.
func FormatListing(name string, l pss.MarketListing, v engine.Verdict, b engine.Bands, baseline float64, sold []float64) string {
	var sb strings.Builder
	sb.WriteString(v.Emoji())
	sb.WriteString(" <b>")
	sb.WriteString(html.EscapeString(name))
	sb.WriteString("</b>")
	if l.BonusStat != "" {
		sign := "+"
		if l.BonusValue < 0 {
			sign = ""
		}
		fmt.Fprintf(&sb, " %s%s %s", sign, strconv.FormatFloat(l.BonusValue, 'f', -1, 64), engine.Abbrev(l.BonusStat))
	}
	if l.Quantity > 1 {
		fmt.Fprintf(&sb, " x%d", l.Quantity)
	}
	fmt.Fprintf(&sb, " for %s %s", price(l.UnitPrice), l.Currency)
	if l.Currency == pss.CurrencyStarbux {
		fmt.Fprintf(&sb, " (cheap &lt; %s, ok &lt; %s, base %s)", price(b.Cheap), price(b.Fair), price(baseline))
	}
	if len(sold) > 0 {
		fmt.Fprintf(&sb, " sold avg %s (%d)", price(stat.Mean(sold, nil)), len(sold))
	}
	sb.WriteString("\n")
	sb.WriteString(ItemLinkBase)
	sb.WriteString(strconv.Itoa(int(l.ItemID)))
	return sb.String()
}

func price(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}
