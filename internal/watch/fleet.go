package watch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"sync"
	"time"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/engine"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
)

// ErrNoAlliance is returned by queries that need a configured fleet.
var ErrNoAlliance = errors.New("no fleet configured")

// FleetSource fetches alliance data.
type FleetSource interface {
	DonatedCrew(ctx context.Context, allianceID int64) ([]pss.DonatedCrew, error)
	AllianceByName(ctx context.Context, name string) (int64, bool, error)
}

// FleetStore persists crew thresholds and the monitored alliance.
type FleetStore interface {
	CrewStats() (map[string]float64, error)
	SaveCrewStats(stats map[string]float64) error
	AllianceID() (*int64, error)
	SetAllianceID(id int64) error
}

// FleetOptions tunes the donated crew poller.
type FleetOptions struct {
	Poll time.Duration
	Idle time.Duration // wait while no fleet or no stat is configured
}

// FleetWatcher reports donated crew whose stats exceed watched thresholds.
type FleetWatcher struct {
	mu         sync.Mutex
	thresholds map[string]float64
	allianceID *int64

	// Last donation list and its keys; only crew absent from it are new.
	snapshot []pss.DonatedCrew
	seen     map[string]struct{}

	src    FleetSource
	store  FleetStore
	cat    *catalog.Catalog
	notify *Notifier
	clock  schedule.Clock
	opts   FleetOptions
}

// NewFleetWatcher loads the persisted thresholds and alliance.
func NewFleetWatcher(src FleetSource, store FleetStore, cat *catalog.Catalog, notify *Notifier, clock schedule.Clock, opts FleetOptions) (*FleetWatcher, error) {
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	if opts.Idle <= 0 {
		opts.Idle = 2 * time.Second
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	stats, err := store.CrewStats()
	if err != nil {
		return nil, fmt.Errorf("load crew stats: %w", err)
	}
	alliance, err := store.AllianceID()
	if err != nil {
		return nil, fmt.Errorf("load alliance: %w", err)
	}
	return &FleetWatcher{
		thresholds: stats,
		allianceID: alliance,
		src:        src,
		store:      store,
		cat:        cat,
		notify:     notify,
		clock:      clock,
		opts:       opts,
	}, nil
}

// AddCrewStat watches stat with the given minimum, replacing any previous one.
func (w *FleetWatcher) AddCrewStat(stat string, threshold float64) (string, error) {
	name, err := engine.NormalizeStat(stat)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	next := copyThresholds(w.thresholds)
	next[name] = threshold
	if err := w.store.SaveCrewStats(next); err != nil {
		return "", fmt.Errorf("save crew stats: %w", err)
	}
	w.thresholds = next
	logger.Info("FLEET", fmt.Sprintf("Watching crew with %s > %g", name, threshold))
	return name, nil
}

// RemoveCrewStat stops watching stat. It reports false if it was not watched.
func (w *FleetWatcher) RemoveCrewStat(stat string) (bool, error) {
	name, err := engine.NormalizeStat(stat)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.thresholds[name]; !ok {
		return false, nil
	}
	next := copyThresholds(w.thresholds)
	delete(next, name)
	if err := w.store.SaveCrewStats(next); err != nil {
		return false, fmt.Errorf("save crew stats: %w", err)
	}
	w.thresholds = next
	return true, nil
}

// CrewStats returns a copy of the watched thresholds.
func (w *FleetWatcher) CrewStats() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyThresholds(w.thresholds)
}

// SetAlliance looks the fleet up by name and monitors it. It reports false
// when the name does not identify exactly one fleet.
func (w *FleetWatcher) SetAlliance(ctx context.Context, name string) (bool, error) {
	id, ok, err := w.src.AllianceByName(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.store.SetAllianceID(id); err != nil {
		return false, fmt.Errorf("save alliance: %w", err)
	}
	if w.allianceID == nil || *w.allianceID != id {
		w.snapshot, w.seen = nil, nil
	}
	w.allianceID = &id
	logger.Info("FLEET", fmt.Sprintf("Monitoring fleet %q (%d)", name, id))
	return true, nil
}

func (w *FleetWatcher) state() (*int64, map[string]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allianceID, copyThresholds(w.thresholds)
}

// Run polls until ctx is cancelled, idling while nothing is configured.
func (w *FleetWatcher) Run(ctx context.Context) error {
	for {
		wait := w.opts.Idle
		if alliance, stats := w.state(); alliance != nil && len(stats) > 0 {
			if err := w.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("FLEET", fmt.Sprintf("Poll failed: %v", err))
			}
			wait = w.opts.Poll
		}
		if err := w.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Poll fetches the donation list and notifies about crew that were not in the
// previous list and exceed a watched threshold.
func (w *FleetWatcher) Poll(ctx context.Context) error {
	alliance, stats := w.state()
	if alliance == nil {
		return ErrNoAlliance
	}
	crew, err := w.src.DonatedCrew(ctx, *alliance)
	if err != nil {
		return err
	}

	keys := make(map[string]struct{}, len(crew))
	for _, c := range crew {
		keys[c.Key()] = struct{}{}
	}

	w.mu.Lock()
	if w.allianceID == nil || *w.allianceID != *alliance {
		// Fleet changed while fetching; this list belongs to the old one.
		w.mu.Unlock()
		return nil
	}
	prev := w.seen
	w.snapshot, w.seen = crew, keys
	w.mu.Unlock()

	for _, c := range crew {
		if _, old := prev[c.Key()]; old {
			continue
		}
		for _, a := range w.evaluate(c, stats) {
			w.notify.Notify(ctx, a)
		}
	}
	return nil
}

// CurrentMatches evaluates every crew in the last donation list, fetching one
// if no poll has run yet.
func (w *FleetWatcher) CurrentMatches(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	alliance, stats, crew := w.allianceID, copyThresholds(w.thresholds), w.snapshot
	w.mu.Unlock()

	if crew == nil {
		if alliance == nil {
			return nil, ErrNoAlliance
		}
		var err error
		if crew, err = w.src.DonatedCrew(ctx, *alliance); err != nil {
			return nil, err
		}
	}
	var out []string
	for _, c := range crew {
		for _, a := range w.evaluate(c, stats) {
			out = append(out, a.Text)
		}
	}
	return out, nil
}

func (w *FleetWatcher) evaluate(c pss.DonatedCrew, stats map[string]float64) []Alert {
	ch, ok := w.cat.Character(c.CharacterID)
	if !ok {
		logger.Warn("FLEET", fmt.Sprintf("Crew %q: character %d not in catalog", c.Name, c.CharacterID))
		return nil
	}
	var out []Alert
	for _, m := range engine.EvaluateCrew(ch, c, stats, w.cat) {
		out = append(out, Alert{
			Feed:     FeedFleet,
			ItemID:   c.CharacterID,
			ItemName: c.Name,
			Verdict:  "Cheap",
			Price:    m.Value,
			Text:     FormatCrewMatch(c, m),
		})
	}
	return out
}

// FormatCrewMatch renders a donated crew notification.
func FormatCrewMatch(c pss.DonatedCrew, m engine.CrewMatch) string {
	return fmt.Sprintf("🟢 <i>crew available</i> - <b>%s</b> - <b>%s</b> - %s %d",
		html.EscapeString(c.Name), html.EscapeString(c.Owner), m.Stat, int(m.Value))
}

func copyThresholds(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortedStats returns threshold names in order.
func SortedStats(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
