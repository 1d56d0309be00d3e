package watch

import (
	"sort"

	"pss-watcher/internal/pss"
)

// Watermark tracks the highest listing id processed on a feed.
type Watermark struct {
	last int64
}

// Last returns the current watermark, 0 before the first batch.
func (w *Watermark) Last() int64 { return w.last }

// Filter returns the listings newer than the watermark in ascending id order
// and advances the watermark over the whole batch.
func (w *Watermark) Filter(listings []pss.MarketListing) []pss.MarketListing {
	var fresh []pss.MarketListing
	high := w.last
	for _, l := range listings {
		if l.ID > w.last {
			fresh = append(fresh, l)
		}
		if l.ID > high {
			high = l.ID
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	w.last = high
	return fresh
}
