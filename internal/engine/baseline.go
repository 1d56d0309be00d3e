package engine

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"pss-watcher/internal/pss"
)

// ErrNoPriceData means no sale in the tracked currency was available.
var ErrNoPriceData = errors.New("no price data")

const (
	// BaselineTTL is how long a cached baseline stays fresh.
	BaselineTTL = time.Hour
	// BaselineLookback and BaselineSamples bound the refresh fetch.
	BaselineLookback = 10 * 24 * time.Hour
	BaselineSamples  = 100
)

// Baseline returns the outlier-trimmed mean unit price of the starbux sales.
// Prices outside one standard deviation of the mean are dropped once; if that
// leaves nothing the plain mean is used.
func Baseline(sales []pss.Sale) (float64, error) {
	prices := make([]float64, 0, len(sales))
	for _, s := range sales {
		if s.Currency == pss.CurrencyStarbux {
			prices = append(prices, s.UnitPrice)
		}
	}
	return TrimmedMean(prices)
}

// TrimmedMean implements the trim used by Baseline on raw prices.
func TrimmedMean(prices []float64) (float64, error) {
	if len(prices) == 0 {
		return 0, ErrNoPriceData
	}
	if len(prices) == 1 {
		return prices[0], nil
	}
	m, s := stat.MeanStdDev(prices, nil)

	kept := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p > m-s && p < m+s {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return m, nil
	}
	return stat.Mean(kept, nil), nil
}

// Stale reports whether a cached baseline needs a refresh at now.
func Stale(price *float64, updatedAt, now time.Time) bool {
	if price == nil || math.IsNaN(*price) {
		return true
	}
	return now.Sub(updatedAt) > BaselineTTL
}
