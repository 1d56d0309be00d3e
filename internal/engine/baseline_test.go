package engine

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"pss-watcher/internal/pss"
)

func sales(prices ...float64) []pss.Sale {
	out := make([]pss.Sale, len(prices))
	for i, p := range prices {
		out[i] = pss.Sale{ID: int64(i + 1), Currency: pss.CurrencyStarbux, UnitPrice: p}
	}
	return out
}

func TestBaseline_TrimsOutliers(t *testing.T) {
	// mean 280, sample stddev ~402; 1000 falls outside, the rest stay.
	got, err := Baseline(sales(100, 100, 100, 100, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 100) {
		t.Errorf("Baseline = %v, want 100", got)
	}
}

func TestBaseline_IgnoresOtherCurrencies(t *testing.T) {
	s := sales(50, 50)
	s = append(s, pss.Sale{Currency: "gas", UnitPrice: 1e6})
	got, err := Baseline(s)
	if err != nil || !approx(got, 50) {
		t.Errorf("Baseline = %v, %v; want 50", got, err)
	}
}

func TestBaseline_NoData(t *testing.T) {
	if _, err := Baseline(nil); !errors.Is(err, ErrNoPriceData) {
		t.Errorf("err = %v, want ErrNoPriceData", err)
	}
	if _, err := Baseline([]pss.Sale{{Currency: "gas", UnitPrice: 3}}); !errors.Is(err, ErrNoPriceData) {
		t.Errorf("other-currency only: err = %v, want ErrNoPriceData", err)
	}
}

func TestTrimmedMean_FallsBackWhenTrimEmpties(t *testing.T) {
	// Identical prices give s == 0 and an empty open interval.
	got, err := TrimmedMean([]float64{10, 10, 10})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 10) {
		t.Errorf("TrimmedMean = %v, want 10", got)
	}
	if got, _ := TrimmedMean([]float64{42}); got != 42 {
		t.Errorf("single sample = %v", got)
	}
}

func TestTrimmedMean_WithinRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(30)
		prices := make([]float64, n)
		lo, hi := 1e18, -1e18
		for j := range prices {
			prices[j] = 1 + rng.Float64()*rng.Float64()*5000
			if prices[j] < lo {
				lo = prices[j]
			}
			if prices[j] > hi {
				hi = prices[j]
			}
		}
		got, err := TrimmedMean(prices)
		if err != nil {
			t.Fatal(err)
		}
		if got < lo-1e-9 || got > hi+1e-9 {
			t.Fatalf("TrimmedMean(%v) = %v outside [%v, %v]", prices, got, lo, hi)
		}
	}
}

func TestStale(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	p := 10.0
	if !Stale(nil, now, now) {
		t.Error("nil price should be stale")
	}
	if Stale(&p, now.Add(-59*time.Minute), now) {
		t.Error("59m old price should be fresh")
	}
	if !Stale(&p, now.Add(-61*time.Minute), now) {
		t.Error("61m old price should be stale")
	}
}
