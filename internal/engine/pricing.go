package engine

import (
	"fmt"
	"strings"

	"pss-watcher/internal/pss"
)

// Verdict is the price classification of a listing.
type Verdict int

const (
	Cheap Verdict = iota
	OK
	Expensive
)

func (v Verdict) String() string {
	switch v {
	case Cheap:
		return "Cheap"
	case OK:
		return "OK"
	default:
		return "Expensive"
	}
}

// Emoji is the severity marker used in notifications.
func (v Verdict) Emoji() string {
	switch v {
	case Cheap:
		return "🟢"
	case OK:
		return "🟡"
	default:
		return "🔴"
	}
}

// Bands holds the price thresholds for one listing. A tracked-currency price
// below Cheap is cheap, below Fair is OK and anything else is expensive.
type Bands struct {
	Cheap float64
	Fair  float64
}

// CanHaveSubstats reports whether items of this design roll bonus stats.
func CanHaveSubstats(it pss.ItemDesign) bool {
	if !strings.Contains(it.SubType, "Equipment") {
		return false
	}
	switch it.Rarity {
	case pss.RarityHero, pss.RaritySpecial, pss.RarityLegendary:
		return true
	}
	return false
}

// PriceBands computes the thresholds for a listing of item with the given
// baseline. bonusStat is empty when the listing carries no roll.
func PriceBands(it pss.ItemDesign, baseline float64, bonusStat string, magnitude float64) (Bands, error) {
	if !CanHaveSubstats(it) || bonusStat == "" {
		return flatBands(baseline), nil
	}
	maxRoll, ok := StatMax[bonusStat]
	if !ok {
		return Bands{}, fmt.Errorf("%w %q", ErrUnknownStat, bonusStat)
	}
	return RollBands(baseline, ScoreBonus(it.EnhancementType, bonusStat), 1+magnitude/maxRoll), nil
}

func flatBands(p float64) Bands {
	return Bands{Cheap: 0.9 * p, Fair: 1.1 * p}
}

// RollBands scales the baseline by the roll's importance and its size
// relative to the best known roll (statPct = 1 + magnitude/max).
func RollBands(p float64, imp Importance, statPct float64) Bands {
	i := float64(imp)
	if i < 0 {
		fair := p * (1 + i)
		return Bands{Cheap: 0.9 * fair, Fair: fair}
	}
	sq := statPct * statPct
	return Bands{
		Cheap: p + i*(p/2*statPct+p/6*sq),
		Fair:  p + i*(p*statPct+p*sq),
	}
}

// Classify places a unit price into the bands. Prices in any other currency
// are not compared and always count as cheap.
func Classify(b Bands, currency string, price float64) Verdict {
	if currency != pss.CurrencyStarbux {
		return Cheap
	}
	switch {
	case price < b.Cheap:
		return Cheap
	case price < b.Fair:
		return OK
	default:
		return Expensive
	}
}
