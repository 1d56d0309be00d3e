package engine

import (
	"sort"

	"pss-watcher/internal/pss"
)

// MaxLevel is the crew level cap.
const MaxLevel = 40

// StatAtLevel interpolates a character stat linearly from level 1 to 40.
func StatAtLevel(ch pss.CharacterDesign, level int, stat string) float64 {
	r, ok := ch.Stats[stat]
	if !ok {
		return 0
	}
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return r.Initial + (r.Final-r.Initial)*float64(level)/MaxLevel
}

// ItemLookup resolves the primary enhancement of an equipped item.
type ItemLookup interface {
	Enhancement(id int32) (stat string, value float64)
}

// EffectiveStat is the crew's stat including training and equipment.
func EffectiveStat(ch pss.CharacterDesign, crew pss.DonatedCrew, stat string, items ItemLookup) float64 {
	v := StatAtLevel(ch, crew.Level, stat)
	v *= (100 + crew.Improvements[stat]) / 100
	for _, eq := range crew.Items {
		if items != nil {
			if s, val := items.Enhancement(eq.ItemID); s == stat {
				v += val
			}
		}
		if eq.BonusStat == stat {
			v += eq.BonusValue
		}
	}
	return v
}

// CrewMatch is one watched stat a crew member exceeds.
type CrewMatch struct {
	Stat      string
	Value     float64
	Threshold float64
}

// EvaluateCrew checks the crew against every watched threshold and returns
// the stats strictly above their threshold, sorted by stat name.
func EvaluateCrew(ch pss.CharacterDesign, crew pss.DonatedCrew, thresholds map[string]float64, items ItemLookup) []CrewMatch {
	var out []CrewMatch
	for stat, thr := range thresholds {
		if v := EffectiveStat(ch, crew, stat, items); v > thr {
			out = append(out, CrewMatch{Stat: stat, Value: v, Threshold: thr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stat < out[j].Stat })
	return out
}
