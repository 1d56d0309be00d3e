package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownStat is returned for stat names outside the max-roll table.
var ErrUnknownStat = errors.New("unknown stat")

// StatMax is the largest bonus roll known for each stat.
var StatMax = map[string]float64{
	"Weapon":         6.7,
	"Ability":        15.7,
	"Science":        9.7,
	"Hp":             3.0,
	"Stamina":        25,
	"Attack":         0.7,
	"FireResistance": 56.2,
	"Engine":         6.7,
	"Pilot":          10.5,
	"Repair":         10.5,
}

var statAbbrev = map[string]string{
	"Weapon":         "WPN",
	"Ability":        "ABL",
	"Science":        "SCI",
	"Hp":             "HP",
	"Stamina":        "STA",
	"Attack":         "ATK",
	"FireResistance": "RST",
	"Engine":         "ENG",
	"Pilot":          "PLT",
	"Repair":         "RPR",
}

// StatNames returns every known stat, sorted.
func StatNames() []string {
	names := make([]string, 0, len(StatMax))
	for k := range StatMax {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NormalizeStat resolves a user supplied stat name (any case, or its
// abbreviation) to its canonical spelling.
func NormalizeStat(s string) (string, error) {
	s = strings.TrimSpace(s)
	for name, abbr := range statAbbrev {
		if strings.EqualFold(s, name) || strings.EqualFold(s, abbr) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w %q (known: %s)", ErrUnknownStat, s, strings.Join(StatNames(), ", "))
}

// Abbrev returns the short label used in notifications.
func Abbrev(stat string) string {
	if a, ok := statAbbrev[stat]; ok {
		return a
	}
	return stat
}
