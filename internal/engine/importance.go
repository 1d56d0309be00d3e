package engine

// Importance weights how much a bonus roll is worth on an item whose primary
// stat is different.
type Importance float64

const (
	High     Importance = 1.0
	Moderate Importance = 0.5
	Slightly Importance = 0.2
	Neutral  Importance = 0.0
	Low      Importance = -0.2
)

var supportStats = map[string]bool{"Weapon": true, "Science": true, "Engine": true, "Pilot": true}

// survival stats pair well with each other.
var survivalStats = map[string]bool{"Hp": true, "Stamina": true, "FireResistance": true, "Attack": true}

// ScoreBonus scores a bonus stat against an item's primary stat. It is
// symmetric in its arguments.
func ScoreBonus(primary, bonus string) Importance {
	if primary == bonus {
		return High
	}
	ps, bs := supportStats[primary], supportStats[bonus]
	switch {
	case ps && bs:
		return Low
	case ps || bs:
		switch {
		case either(primary, bonus, "Ability"):
			return Neutral
		case either(primary, bonus, "Hp"):
			return Moderate
		case either(primary, bonus, "Repair"):
			return Neutral
		default:
			return Slightly
		}
	}
	if survivalStats[primary] && survivalStats[bonus] {
		return Moderate
	}
	return Slightly
}

func either(a, b, stat string) bool { return a == stat || b == stat }
