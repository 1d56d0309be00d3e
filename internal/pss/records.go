package pss

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rarity is an item design rarity tier.
type Rarity int

const (
	RarityUnknown Rarity = iota
	RarityCommon
	RarityElite
	RarityUnique
	RarityEpic
	RarityHero
	RaritySpecial
	RarityLegendary
)

var rarityNames = map[Rarity]string{
	RarityCommon:    "Common",
	RarityElite:     "Elite",
	RarityUnique:    "Unique",
	RarityEpic:      "Epic",
	RarityHero:      "Hero",
	RaritySpecial:   "Special",
	RarityLegendary: "Legendary",
}

func (r Rarity) String() string {
	if s, ok := rarityNames[r]; ok {
		return s
	}
	return "Unknown"
}

// ParseRarity parses a rarity name case-insensitively.
func ParseRarity(s string) (Rarity, error) {
	for r, name := range rarityNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return RarityUnknown, fmt.Errorf("unknown rarity %q", s)
}

// CurrencyStarbux is the premium currency; only starbux prices are banded.
const CurrencyStarbux = "starbux"

// ItemDesign is one entry of the item catalog.
type ItemDesign struct {
	ID               int32   `json:"id"`
	Name             string  `json:"name"`
	Rarity           Rarity  `json:"rarity"`
	SubType          string  `json:"sub_type"`
	EnhancementType  string  `json:"enhancement_type"` // primary stat, "" when none
	EnhancementValue float64 `json:"enhancement_value"`
	MarketPrice      float64 `json:"market_price"`
}

// StatRange is a character stat at level 1 and at max level.
type StatRange struct {
	Initial float64 `json:"initial"`
	Final   float64 `json:"final"`
}

// CharacterDesign is one entry of the character (crew) catalog.
type CharacterDesign struct {
	ID    int32                `json:"id"`
	Name  string               `json:"name"`
	Stats map[string]StatRange `json:"stats"`
}

// Sale is a completed marketplace sale.
type Sale struct {
	ID         int64
	ItemID     int32
	Quantity   int
	Currency   string
	Amount     float64
	UnitPrice  float64
	BonusStat  string
	BonusValue float64
	Date       time.Time
}

// MarketListing is one active marketplace offer.
type MarketListing struct {
	ID         int64
	ItemID     int32
	Quantity   int
	Currency   string
	Amount     float64 // total asked
	UnitPrice  float64 // Amount / Quantity
	BonusStat  string  // "" when the item carries no bonus roll
	BonusValue float64
	Date       time.Time
}

// EquippedItem is an item worn by a donated crew member.
type EquippedItem struct {
	ItemID     int32
	BonusStat  string
	BonusValue float64
}

// DonatedCrew is a crew member lent to the alliance and available to borrow.
type DonatedCrew struct {
	CharacterID  int32
	Name         string
	Level        int
	Owner        string
	Improvements map[string]float64 // stat -> training percent
	Items        []EquippedItem
}

// Key is a canonical string of the full record; two candidates with equal keys
// are the same candidate.
func (c DonatedCrew) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%d|%s", c.CharacterID, c.Name, c.Level, c.Owner)
	stats := make([]string, 0, len(c.Improvements))
	for s := range c.Improvements {
		stats = append(stats, s)
	}
	sort.Strings(stats)
	for _, s := range stats {
		fmt.Fprintf(&b, "|%s=%g", s, c.Improvements[s])
	}
	for _, it := range c.Items {
		fmt.Fprintf(&b, "|i%d:%s:%g", it.ItemID, it.BonusStat, it.BonusValue)
	}
	return b.String()
}

// Alliance is a fleet as listed by the ranking endpoint.
type Alliance struct {
	ID   int64
	Name string
}

// Lot is one "kind:id[xN]" entry of a merchant reward or cost string.
type Lot struct {
	Kind   string // "item", "starbux", "mineral", ...
	ID     int32  // item design id for kind "item"
	Amount int
}

// TraderLot is one merchant offer: a reward and what it costs.
type TraderLot struct {
	Reward Lot
	Cost   Lot
}

// TraderOffer is the current merchant ship stock.
type TraderOffer struct {
	Expires time.Time
	Lots    []TraderLot
}

// trackedStats lists stats whose training improvement is reported per crew.
var trackedStats = []string{"Hp", "Attack", "Repair", "Ability", "Pilot", "Science", "Engine", "Weapon", "Stamina", "FireResistance"}

// characterStatAttrs maps a stat to its initial/final attributes in CharacterDesign rows.
var characterStatAttrs = map[string][2]string{
	"Hp":             {"Hp", "FinalHp"},
	"Attack":         {"Attack", "FinalAttack"},
	"Repair":         {"Repair", "FinalRepair"},
	"Weapon":         {"Weapon", "FinalWeapon"},
	"Science":        {"Science", "FinalScience"},
	"Engine":         {"Engine", "FinalEngine"},
	"Pilot":          {"Pilot", "FinalPilot"},
	"Ability":        {"SpecialAbilityArgument", "SpecialAbilityFinalArgument"},
	"Stamina":        {"Stamina", "Stamina"},
	"FireResistance": {"FireResistance", "FireResistance"},
}

func normalizeStat(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "None") {
		return ""
	}
	return s
}

// parseItemDesign builds an ItemDesign from an ItemDesign row.
func parseItemDesign(r row) (ItemDesign, error) {
	id, err := r.int("ItemDesignId")
	if err != nil {
		return ItemDesign{}, err
	}
	name := r.str("ItemDesignName")
	if name == "" {
		return ItemDesign{}, fmt.Errorf("item %d: missing ItemDesignName", id)
	}
	rarity := RarityUnknown
	if r.has("Rarity") {
		if rarity, err = ParseRarity(r.str("Rarity")); err != nil {
			return ItemDesign{}, fmt.Errorf("item %d: %w", id, err)
		}
	}
	enh, err := r.floatOr("EnhancementValue", 0)
	if err != nil {
		return ItemDesign{}, fmt.Errorf("item %d: %w", id, err)
	}
	price, err := r.floatOr("MarketPrice", 0)
	if err != nil {
		return ItemDesign{}, fmt.Errorf("item %d: %w", id, err)
	}
	return ItemDesign{
		ID:               int32(id),
		Name:             name,
		Rarity:           rarity,
		SubType:          r.str("ItemSubType"),
		EnhancementType:  normalizeStat(r.str("EnhancementType")),
		EnhancementValue: enh,
		MarketPrice:      price,
	}, nil
}

func parseCharacterDesign(r row) (CharacterDesign, error) {
	id, err := r.int("CharacterDesignId")
	if err != nil {
		return CharacterDesign{}, err
	}
	c := CharacterDesign{
		ID:    int32(id),
		Name:  r.str("CharacterDesignName"),
		Stats: make(map[string]StatRange, len(characterStatAttrs)),
	}
	for stat, keys := range characterStatAttrs {
		initial, err := r.floatOr(keys[0], 0)
		if err != nil {
			return CharacterDesign{}, fmt.Errorf("character %d: %w", id, err)
		}
		final, err := r.floatOr(keys[1], initial)
		if err != nil {
			return CharacterDesign{}, fmt.Errorf("character %d: %w", id, err)
		}
		c.Stats[stat] = StatRange{Initial: initial, Final: final}
	}
	return c, nil
}

func parseSale(r row) (Sale, error) {
	id, err := r.int("SaleId")
	if err != nil {
		return Sale{}, err
	}
	itemID, err := r.int("ItemDesignId")
	if err != nil {
		return Sale{}, fmt.Errorf("sale %d: %w", id, err)
	}
	qty, err := r.intOr("Quantity", 1)
	if err != nil || qty <= 0 {
		return Sale{}, fmt.Errorf("sale %d: bad quantity", id)
	}
	amount, err := r.float("CurrencyValue")
	if err != nil {
		return Sale{}, fmt.Errorf("sale %d: %w", id, err)
	}
	bonus, err := r.floatOr("BonusEnhancementValue", 0)
	if err != nil {
		return Sale{}, fmt.Errorf("sale %d: %w", id, err)
	}
	date, err := r.time("StatusDate")
	if err != nil {
		return Sale{}, fmt.Errorf("sale %d: %w", id, err)
	}
	return Sale{
		ID:         id,
		ItemID:     int32(itemID),
		Quantity:   int(qty),
		Currency:   strings.ToLower(r.str("CurrencyType")),
		Amount:     amount,
		UnitPrice:  amount / float64(qty),
		BonusStat:  normalizeStat(r.str("BonusEnhancementType")),
		BonusValue: bonus,
		Date:       date,
	}, nil
}

// bonusPattern matches the bonus roll in a market message, e.g. "(+5.2 Hp)".
var bonusPattern = regexp.MustCompile(`\(\s*\+?(-?\d*\.?\d+)\s+([A-Za-z]+)\s*\)`)

func parseMarketListing(r row) (MarketListing, error) {
	id, err := r.int("SaleId")
	if err != nil {
		return MarketListing{}, err
	}
	currency, amount, err := parseActivityArgument(r.str("ActivityArgument"))
	if err != nil {
		return MarketListing{}, fmt.Errorf("listing %d: %w", id, err)
	}
	itemID, err := r.intOr("ItemDesignId", 0)
	if err != nil {
		return MarketListing{}, fmt.Errorf("listing %d: %w", id, err)
	}
	qty, err := r.intOr("Quantity", 1)
	if err != nil || qty <= 0 {
		return MarketListing{}, fmt.Errorf("listing %d: bad quantity", id)
	}
	date, err := r.time("MessageDate")
	if err != nil {
		return MarketListing{}, fmt.Errorf("listing %d: %w", id, err)
	}
	l := MarketListing{
		ID:        id,
		ItemID:    int32(itemID),
		Quantity:  int(qty),
		Currency:  currency,
		Amount:    amount,
		UnitPrice: amount / float64(qty),
		Date:      date,
	}
	if m := bonusPattern.FindStringSubmatch(r.str("Message")); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return MarketListing{}, fmt.Errorf("listing %d: bad bonus %q", id, m[1])
		}
		l.BonusValue = v
		l.BonusStat = m[2]
	}
	return l, nil
}

// parseActivityArgument splits "starbux:550" into currency and amount.
func parseActivityArgument(s string) (string, float64, error) {
	currency, amount, ok := strings.Cut(s, ":")
	if !ok || currency == "" {
		return "", 0, fmt.Errorf("bad ActivityArgument %q", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad ActivityArgument %q", s)
	}
	return strings.ToLower(strings.TrimSpace(currency)), v, nil
}

func parseDonatedCrew(r row) (DonatedCrew, error) {
	charID, err := r.int("CharacterDesignId")
	if err != nil {
		return DonatedCrew{}, err
	}
	level, err := r.intOr("Level", 1)
	if err != nil {
		return DonatedCrew{}, fmt.Errorf("crew %d: %w", charID, err)
	}
	c := DonatedCrew{
		CharacterID:  int32(charID),
		Name:         r.str("CharacterName"),
		Level:        int(level),
		Owner:        r.str("OwnerUsername"),
		Improvements: make(map[string]float64),
	}
	for _, stat := range trackedStats {
		v, err := r.floatOr(stat+"Improvement", 0)
		if err != nil {
			return DonatedCrew{}, fmt.Errorf("crew %d: %w", charID, err)
		}
		if v != 0 {
			c.Improvements[stat] = v
		}
	}

	// Flattened form: comma separated columns.
	if r.has("ItemDesignIDs") {
		ids := strings.Split(r.str("ItemDesignIDs"), ",")
		stats := strings.Split(r.str("ItemBonusStats"), ",")
		vals := strings.Split(r.str("ItemBonusVals"), ",")
		for i, raw := range ids {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
			if err != nil {
				return DonatedCrew{}, fmt.Errorf("crew %d: bad item id %q", charID, raw)
			}
			it := EquippedItem{ItemID: int32(id)}
			if i < len(stats) {
				it.BonusStat = normalizeStat(stats[i])
			}
			if i < len(vals) && strings.TrimSpace(vals[i]) != "" {
				if it.BonusValue, err = strconv.ParseFloat(strings.TrimSpace(vals[i]), 64); err != nil {
					return DonatedCrew{}, fmt.Errorf("crew %d: bad bonus value %q", charID, vals[i])
				}
			}
			c.Items = append(c.Items, it)
		}
		return c, nil
	}

	for _, ir := range r.child("Item") {
		id, err := ir.int("ItemDesignId")
		if err != nil {
			return DonatedCrew{}, fmt.Errorf("crew %d: %w", charID, err)
		}
		bonus, err := ir.floatOr("BonusEnhancementValue", 0)
		if err != nil {
			return DonatedCrew{}, fmt.Errorf("crew %d: %w", charID, err)
		}
		c.Items = append(c.Items, EquippedItem{
			ItemID:     int32(id),
			BonusStat:  normalizeStat(ir.str("BonusEnhancementType")),
			BonusValue: bonus,
		})
	}
	return c, nil
}

func parseAlliance(r row) (Alliance, error) {
	id, err := r.int("AllianceId")
	if err != nil {
		return Alliance{}, err
	}
	return Alliance{ID: id, Name: r.str("AllianceName")}, nil
}

// parseLots parses a "|" separated list of "kind:id[xN]" entries.
func parseLots(s string) ([]Lot, error) {
	var out []Lot
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, rest, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("bad lot %q", part)
		}
		idStr, qtyStr, hasQty := strings.Cut(rest, "x")
		n, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad lot %q", part)
		}
		lot := Lot{Kind: strings.ToLower(kind), Amount: 1}
		if lot.Kind == "item" {
			lot.ID = int32(n)
			if hasQty {
				q, err := strconv.Atoi(qtyStr)
				if err != nil {
					return nil, fmt.Errorf("bad lot %q", part)
				}
				lot.Amount = q
			}
		} else {
			// Currency lots carry the amount in the id position.
			lot.Amount = int(n)
		}
		out = append(out, lot)
	}
	return out, nil
}

func parseTraderOffer(r row) (*TraderOffer, error) {
	expires, err := r.time("ExpiryDate")
	if err != nil {
		return nil, err
	}
	rewards, err := parseLots(r.str("RewardString"))
	if err != nil {
		return nil, fmt.Errorf("rewards: %w", err)
	}
	costs, err := parseLots(r.str("CostString"))
	if err != nil {
		return nil, fmt.Errorf("costs: %w", err)
	}
	offer := &TraderOffer{Expires: expires}
	for i, rw := range rewards {
		lot := TraderLot{Reward: rw}
		if i < len(costs) {
			lot.Cost = costs[i]
		}
		offer.Lots = append(offer.Lots, lot)
	}
	return offer, nil
}
