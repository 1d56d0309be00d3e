// Package catalog holds the item and character design tables. They are
// fetched once, cached as JSON in the data directory and read-only afterwards.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sahilm/fuzzy"

	"pss-watcher/internal/logger"
	"pss-watcher/internal/pss"
)

const (
	itemsFile      = "items.json"
	charactersFile = "characters.json"
)

// ErrUnknownItem is returned when a name does not resolve to an item design.
var ErrUnknownItem = errors.New("unknown item")

// priceCorrections overrides market prices the game reports badly.
var priceCorrections = map[string]float64{
	"Starburst Bulwark":  700,
	"Immensity Gauntlet": 700,
	"Rocket Pig":         600,
	"King Husky":         600,
}

// Fetcher downloads the design tables.
type Fetcher interface {
	ListItemDesigns(ctx context.Context) ([]pss.ItemDesign, error)
	ListCharacterDesigns(ctx context.Context) ([]pss.CharacterDesign, error)
}

// Catalog is the in-memory design lookup.
type Catalog struct {
	items      map[int32]pss.ItemDesign
	itemByName map[string]int32 // exact name -> id, first wins
	itemByLow  map[string]int32 // lowercase name -> id, first wins
	itemNames  []string
	chars      map[int32]pss.CharacterDesign
}

// New builds a catalog from already loaded designs.
func New(items []pss.ItemDesign, chars []pss.CharacterDesign) *Catalog {
	c := &Catalog{
		items:      make(map[int32]pss.ItemDesign, len(items)),
		itemByName: make(map[string]int32, len(items)),
		itemByLow:  make(map[string]int32, len(items)),
		itemNames:  make([]string, 0, len(items)),
		chars:      make(map[int32]pss.CharacterDesign, len(chars)),
	}
	for _, it := range items {
		if _, dup := c.items[it.ID]; dup {
			continue
		}
		c.items[it.ID] = it
		if _, ok := c.itemByName[it.Name]; !ok {
			c.itemByName[it.Name] = it.ID
			c.itemNames = append(c.itemNames, it.Name)
		}
		low := strings.ToLower(it.Name)
		if _, ok := c.itemByLow[low]; !ok {
			c.itemByLow[low] = it.ID
		}
	}
	for _, ch := range chars {
		c.chars[ch.ID] = ch
	}
	return c
}

// Load reads the cached tables from dataDir, fetching and caching whichever
// table is missing.
func Load(ctx context.Context, dataDir string, f Fetcher) (*Catalog, error) {
	items, err := loadOrFetch(dataDir, itemsFile, func() ([]pss.ItemDesign, error) {
		logger.Info("CATALOG", "Downloading item designs...")
		return f.ListItemDesigns(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("item designs: %w", err)
	}
	chars, err := loadOrFetch(dataDir, charactersFile, func() ([]pss.CharacterDesign, error) {
		logger.Info("CATALOG", "Downloading character designs...")
		return f.ListCharacterDesigns(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("character designs: %w", err)
	}

	c := New(items, chars)
	logger.Section("Catalog")
	logger.Stats("Item designs", len(c.items))
	logger.Stats("Character designs", len(c.chars))
	return c, nil
}

func loadOrFetch[T any](dir, name string, fetch func() ([]T, error)) ([]T, error) {
	path := filepath.Join(dir, name)
	if raw, err := os.ReadFile(path); err == nil {
		var out []T
		if err := json.Unmarshal(raw, &out); err == nil && len(out) > 0 {
			return out, nil
		}
		logger.Warn("CATALOG", fmt.Sprintf("Ignoring unreadable cache %s", path))
	}

	out, err := fetch()
	if err != nil {
		return nil, err
	}
	if err := writeCache(path, out); err != nil {
		logger.Warn("CATALOG", fmt.Sprintf("Could not write cache %s: %v", path, err))
	}
	return out, nil
}

// writeCache replaces path atomically so a crash never leaves half a file.
func writeCache(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Item returns the design with the given id.
func (c *Catalog) Item(id int32) (pss.ItemDesign, bool) {
	it, ok := c.items[id]
	return it, ok
}

// ItemByName resolves an exact name, falling back to a case-insensitive match.
func (c *Catalog) ItemByName(name string) (pss.ItemDesign, error) {
	name = strings.TrimSpace(name)
	id, ok := c.itemByName[name]
	if !ok {
		id, ok = c.itemByLow[strings.ToLower(name)]
	}
	if !ok {
		return pss.ItemDesign{}, fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	return c.items[id], nil
}

// ItemName returns the item's name, or a placeholder for unknown ids.
func (c *Catalog) ItemName(id int32) string {
	if it, ok := c.items[id]; ok {
		return it.Name
	}
	return fmt.Sprintf("item #%d", id)
}

// Enhancement returns the item's primary stat and its value.
func (c *Catalog) Enhancement(id int32) (string, float64) {
	it, ok := c.items[id]
	if !ok {
		return "", 0
	}
	return it.EnhancementType, it.EnhancementValue
}

// MarketPrice returns the game's reference price for an item.
func (c *Catalog) MarketPrice(id int32) float64 {
	it, ok := c.items[id]
	if !ok {
		return 0
	}
	if p, ok := priceCorrections[it.Name]; ok {
		return p
	}
	return it.MarketPrice
}

// Character returns the character design with the given id.
func (c *Catalog) Character(id int32) (pss.CharacterDesign, bool) {
	ch, ok := c.chars[id]
	return ch, ok
}

// Suggest returns up to n item names that fuzzily match name, best first.
func (c *Catalog) Suggest(name string, n int) []string {
	matches := fuzzy.Find(name, c.itemNames)
	out := make([]string, 0, n)
	for _, m := range matches {
		if len(out) == n {
			break
		}
		out = append(out, m.Str)
	}
	return out
}
