package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WatchedItem is one market watch-list entry.
type WatchedItem struct {
	ItemID int32
	// Stats holds the watched bonus stats. Never empty once added: a wildcard
	// add stores every known stat.
	Stats          []string
	BaselinePrice  *float64
	PriceUpdatedAt time.Time
}

// WatchedItems returns the market watch-list ordered by item id.
func (d *DB) WatchedItems() ([]WatchedItem, error) {
	rows, err := d.sql.Query(`
		SELECT item_id, stats_json, baseline_price, price_updated_at
		  FROM watched_items
		 ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("query watched items: %w", err)
	}
	defer rows.Close()

	items := []WatchedItem{}
	for rows.Next() {
		var (
			it        WatchedItem
			statsJSON string
			price     sql.NullFloat64
			updatedAt string
		)
		if err := rows.Scan(&it.ItemID, &statsJSON, &price, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan watched item: %w", err)
		}
		if err := json.Unmarshal([]byte(statsJSON), &it.Stats); err != nil {
			return nil, fmt.Errorf("watched item %d stats: %w", it.ItemID, err)
		}
		if price.Valid {
			p := price.Float64
			it.BaselinePrice = &p
		}
		if updatedAt != "" {
			it.PriceUpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
			if err != nil {
				return nil, fmt.Errorf("watched item %d timestamp: %w", it.ItemID, err)
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveWatchedItems replaces the whole market watch-list in one transaction.
func (d *DB) SaveWatchedItems(items []WatchedItem) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM watched_items"); err != nil {
		return fmt.Errorf("clear watched items: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO watched_items (item_id, stats_json, baseline_price, price_updated_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		stats := it.Stats
		if stats == nil {
			stats = []string{}
		}
		statsJSON, _ := json.Marshal(stats)
		var price interface{}
		if it.BaselinePrice != nil {
			price = *it.BaselinePrice
		}
		updatedAt := ""
		if !it.PriceUpdatedAt.IsZero() {
			updatedAt = it.PriceUpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(it.ItemID, string(statsJSON), price, updatedAt); err != nil {
			return fmt.Errorf("insert watched item %d: %w", it.ItemID, err)
		}
	}
	return tx.Commit()
}

// TraderItems returns the trader watch-list in ascending order.
func (d *DB) TraderItems() ([]int32, error) {
	rows, err := d.sql.Query("SELECT item_id FROM trader_items ORDER BY item_id")
	if err != nil {
		return nil, fmt.Errorf("query trader items: %w", err)
	}
	defer rows.Close()

	ids := []int32{}
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveTraderItems replaces the trader watch-list.
func (d *DB) SaveTraderItems(ids []int32) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM trader_items"); err != nil {
		return fmt.Errorf("clear trader items: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("INSERT OR IGNORE INTO trader_items (item_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("insert trader item %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// CrewStats returns the watched crew stat thresholds.
func (d *DB) CrewStats() (map[string]float64, error) {
	rows, err := d.sql.Query("SELECT stat, threshold FROM crew_stats")
	if err != nil {
		return nil, fmt.Errorf("query crew stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			stat string
			thr  float64
		)
		if err := rows.Scan(&stat, &thr); err != nil {
			return nil, err
		}
		out[stat] = thr
	}
	return out, rows.Err()
}

// SaveCrewStats replaces the crew stat thresholds.
func (d *DB) SaveCrewStats(stats map[string]float64) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM crew_stats"); err != nil {
		return fmt.Errorf("clear crew stats: %w", err)
	}
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tx.Exec("INSERT INTO crew_stats (stat, threshold) VALUES (?, ?)", name, stats[name]); err != nil {
			return fmt.Errorf("insert crew stat %s: %w", name, err)
		}
	}
	return tx.Commit()
}
