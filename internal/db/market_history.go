package db

import (
	"fmt"
	"log"
	"math"
	"time"

	"pss-watcher/internal/pss"
)

// ListingRetention bounds how long an observed listing stays tracked.
const ListingRetention = 24 * time.Hour

// SoldListing is a listing that vanished from the market while tracked.
type SoldListing struct {
	ListingID  int64
	ItemID     int32
	BonusStat  string
	BonusValue float64
	Currency   string
	Price      float64
	ListedAt   time.Time
	Duration   time.Duration
}

// RecordListings stores observed listings. Already known ids are ignored.
func (d *DB) RecordListings(listings []pss.MarketListing, now time.Time) error {
	if len(listings) == 0 {
		return nil
	}
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO market_listings
			(listing_id, item_id, bonus_stat, bonus_value, currency, price, listed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range listings {
		listed := l.Date
		if listed.IsZero() {
			listed = now
		}
		if _, err := stmt.Exec(l.ID, l.ItemID, l.BonusStat, l.BonusValue, l.Currency, l.UnitPrice, listed.Unix()); err != nil {
			return fmt.Errorf("insert listing %d: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

// LastListingID returns the highest tracked listing id, or 0.
func (d *DB) LastListingID() (int64, error) {
	var id int64
	err := d.sql.QueryRow("SELECT COALESCE(MAX(listing_id), 0) FROM market_listings").Scan(&id)
	return id, err
}

// ReconcileListings moves every tracked listing of the given items that is
// absent from active into market_sold and drops tracked listings older than
// ListingRetention. active must be a complete snapshot of those items.
func (d *DB) ReconcileListings(items []int32, active []pss.MarketListing, now time.Time) (sold int, err error) {
	scope := make(map[int32]struct{}, len(items))
	for _, id := range items {
		scope[id] = struct{}{}
	}
	live := make(map[int64]struct{}, len(active))
	for _, l := range active {
		live[l.ID] = struct{}{}
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT listing_id, item_id, bonus_stat, bonus_value, currency, price, listed_at
		  FROM market_listings`)
	if err != nil {
		return 0, fmt.Errorf("query listings: %w", err)
	}
	var gone []SoldListing
	for rows.Next() {
		var (
			s        SoldListing
			listedAt int64
		)
		if err := rows.Scan(&s.ListingID, &s.ItemID, &s.BonusStat, &s.BonusValue, &s.Currency, &s.Price, &listedAt); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := scope[s.ItemID]; !ok {
			continue
		}
		if _, ok := live[s.ListingID]; ok {
			continue
		}
		s.ListedAt = time.Unix(listedAt, 0).UTC()
		s.Duration = now.Sub(s.ListedAt)
		gone = append(gone, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, s := range gone {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO market_sold
				(listing_id, item_id, bonus_stat, bonus_value, currency, price, listed_at, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ListingID, s.ItemID, s.BonusStat, s.BonusValue, s.Currency, s.Price, s.ListedAt.Unix(), int64(s.Duration/time.Second))
		if err != nil {
			return 0, fmt.Errorf("mark listing %d sold: %w", s.ListingID, err)
		}
		if _, err := tx.Exec("DELETE FROM market_listings WHERE listing_id = ?", s.ListingID); err != nil {
			return 0, err
		}
	}

	res, err := tx.Exec("DELETE FROM market_listings WHERE listed_at < ?", now.Add(-ListingRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune listings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[DB] ReconcileListings: pruned %d stale listings", n)
	}
	return len(gone), nil
}

// SoldPrices returns sold prices for an item whose bonus roll is the same stat
// with a magnitude within ±spread (fractional) of value.
func (d *DB) SoldPrices(itemID int32, stat string, value, spread float64) ([]float64, error) {
	lo, hi := value*(1-spread), value*(1+spread)
	lo, hi = math.Min(lo, hi), math.Max(lo, hi)
	rows, err := d.sql.Query(`
		SELECT price FROM market_sold
		 WHERE item_id = ? AND bonus_stat = ?
		   AND bonus_value > ? AND bonus_value < ?
		 ORDER BY listing_id`, itemID, stat, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query sold prices: %w", err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}
