package db

import (
	"time"
)

// AlertHistoryEntry represents a notification handed to the chat sink.
type AlertHistoryEntry struct {
	ID        int64   `json:"id"`
	Feed      string  `json:"feed"` // market, trader, fleet
	ItemID    int32   `json:"item_id"`
	ItemName  string  `json:"item_name"`
	Verdict   string  `json:"verdict"`
	Price     float64 `json:"price"`
	Message   string  `json:"message"`
	Delivered bool    `json:"delivered"`
	Error     string  `json:"error,omitempty"`
	SentAt    string  `json:"sent_at"`
}

// SaveAlertHistory records a sent alert to the history table.
func (d *DB) SaveAlertHistory(entry AlertHistoryEntry) error {
	if entry.SentAt == "" {
		entry.SentAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := d.sql.Exec(`
		INSERT INTO alert_history (
			feed, item_id, item_name, verdict, price, message, delivered, error, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Feed,
		entry.ItemID,
		entry.ItemName,
		entry.Verdict,
		entry.Price,
		entry.Message,
		entry.Delivered,
		entry.Error,
		entry.SentAt,
	)
	return err
}

// GetAlertHistory returns the newest alerts first. If feed is empty, returns
// alerts of every feed. Limit 0 means unlimited.
func (d *DB) GetAlertHistory(feed string, limit int) ([]AlertHistoryEntry, error) {
	query := `
		SELECT id, feed, item_id, item_name, verdict, price, message, delivered, error, sent_at
		  FROM alert_history
	`
	var args []interface{}
	if feed != "" {
		query += " WHERE feed = ?"
		args = append(args, feed)
	}
	query += " ORDER BY sent_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AlertHistoryEntry
	for rows.Next() {
		var e AlertHistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.Feed,
			&e.ItemID,
			&e.ItemName,
			&e.Verdict,
			&e.Price,
			&e.Message,
			&e.Delivered,
			&e.Error,
			&e.SentAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if entries == nil {
		return []AlertHistoryEntry{}, nil
	}
	return entries, rows.Err()
}

// AlertCounts returns how many alerts each feed produced since the given time.
func (d *DB) AlertCounts(since time.Time) (map[string]int, error) {
	rows, err := d.sql.Query(`
		SELECT feed, COUNT(*) FROM alert_history
		 WHERE sent_at >= ?
		 GROUP BY feed`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			feed string
			n    int
		)
		if err := rows.Scan(&feed, &n); err != nil {
			return nil, err
		}
		out[feed] = n
	}
	return out, rows.Err()
}

// CleanupOldAlertHistory removes alert history older than the specified number of days.
func (d *DB) CleanupOldAlertHistory(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339)
	res, err := d.sql.Exec("DELETE FROM alert_history WHERE sent_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
