package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"pss-watcher/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps writers serialised and makes ":memory:" usable.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS state (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS watched_items (
				item_id          INTEGER PRIMARY KEY,
				stats_json       TEXT NOT NULL DEFAULT '[]',
				baseline_price   REAL,
				price_updated_at TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS trader_items (
				item_id INTEGER PRIMARY KEY
			);

			CREATE TABLE IF NOT EXISTS crew_stats (
				stat      TEXT PRIMARY KEY,
				threshold REAL NOT NULL
			);

			CREATE TABLE IF NOT EXISTS device (
				id              INTEGER PRIMARY KEY,
				device_key      TEXT NOT NULL,
				access_token    TEXT NOT NULL DEFAULT '',
				last_login      INTEGER NOT NULL DEFAULT 0,
				can_login_until INTEGER NOT NULL DEFAULT 0
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	if version < 2 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS market_listings (
				listing_id  INTEGER PRIMARY KEY,
				item_id     INTEGER NOT NULL,
				bonus_stat  TEXT NOT NULL DEFAULT '',
				bonus_value REAL NOT NULL DEFAULT 0,
				currency    TEXT NOT NULL,
				price       REAL NOT NULL,
				listed_at   INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_market_listings_time ON market_listings(listed_at);

			CREATE TABLE IF NOT EXISTS market_sold (
				listing_id       INTEGER PRIMARY KEY,
				item_id          INTEGER NOT NULL,
				bonus_stat       TEXT NOT NULL DEFAULT '',
				bonus_value      REAL NOT NULL DEFAULT 0,
				currency         TEXT NOT NULL,
				price            REAL NOT NULL,
				listed_at        INTEGER NOT NULL,
				duration_seconds INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_market_sold_item ON market_sold(item_id, bonus_stat);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("DB", "Applied migration v2 (market history)")
	}

	if version < 3 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS alert_history (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				feed      TEXT NOT NULL,
				item_id   INTEGER NOT NULL DEFAULT 0,
				item_name TEXT NOT NULL DEFAULT '',
				verdict   TEXT NOT NULL DEFAULT '',
				price     REAL NOT NULL DEFAULT 0,
				message   TEXT NOT NULL,
				delivered INTEGER NOT NULL DEFAULT 1,
				error     TEXT NOT NULL DEFAULT '',
				sent_at   TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_alert_history_sent ON alert_history(sent_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (3);
		`)
		if err != nil {
			return fmt.Errorf("migration v3: %w", err)
		}
		logger.Info("DB", "Applied migration v3 (alert history)")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB for use by other packages (e.g. auth store).
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
