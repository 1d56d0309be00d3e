package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

const keyAllianceID = "alliance_id"

func (d *DB) getState(key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read state %s: %w", key, err)
	}
	return v, true, nil
}

func (d *DB) setState(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

// AllianceID returns the monitored alliance, or nil when none is configured.
func (d *DB) AllianceID() (*int64, error) {
	v, ok, err := d.getState(keyAllianceID)
	if err != nil || !ok {
		return nil, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alliance id %q: %w", v, err)
	}
	return &id, nil
}

// SetAllianceID stores the monitored alliance.
func (d *DB) SetAllianceID(id int64) error {
	return d.setState(keyAllianceID, strconv.FormatInt(id, 10))
}
