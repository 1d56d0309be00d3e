package auth

import (
	"database/sql"
	"fmt"
	"time"
)

// DeviceState is the persisted part of a Device.
type DeviceState struct {
	Key           string
	AccessToken   string
	LastLogin     time.Time
	CanLoginUntil time.Time
}

// DeviceStore handles device persistence in SQLite.
// The device table is created by the db package migrations.
type DeviceStore struct {
	db *sql.DB
}

// NewDeviceStore creates a store backed by the given SQL database.
func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// Load returns the stored device, or nil if none was saved yet.
func (s *DeviceStore) Load() (*DeviceState, error) {
	var (
		st                  DeviceState
		lastLogin, canUntil int64
	)
	err := s.db.QueryRow(`
		SELECT device_key, access_token, last_login, can_login_until
		  FROM device
		 WHERE id = 1`).Scan(&st.Key, &st.AccessToken, &lastLogin, &canUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	st.LastLogin = unixOrZero(lastLogin)
	st.CanLoginUntil = unixOrZero(canUntil)
	return &st, nil
}

// Save stores or replaces the device.
func (s *DeviceStore) Save(st DeviceState) error {
	_, err := s.db.Exec(`
		INSERT INTO device (id, device_key, access_token, last_login, can_login_until)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_key = excluded.device_key,
			access_token = excluded.access_token,
			last_login = excluded.last_login,
			can_login_until = excluded.can_login_until`,
		st.Key, st.AccessToken, zeroOrUnix(st.LastLogin), zeroOrUnix(st.CanLoginUntil),
	)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// Delete removes the stored device so the next start creates a new one.
func (s *DeviceStore) Delete() error {
	_, err := s.db.Exec(`DELETE FROM device`)
	return err
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func zeroOrUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
