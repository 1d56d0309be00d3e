package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pss-watcher/internal/schedule"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *DeviceStore {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	_, err = sqlDB.Exec(`CREATE TABLE device (
		id              INTEGER PRIMARY KEY,
		device_key      TEXT NOT NULL,
		access_token    TEXT NOT NULL DEFAULT '',
		last_login      INTEGER NOT NULL DEFAULT 0,
		can_login_until INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return NewDeviceStore(sqlDB)
}

func TestChecksum_Known(t *testing.T) {
	if got := Checksum("0a1b2c3d4e5f", "DeviceTypeMac"); got != "a796a6fa1e4a74093f40da0655574bd6" {
		t.Errorf("Checksum = %q", got)
	}
}

func TestNewDeviceKey_Format(t *testing.T) {
	for i := 0; i < 50; i++ {
		k := NewDeviceKey()
		if len(k) != 12 {
			t.Fatalf("key %q length = %d, want 12", k, len(k))
		}
		if !strings.ContainsRune("26ae", rune(k[1])) {
			t.Fatalf("key %q second digit not in 26ae", k)
		}
	}
}

func TestDeviceStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	if st, err := s.Load(); err != nil || st != nil {
		t.Fatalf("Load on empty = %+v, %v", st, err)
	}
	want := DeviceState{
		Key:           "0a1b2c3d4e5f",
		AccessToken:   "tok",
		LastLogin:     time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC),
		CanLoginUntil: time.Date(2024, 6, 10, 23, 59, 59, 0, time.UTC),
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	want.AccessToken = "tok2"
	if err := s.Save(want); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err := s.Load()
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if *got != want {
		t.Errorf("Load = %+v, want %+v", *got, want)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.Load(); st != nil {
		t.Error("Load after Delete should be nil")
	}
}

func loginServer(t *testing.T, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, loginPath) {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("checksum") != Checksum(r.URL.Query().Get("deviceKey"), defaultDeviceType) {
			t.Errorf("bad checksum")
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDevice_LoginCachesTokenUntilTimeout(t *testing.T) {
	var calls int32
	srv := loginServer(t, `<UserService><UserLogin accessToken="abc"><User Name=""/></UserLogin></UserService>`, &calls)
	clock := schedule.NewFake(time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))
	store := openTestStore(t)
	d := NewDevice(nil, srv.URL, store, clock)

	ctx := context.Background()
	tok, err := d.AccessToken(ctx)
	if err != nil || tok != "abc" {
		t.Fatalf("AccessToken = %q, %v", tok, err)
	}
	clock.Advance(time.Minute)
	d.AccessToken(ctx)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (token cached)", calls)
	}
	clock.Advance(AccessTokenTimeout)
	d.AccessToken(ctx)
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (token expired)", calls)
	}
	d.Invalidate()
	d.AccessToken(ctx)
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3 (invalidated)", calls)
	}

	st, _ := store.Load()
	if st == nil || st.Key != d.Key() || st.AccessToken != "abc" {
		t.Errorf("persisted = %+v", st)
	}
	if want := time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC); !st.CanLoginUntil.Equal(want) {
		t.Errorf("CanLoginUntil = %v, want %v", st.CanLoginUntil, want)
	}
}

func TestDevice_LoginWindowCappedAtEndOfDay(t *testing.T) {
	var calls int32
	srv := loginServer(t, `<UserService><UserLogin accessToken="abc"/></UserService>`, &calls)
	clock := schedule.NewFake(time.Date(2024, 6, 10, 20, 0, 0, 0, time.UTC))
	d := NewDevice(nil, srv.URL, nil, clock)
	if _, err := d.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 6, 10, 23, 59, 59, 0, time.UTC); !d.canLoginUntil.Equal(want) {
		t.Errorf("canLoginUntil = %v, want %v", d.canLoginUntil, want)
	}
}

func TestDevice_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"in use", `<UserService><UserLogin accessToken="x"><User Name="RealPlayer"/></UserLogin></UserService>`, ErrDeviceInUse},
		{"error message", `<UserService><UserLogin errorMessage="Banned"/></UserService>`, ErrLogin},
		{"garbage", `not xml`, ErrLogin},
		{"no token", `<UserService><UserLogin/></UserService>`, ErrLogin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := loginServer(t, tt.body, &calls)
			d := NewDevice(nil, srv.URL, nil, schedule.NewFake(time.Now()))
			if _, err := d.AccessToken(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDevice_LoginWindowClosed(t *testing.T) {
	now := time.Date(2024, 6, 10, 23, 59, 59, 0, time.UTC).Add(time.Second / 2)
	d := NewDevice(&DeviceState{
		Key:           "0a1b2c3d4e5f",
		CanLoginUntil: time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC),
	}, "http://127.0.0.1:1", nil, schedule.NewFake(now))
	if _, err := d.AccessToken(context.Background()); !errors.Is(err, ErrLogin) {
		t.Errorf("err = %v, want ErrLogin", err)
	}
}
