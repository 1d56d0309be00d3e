package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pss-watcher/internal/logger"
	"pss-watcher/internal/schedule"
)

const (
	// AccessTokenTimeout is how long a device login token stays usable.
	AccessTokenTimeout = 3 * time.Minute

	loginPath         = "UserService/DeviceLogin8"
	defaultDeviceType = "DeviceTypeMac"
	checksumSalt      = "savysoda"
	loginWindow       = 15 * time.Hour
)

var (
	// ErrLogin is returned when the login endpoint rejects the device.
	ErrLogin = errors.New("device login failed")
	// ErrDeviceInUse means the device key belongs to a real player account.
	ErrDeviceInUse = errors.New("device already in use")
)

// Saver persists device state after every login.
type Saver interface {
	Save(DeviceState) error
}

// Device is an anonymous PSS device identity that logs in to obtain
// short-lived access tokens.
type Device struct {
	mu            sync.Mutex
	key           string
	deviceType    string
	accessToken   string
	lastLogin     time.Time
	canLoginUntil time.Time

	baseURL string
	http    *http.Client
	clock   schedule.Clock
	saver   Saver
}

// NewDevice restores a device from st, or creates a fresh one when st is nil.
func NewDevice(st *DeviceState, baseURL string, saver Saver, clock schedule.Clock) *Device {
	if clock == nil {
		clock = schedule.Real{}
	}
	d := &Device{
		deviceType: defaultDeviceType,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		clock:      clock,
		saver:      saver,
	}
	if st != nil && st.Key != "" {
		d.key = st.Key
		d.accessToken = st.AccessToken
		d.lastLogin = st.LastLogin
		d.canLoginUntil = st.CanLoginUntil
	} else {
		d.key = NewDeviceKey()
	}
	return d
}

// Key returns the device key.
func (d *Device) Key() string { return d.key }

// NewDeviceKey returns a random 12 hex digit device key whose second digit is
// one of 2, 6, a, e (a locally administered unicast MAC).
func NewDeviceKey() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	b[0] = (b[0] &^ 0x0f) | []byte{0x2, 0x6, 0xa, 0xe}[b[0]&0x3]
	return hex.EncodeToString(b[:])
}

// Checksum is the login checksum for a device key.
func Checksum(key, deviceType string) string {
	sum := md5.Sum([]byte(key + deviceType + checksumSalt))
	return hex.EncodeToString(sum[:])
}

func (d *Device) tokenExpired(now time.Time) bool {
	if d.accessToken == "" || d.lastLogin.IsZero() {
		return true
	}
	return !now.Before(d.lastLogin.Add(AccessTokenTimeout))
}

func (d *Device) canLogin(now time.Time) bool {
	if d.canLoginUntil.IsZero() {
		return true
	}
	return !(!d.canLoginUntil.After(now) && sameDay(d.canLoginUntil, now))
}

// AccessToken returns a valid token, logging in when the current one expired.
func (d *Device) AccessToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if !d.tokenExpired(now) {
		return d.accessToken, nil
	}
	if !d.canLogin(now) {
		return "", fmt.Errorf("%w: login window closed until tomorrow", ErrLogin)
	}
	logger.Info("AUTH", "Access token expired, logging in")
	if err := d.login(ctx, now); err != nil {
		return "", err
	}
	if d.saver != nil {
		if err := d.saver.Save(d.state()); err != nil {
			logger.Warn("AUTH", fmt.Sprintf("Could not persist device: %v", err))
		}
	}
	return d.accessToken, nil
}

// Invalidate drops the current token.
func (d *Device) Invalidate() {
	d.mu.Lock()
	d.accessToken = ""
	d.mu.Unlock()
}

func (d *Device) state() DeviceState {
	return DeviceState{
		Key:           d.key,
		AccessToken:   d.accessToken,
		LastLogin:     d.lastLogin,
		CanLoginUntil: d.canLoginUntil,
	}
}

type loginResponse struct {
	XMLName   xml.Name `xml:"UserService"`
	UserLogin struct {
		AccessToken  string `xml:"accessToken,attr"`
		ErrorMessage string `xml:"errorMessage,attr"`
		User         *struct {
			Name string `xml:"Name,attr"`
		} `xml:"User"`
	} `xml:"UserLogin"`
}

func (d *Device) login(ctx context.Context, now time.Time) error {
	q := url.Values{
		"advertisingKey": {`""`},
		"checksum":       {Checksum(d.key, d.deviceType)},
		"deviceKey":      {d.key},
		"deviceType":     {d.deviceType},
		"isJailBroken":   {"false"},
		"languageKey":    {"en"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/"+loginPath+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrLogin, err)
	}

	d.lastLogin = now
	var lr loginResponse
	if err := xml.Unmarshal(body, &lr); err != nil {
		d.accessToken = ""
		return fmt.Errorf("%w: %s", ErrLogin, strings.TrimSpace(string(body)))
	}
	if lr.UserLogin.ErrorMessage != "" {
		d.accessToken = ""
		return fmt.Errorf("%w: %s", ErrLogin, lr.UserLogin.ErrorMessage)
	}
	if lr.UserLogin.User != nil && lr.UserLogin.User.Name != "" {
		d.accessToken = ""
		return ErrDeviceInUse
	}
	if lr.UserLogin.AccessToken == "" {
		d.accessToken = ""
		return fmt.Errorf("%w: no access token in response", ErrLogin)
	}
	d.accessToken = lr.UserLogin.AccessToken
	d.extendLoginWindow(now)
	return nil
}

// extendLoginWindow allows logins for 15 hours after a login, but never past
// the end of the day the window started on.
func (d *Device) extendLoginWindow(now time.Time) {
	if !d.canLoginUntil.IsZero() && !now.After(d.canLoginUntil) {
		return
	}
	base := d.canLoginUntil
	if base.IsZero() {
		base = now
	}
	y, m, dd := base.UTC().Date()
	endOfDay := time.Date(y, m, dd+1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	until := now.Add(loginWindow)
	if endOfDay.Before(until) {
		until = endOfDay
	}
	d.canLoginUntil = until
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
