// Package notify talks to the Telegram Bot API: outgoing messages for alerts
// and command replies, and long-polled updates for incoming commands.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageLen is the Bot API limit for one message, in characters.
const MaxMessageLen = 4096

// ErrAPI is returned when the Bot API answers with ok=false.
var ErrAPI = errors.New("telegram api error")

// Telegram is a minimal Bot API client bound to one bot token and one chat.
type Telegram struct {
	http   *http.Client
	base   string // <baseURL>/bot<token>
	chatID string
}

// NewTelegram creates a client. baseURL may be empty for the public API.
func NewTelegram(baseURL, token, chatID string) *Telegram {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Telegram{
		// Long polls hold the connection for up to a minute; deadlines come from ctx.
		http:   &http.Client{Timeout: 90 * time.Second},
		base:   strings.TrimRight(baseURL, "/") + "/bot" + token,
		chatID: chatID,
	}
}

// ChatID is the configured alert chat.
func (t *Telegram) ChatID() string { return t.chatID }

type sendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

// Send posts text to the configured chat. rich enables HTML parse mode.
func (t *Telegram) Send(ctx context.Context, text string, rich bool) error {
	return t.SendTo(ctx, t.chatID, text, rich)
}

// SendTo posts text to chatID, splitting it into several messages when it
// exceeds MaxMessageLen.
func (t *Telegram) SendTo(ctx context.Context, chatID, text string, rich bool) error {
	for _, part := range SplitMessage(text, MaxMessageLen) {
		req := sendRequest{ChatID: chatID, Text: part, DisableWebPagePreview: true}
		if rich {
			req.ParseMode = "HTML"
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if _, err := t.call(ctx, http.MethodPost, "sendMessage", nil, body); err != nil {
			return err
		}
	}
	return nil
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Update is one entry of getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Updates long-polls for updates with ids >= offset, waiting up to timeout
// for the first one.
func (t *Telegram) Updates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)
	raw, err := t.call(ctx, http.MethodGet, "getUpdates", q, nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) call(ctx context.Context, method, name string, q url.Values, body []byte) (json.RawMessage, error) {
	u := t.base + "/" + name
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("%s: %w", name, uerr.Err)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", name, err)
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s: HTTP %d: %w", name, resp.StatusCode, err)
	}
	if !r.OK {
		return nil, fmt.Errorf("%w: %s: %d %s", ErrAPI, name, r.ErrorCode, r.Description)
	}
	return r.Result, nil
}

// SplitMessage cuts text into chunks of at most limit characters, preferring
// line breaks as cut points.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	var cur strings.Builder
	n := 0
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, strings.TrimSuffix(cur.String(), "\n"))
			cur.Reset()
			n = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		ln := utf8.RuneCountInString(line)
		if n+ln > limit {
			flush()
		}
		for ln > limit {
			// A single line longer than the limit is cut hard.
			r := []rune(line)
			parts = append(parts, string(r[:limit]))
			line = string(r[limit:])
			ln -= limit
		}
		cur.WriteString(line)
		n += ln
	}
	flush()
	return parts
}
