// Package watch runs the market, trader and fleet pollers. Each watcher owns
// its watch-list, persists every mutation in the same call and reports
// matches to a chat sink.
package watch

import (
	"context"
	"fmt"
	"time"

	"pss-watcher/internal/db"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/schedule"
)

// Feed names used in alert history.
const (
	FeedMarket = "market"
	FeedTrader = "trader"
	FeedFleet  = "fleet"
)

// Sink delivers a chat message. rich enables HTML formatting.
type Sink interface {
	Send(ctx context.Context, text string, rich bool) error
}

// AlertLog records delivered alerts.
type AlertLog interface {
	SaveAlertHistory(entry db.AlertHistoryEntry) error
}

// Alert is one notification produced by a watcher.
type Alert struct {
	Feed     string
	ItemID   int32
	ItemName string
	Verdict  string
	Price    float64
	Text     string
}

// Notifier sends alerts to the sink and records them. Delivery failures are
// logged and never stop the caller.
type Notifier struct {
	sink  Sink
	log   AlertLog
	clock schedule.Clock
}

// NewNotifier wraps sink. log may be nil.
func NewNotifier(sink Sink, log AlertLog, clock schedule.Clock) *Notifier {
	if clock == nil {
		clock = schedule.Real{}
	}
	return &Notifier{sink: sink, log: log, clock: clock}
}

// Notify sends a and records the outcome.
func (n *Notifier) Notify(ctx context.Context, a Alert) {
	err := n.sink.Send(ctx, a.Text, true)
	if err != nil {
		logger.Warn("NOTIFY", fmt.Sprintf("Send failed for %s alert: %v", a.Feed, err))
	} else {
		logger.Info("NOTIFY", fmt.Sprintf("[%s] %s", a.Feed, a.ItemName))
	}
	if n.log == nil {
		return
	}
	entry := db.AlertHistoryEntry{
		Feed:      a.Feed,
		ItemID:    a.ItemID,
		ItemName:  a.ItemName,
		Verdict:   a.Verdict,
		Price:     a.Price,
		Message:   a.Text,
		Delivered: err == nil,
		SentAt:    n.clock.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := n.log.SaveAlertHistory(entry); lerr != nil {
		logger.Warn("NOTIFY", fmt.Sprintf("Could not record alert: %v", lerr))
	}
}
