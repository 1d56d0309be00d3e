// Package bot turns chat commands into watch-list edits and queries.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/db"
	"pss-watcher/internal/engine"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/notify"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
	"pss-watcher/internal/watch"
)

// Market is the market watch-list.
type Market interface {
	Add(name string, stats []string) (watch.WatchedEntry, error)
	Remove(name string) (bool, error)
	List() []watch.WatchedEntry
}

// Trader is the trader watch-list.
type Trader interface {
	Add(name string) (string, error)
	Remove(name string) (bool, error)
	List() []string
}

// Fleet is the donated crew watcher.
type Fleet interface {
	AddCrewStat(stat string, threshold float64) (string, error)
	RemoveCrewStat(stat string) (bool, error)
	CrewStats() map[string]float64
	SetAlliance(ctx context.Context, name string) (bool, error)
	CurrentMatches(ctx context.Context) ([]string, error)
}

// History answers alert statistics queries.
type History interface {
	AlertCounts(since time.Time) (map[string]int, error)
	GetAlertHistory(feed string, limit int) ([]db.AlertHistoryEntry, error)
}

// Handler executes one command line and returns the HTML reply.
type Handler struct {
	market  Market
	trader  Trader
	fleet   Fleet
	history History
	cat     *catalog.Catalog
	clock   schedule.Clock
	started time.Time
}

// NewHandler wires the command handler.
func NewHandler(m Market, t Trader, f Fleet, h History, cat *catalog.Catalog, clock schedule.Clock) *Handler {
	if clock == nil {
		clock = schedule.Real{}
	}
	return &Handler{market: m, trader: t, fleet: f, history: h, cat: cat, clock: clock, started: clock.Now()}
}

const suggestions = 3

const helpText = `Commands:
/market - list watched market items
/market add "Item Name" [stat ...] - watch listings, all stats when none given
/market remove "Item Name"
/trader - list watched trader items
/trader add "Item Name"
/trader remove "Item Name"
/crew - list crew thresholds
/crew add Stat value - report donated crew above value
/crew remove Stat
/crew now - evaluate the current donation list
/fleet Name - set the monitored fleet
/stats - alert counts for the last 24 hours
/alerts [market|trader|fleet] - recent alerts`

// Handle runs a command. sender is the display name of the author.
func (h *Handler) Handle(ctx context.Context, text, sender string) string {
	toks, err := tokenize(text)
	if err != nil {
		return "Could not parse command: " + err.Error()
	}
	cmd, args := command(toks)
	switch cmd {
	case "start":
		return fmt.Sprintf("Hello, <b>%s</b>!\n\n%s", html.EscapeString(sender), helpText)
	case "help":
		return helpText
	case "market":
		return h.marketCmd(args)
	case "trader":
		return h.traderCmd(args)
	case "crew":
		return h.crewCmd(ctx, args)
	case "fleet":
		return h.fleetCmd(ctx, args)
	case "stats":
		return h.statsCmd()
	case "alerts":
		return h.alertsCmd(args)
	case "":
		return ""
	default:
		return "Unknown command.\n" + helpText
	}
}

// itemArgs splits args into an item name and what follows. A quoted first
// argument is the name. Otherwise the longest run of leading words that
// names a catalog item wins, falling back to every word up to the first stat.
func (h *Handler) itemArgs(args []token) (string, []token) {
	if len(args) == 0 {
		return "", nil
	}
	if args[0].quoted {
		return args[0].text, args[1:]
	}
	for n := len(args); n > 0; n-- {
		name := join(args[:n])
		if _, err := h.cat.ItemByName(name); err == nil {
			return name, args[n:]
		}
	}
	n := 1
	for n < len(args) {
		if _, err := engine.NormalizeStat(args[n].text); err == nil {
			break
		}
		n++
	}
	return join(args[:n]), args[n:]
}

func (h *Handler) unknownItem(name string) string {
	reply := fmt.Sprintf("Unknown item name %q.", name)
	if alt := h.cat.Suggest(name, suggestions); len(alt) > 0 {
		reply += " Did you mean: " + strings.Join(alt, ", ") + "?"
	}
	return html.EscapeString(reply)
}

func (h *Handler) itemError(name string, err error) string {
	switch {
	case errors.Is(err, catalog.ErrUnknownItem):
		return h.unknownItem(name)
	case errors.Is(err, engine.ErrUnknownStat):
		return html.EscapeString(err.Error()) + ". Stats: " + strings.Join(engine.StatNames(), " ")
	default:
		logger.Error("BOT", err.Error())
		return "Internal error: " + html.EscapeString(err.Error())
	}
}

const marketUsage = "Usage:\n/market add \"King Husky\" Weapon HP\n/market remove \"King Husky\""

func (h *Handler) marketCmd(args []token) string {
	if len(args) == 0 {
		return h.marketList()
	}
	sub, rest := strings.ToLower(args[0].text), args[1:]
	switch sub {
	case "add":
		name, stats := h.itemArgs(rest)
		if name == "" {
			return marketUsage
		}
		e, err := h.market.Add(name, texts(stats))
		if err != nil {
			return h.itemError(name, err) + "\n" + marketUsage
		}
		return fmt.Sprintf("Added <b>%s</b> for %s.", html.EscapeString(e.Name), abbrevs(e.Stats))
	case "remove":
		name, _ := h.itemArgs(rest)
		if name == "" {
			return marketUsage
		}
		ok, err := h.market.Remove(name)
		if err != nil {
			return h.itemError(name, err)
		}
		if !ok {
			return "No such item."
		}
		return "Removed successfully."
	default:
		return marketUsage
	}
}

func (h *Handler) marketList() string {
	list := h.market.List()
	if len(list) == 0 {
		return "No market items watched.\n" + marketUsage
	}
	var sb strings.Builder
	sb.WriteString("Current items:")
	for _, e := range list {
		fmt.Fprintf(&sb, "\n%d: <b>%s</b>: %s", e.ItemID, html.EscapeString(e.Name), abbrevs(e.Stats))
		if e.Baseline != nil {
			fmt.Fprintf(&sb, " (base %s)", humanize.Comma(int64(*e.Baseline+0.5)))
		}
	}
	return sb.String()
}

func abbrevs(stats []string) string {
	if len(stats) == len(engine.StatMax) {
		return "any stat"
	}
	out := make([]string, len(stats))
	for i, s := range stats {
		out[i] = engine.Abbrev(s)
	}
	return strings.Join(out, " ")
}

const traderUsage = "Usage:\n/trader add \"Gas Canister\"\n/trader remove \"Gas Canister\""

func (h *Handler) traderCmd(args []token) string {
	if len(args) == 0 {
		list := h.trader.List()
		if len(list) == 0 {
			return "No trader items watched.\n" + traderUsage
		}
		return "Trader items:\n" + html.EscapeString(strings.Join(list, "\n"))
	}
	name, _ := h.itemArgs(args[1:])
	if name == "" {
		return traderUsage
	}
	switch strings.ToLower(args[0].text) {
	case "add":
		canon, err := h.trader.Add(name)
		if err != nil {
			return h.itemError(name, err) + "\n" + traderUsage
		}
		return fmt.Sprintf("Watching <b>%s</b> at the trader.", html.EscapeString(canon))
	case "remove":
		ok, err := h.trader.Remove(name)
		if err != nil {
			return h.itemError(name, err)
		}
		if !ok {
			return "No such item."
		}
		return "Removed successfully."
	default:
		return traderUsage
	}
}

const crewUsage = "Usage:\n/crew add Pilot 50\n/crew remove Pilot\n/crew now"

func (h *Handler) crewCmd(ctx context.Context, args []token) string {
	if len(args) == 0 {
		stats := h.fleet.CrewStats()
		if len(stats) == 0 {
			return "No crew stats watched.\n" + crewUsage
		}
		var sb strings.Builder
		sb.WriteString("Crew thresholds:")
		for _, s := range watch.SortedStats(stats) {
			fmt.Fprintf(&sb, "\n%s &gt; %s", s, strconv.FormatFloat(stats[s], 'f', -1, 64))
		}
		return sb.String()
	}
	switch strings.ToLower(args[0].text) {
	case "add":
		if len(args) != 3 {
			return crewUsage
		}
		v, err := strconv.ParseFloat(args[2].text, 64)
		if err != nil {
			return fmt.Sprintf("Bad threshold %q.\n%s", html.EscapeString(args[2].text), crewUsage)
		}
		stat, err := h.fleet.AddCrewStat(args[1].text, v)
		if err != nil {
			return h.itemError(args[1].text, err)
		}
		return fmt.Sprintf("Watching crew with %s &gt; %s.", stat, strconv.FormatFloat(v, 'f', -1, 64))
	case "remove":
		if len(args) != 2 {
			return crewUsage
		}
		ok, err := h.fleet.RemoveCrewStat(args[1].text)
		if err != nil {
			return h.itemError(args[1].text, err)
		}
		if !ok {
			return "That stat is not watched."
		}
		return "Removed successfully."
	case "now":
		matches, err := h.fleet.CurrentMatches(ctx)
		if errors.Is(err, watch.ErrNoAlliance) {
			return "No fleet configured. Use /fleet Name first."
		}
		if err != nil {
			return "Could not fetch donated crew: " + errorText(err)
		}
		if len(matches) == 0 {
			return "No donated crew above the thresholds."
		}
		return strings.Join(matches, "\n")
	default:
		return crewUsage
	}
}

func (h *Handler) fleetCmd(ctx context.Context, args []token) string {
	name := join(args)
	if name == "" {
		return "Usage:\n/fleet \"Fleet Name\""
	}
	ok, err := h.fleet.SetAlliance(ctx, name)
	if err != nil {
		return "Could not look up fleet: " + errorText(err)
	}
	if !ok {
		return fmt.Sprintf("Fleet %s not found or not unique.", html.EscapeString(strconv.Quote(name)))
	}
	return fmt.Sprintf("Monitoring fleet <b>%s</b>.", html.EscapeString(name))
}

func (h *Handler) statsCmd() string {
	now := h.clock.Now()
	counts, err := h.history.AlertCounts(now.Add(-24 * time.Hour))
	if err != nil {
		return "Could not read alert history: " + html.EscapeString(err.Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Running since %s.\nAlerts in the last 24 hours:", humanize.RelTime(h.started, now, "ago", "from now"))
	feeds := make([]string, 0, len(counts))
	for f := range counts {
		feeds = append(feeds, f)
	}
	sort.Strings(feeds)
	if len(feeds) == 0 {
		sb.WriteString(" none")
	}
	for _, f := range feeds {
		fmt.Fprintf(&sb, "\n%s: %s", f, humanize.Comma(int64(counts[f])))
	}
	return sb.String()
}

const recentAlerts = 10

func (h *Handler) alertsCmd(args []token) string {
	feed := ""
	if len(args) > 0 {
		feed = strings.ToLower(args[0].text)
		switch feed {
		case watch.FeedMarket, watch.FeedTrader, watch.FeedFleet:
		default:
			return "Usage:\n/alerts [market|trader|fleet]"
		}
	}
	hist, err := h.history.GetAlertHistory(feed, recentAlerts)
	if err != nil {
		return "Could not read alert history: " + html.EscapeString(err.Error())
	}
	if len(hist) == 0 {
		return "No alerts yet."
	}
	now := h.clock.Now()
	var sb strings.Builder
	sb.WriteString("Recent alerts:")
	for _, a := range hist {
		when := a.SentAt
		if t, err := time.Parse(time.RFC3339, a.SentAt); err == nil {
			when = humanize.RelTime(t, now, "ago", "from now")
		}
		fmt.Fprintf(&sb, "\n[%s] <b>%s</b> %s", a.Feed, html.EscapeString(a.ItemName), when)
		if a.Feed == watch.FeedMarket {
			fmt.Fprintf(&sb, " - %s at %s", a.Verdict, humanize.Comma(int64(a.Price+0.5)))
		}
		if !a.Delivered {
			sb.WriteString(" (not delivered)")
		}
	}
	return sb.String()
}

// Chat is the Bot API surface the command loop needs.
type Chat interface {
	Updates(ctx context.Context, offset int64, timeout time.Duration) ([]notify.Update, error)
	SendTo(ctx context.Context, chatID, text string, rich bool) error
}

// Bot long-polls the chat for commands and answers them.
type Bot struct {
	chat    Chat
	chatID  string
	handler *Handler
	clock   schedule.Clock

	// LongPoll is the getUpdates wait; RetryDelay the pause after a failure.
	LongPoll   time.Duration
	RetryDelay time.Duration
}

// New creates a bot that only obeys messages from chatID.
func New(chat Chat, chatID string, handler *Handler, clock schedule.Clock) *Bot {
	if clock == nil {
		clock = schedule.Real{}
	}
	return &Bot{
		chat:       chat,
		chatID:     chatID,
		handler:    handler,
		clock:      clock,
		LongPoll:   30 * time.Second,
		RetryDelay: 5 * time.Second,
	}
}

// Run processes commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	logger.Info("BOT", "Listening for commands")
	var offset int64
	for {
		updates, err := b.chat.Updates(ctx, offset, b.LongPoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("BOT", fmt.Sprintf("getUpdates failed: %v", err))
			if err := b.clock.Sleep(ctx, b.RetryDelay); err != nil {
				return err
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.handle(ctx, u)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bot) handle(ctx context.Context, u notify.Update) {
	m := u.Message
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	if chatID != b.chatID {
		logger.Warn("BOT", fmt.Sprintf("Ignoring message from chat %s", chatID))
		return
	}
	reply := b.handler.Handle(ctx, m.Text, m.From.FullName())
	if reply == "" {
		return
	}
	if err := b.chat.SendTo(ctx, chatID, reply, true); err != nil {
		logger.Warn("BOT", fmt.Sprintf("Reply failed: %v", err))
	}
}

// Compile-time checks that the watchers satisfy the command surface.
var (
	_ Market = (*watch.MarketWatcher)(nil)
	_ Trader = (*watch.TraderWatcher)(nil)
	_ Fleet  = (*watch.FleetWatcher)(nil)
	_ Chat   = (*notify.Telegram)(nil)
)

// errorText shortens game API errors for chat replies.
func errorText(err error) string {
	switch {
	case errors.Is(err, pss.ErrRateLimited):
		return "rate limited"
	case errors.Is(err, pss.ErrFetchFailure):
		return "game API unavailable"
	}
	return html.EscapeString(err.Error())
}
