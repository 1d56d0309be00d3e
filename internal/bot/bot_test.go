package bot

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/db"
	"pss-watcher/internal/notify"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
	"pss-watcher/internal/watch"
)

var t0 = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`/market`, []string{"/market"}},
		{`/market add "King Husky" HP ATK`, []string{"/market", "add", "King Husky", "HP", "ATK"}},
		{`/market  add   Rocket Pig`, []string{"/market", "add", "Rocket", "Pig"}},
		{`/trader add “Gas Canister”`, []string{"/trader", "add", "Gas Canister"}},
		{`/fleet ""`, []string{"/fleet", ""}},
	}
	for _, tt := range tests {
		toks, err := tokenize(tt.in)
		if err != nil {
			t.Errorf("tokenize(%q): %v", tt.in, err)
			continue
		}
		if got := texts(toks); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := tokenize(`/market add "King`); err == nil {
		t.Error("unterminated quote should fail")
	}
}

func TestCommand(t *testing.T) {
	toks, _ := tokenize("/Market@pss_bot add x")
	cmd, args := command(toks)
	if cmd != "market" || len(args) != 2 {
		t.Errorf("command = %q %v", cmd, args)
	}
	if cmd, _ := command([]token{{text: "hello"}}); cmd != "" {
		t.Errorf("plain text parsed as %q", cmd)
	}
}

type sink struct{}

func (sink) Send(context.Context, string, bool) error { return nil }

type fleetSource struct {
	crew []pss.DonatedCrew
}

func (f *fleetSource) DonatedCrew(context.Context, int64) ([]pss.DonatedCrew, error) {
	return f.crew, nil
}

func (f *fleetSource) AllianceByName(_ context.Context, name string) (int64, bool, error) {
	if name == "Star Fleet" {
		return 7, true, nil
	}
	return 0, false, nil
}

type fixture struct {
	h     *Handler
	db    *db.DB
	fleet *fleetSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	cat := catalog.New([]pss.ItemDesign{
		{ID: 1, Name: "King Husky", Rarity: pss.RarityLegendary, SubType: "EquipmentPet", EnhancementType: "Attack", EnhancementValue: 1},
		{ID: 2, Name: "Rocket Pig", Rarity: pss.RarityLegendary, SubType: "EquipmentPet"},
		{ID: 3, Name: "Gas Canister", Rarity: pss.RarityCommon, SubType: "Mineral"},
	}, []pss.CharacterDesign{
		{ID: 10, Name: "Pete", Stats: map[string]pss.StatRange{"Pilot": {Initial: 4, Final: 44}}},
	})
	clock := schedule.NewFake(t0)
	n := watch.NewNotifier(sink{}, d, clock)
	m, err := watch.NewMarketWatcher(nil, d, cat, n, clock, watch.MarketOptions{})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := watch.NewTraderWatcher(nil, d, cat, n, clock, watch.TraderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	fs := &fleetSource{}
	fl, err := watch.NewFleetWatcher(fs, d, cat, n, clock, watch.FleetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{h: NewHandler(m, tr, fl, d, cat, clock), db: d, fleet: fs}
}

func (f *fixture) run(t *testing.T, cmd string) string {
	t.Helper()
	return f.h.Handle(context.Background(), cmd, "Ann")
}

func TestHandler_Market(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		cmd      string
		contains string
	}{
		{`/market`, "No market items watched"},
		{`/market add "King Husky" ATK hp`, "Added <b>King Husky</b> for ATK HP."},
		{`/market add rocket pig`, "Added <b>Rocket Pig</b> for any stat."},
		{`/market add Gas Canister Weapon`, "Added <b>Gas Canister</b> for WPN."},
		{`/market add "Kng Husky" ATK`, "Did you mean: King Husky"},
		{`/market add "King Husky" Luck`, "unknown stat"},
		{`/market`, "1: <b>King Husky</b>: ATK HP"},
		{`/market remove "Rocket Pig"`, "Removed successfully."},
		{`/market remove Rocket Pig`, "No such item."},
		{`/market frobnicate`, "Usage:"},
	}
	for _, tt := range tests {
		if got := f.run(t, tt.cmd); !strings.Contains(got, tt.contains) {
			t.Errorf("%s:\n got %q\nwant substring %q", tt.cmd, got, tt.contains)
		}
	}

	items, err := f.db.WatchedItems()
	if err != nil {
		t.Fatal(err)
	}
	var ids []int32
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	if !reflect.DeepEqual(ids, []int32{1, 3}) {
		t.Errorf("persisted ids = %v", ids)
	}
}

func TestHandler_Trader(t *testing.T) {
	f := newFixture(t)
	steps := []struct{ cmd, contains string }{
		{`/trader add "Gas Canister"`, "Watching <b>Gas Canister</b>"},
		{`/trader add nothing here`, "Unknown item name"},
		{`/trader`, "Gas Canister"},
		{`/trader remove Gas Canister`, "Removed successfully."},
		{`/trader`, "No trader items watched"},
	}
	for _, s := range steps {
		if got := f.run(t, s.cmd); !strings.Contains(got, s.contains) {
			t.Errorf("%s: got %q, want substring %q", s.cmd, got, s.contains)
		}
	}
}

func TestHandler_CrewAndFleet(t *testing.T) {
	f := newFixture(t)
	f.fleet.crew = []pss.DonatedCrew{{CharacterID: 10, Name: "Pete", Level: 40, Owner: "bob"}}

	steps := []struct{ cmd, contains string }{
		{`/crew now`, "No fleet configured"},
		{`/crew add Pilot fast`, "Bad threshold"},
		{`/crew add plt 40`, "Watching crew with Pilot &gt; 40."},
		{`/crew`, "Pilot &gt; 40"},
		{`/fleet Nobody`, "not found or not unique"},
		{`/fleet Star Fleet`, "Monitoring fleet <b>Star Fleet</b>."},
		{`/crew now`, "<b>Pete</b> - <b>bob</b> - Pilot 44"},
		{`/crew remove Weapon`, "not watched"},
		{`/crew remove Pilot`, "Removed successfully."},
		{`/crew now`, "No donated crew above the thresholds."},
	}
	for _, s := range steps {
		if got := f.run(t, s.cmd); !strings.Contains(got, s.contains) {
			t.Errorf("%s: got %q, want substring %q", s.cmd, got, s.contains)
		}
	}
}

func TestHandler_StatsAndAlerts(t *testing.T) {
	f := newFixture(t)
	if got := f.run(t, "/alerts"); got != "No alerts yet." {
		t.Errorf("/alerts = %q", got)
	}
	now := t0.Format(time.RFC3339)
	f.db.SaveAlertHistory(db.AlertHistoryEntry{Feed: "market", ItemID: 1, ItemName: "King Husky", Verdict: "Cheap", Price: 1500, Message: "m", Delivered: true, SentAt: now})
	f.db.SaveAlertHistory(db.AlertHistoryEntry{Feed: "trader", ItemID: 3, ItemName: "Gas Canister", Message: "t", SentAt: now})

	got := f.run(t, "/stats")
	for _, want := range []string{"market: 1", "trader: 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("/stats = %q, missing %q", got, want)
		}
	}
	got = f.run(t, "/alerts market")
	if !strings.Contains(got, "[market] <b>King Husky</b>") || !strings.Contains(got, "Cheap at 1,500") {
		t.Errorf("/alerts market = %q", got)
	}
	if strings.Contains(got, "Gas Canister") {
		t.Errorf("feed filter ignored: %q", got)
	}
	if got := f.run(t, "/alerts"); !strings.Contains(got, "(not delivered)") {
		t.Errorf("/alerts = %q", got)
	}
	if got := f.run(t, "/alerts bogus"); !strings.HasPrefix(got, "Usage:") {
		t.Errorf("/alerts bogus = %q", got)
	}
}

func TestHandler_Misc(t *testing.T) {
	f := newFixture(t)
	if got := f.run(t, "/start"); !strings.HasPrefix(got, "Hello, <b>Ann</b>!") {
		t.Errorf("/start = %q", got)
	}
	if got := f.run(t, "/dance"); !strings.HasPrefix(got, "Unknown command.") {
		t.Errorf("/dance = %q", got)
	}
	if got := f.run(t, "just chatting"); got != "" {
		t.Errorf("plain text answered with %q", got)
	}
}

type fakeChat struct {
	mu      sync.Mutex
	batches [][]notify.Update
	offsets []int64
	replies []string
	cancel  context.CancelFunc
}

func (c *fakeChat) Updates(ctx context.Context, offset int64, _ time.Duration) ([]notify.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, offset)
	if len(c.batches) == 0 {
		c.cancel()
		return nil, ctx.Err()
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	if b == nil {
		return nil, errors.New("network down")
	}
	return b, nil
}

func (c *fakeChat) SendTo(_ context.Context, chatID, text string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, chatID+": "+text)
	return nil
}

func TestBot_Run(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := func(id, chat int64, text string) notify.Update {
		return notify.Update{UpdateID: id, Message: &notify.Message{Chat: notify.Chat{ID: chat}, Text: text, From: &notify.User{FirstName: "Ann"}}}
	}
	chat := &fakeChat{
		batches: [][]notify.Update{
			{msg(10, 5, "/help"), msg(11, 99, "/market add Gas Canister")},
			nil,
			{msg(12, 5, "/trader"), {UpdateID: 13}},
		},
		cancel: cancel,
	}
	clock := schedule.NewFake(t0)
	b := New(chat, "5", f.h, clock)
	if err := b.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}

	if want := []int64{0, 12, 12, 14}; !reflect.DeepEqual(chat.offsets, want) {
		t.Errorf("offsets = %v, want %v", chat.offsets, want)
	}
	if len(chat.replies) != 2 || !strings.HasPrefix(chat.replies[0], "5: Commands:") || !strings.HasPrefix(chat.replies[1], "5: No trader items") {
		t.Errorf("replies = %q", chat.replies)
	}
	if got := clock.Sleeps(); !reflect.DeepEqual(got, []time.Duration{5 * time.Second}) {
		t.Errorf("sleeps = %v", got)
	}
	if items, _ := f.db.WatchedItems(); len(items) != 0 {
		t.Errorf("command from a foreign chat was executed: %+v", items)
	}
}
