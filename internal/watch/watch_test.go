package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pss-watcher/internal/catalog"
	"pss-watcher/internal/db"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
)

var t0 = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
	fail error
}

func (s *recordingSink) Send(_ context.Context, text string, rich bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.msgs = append(s.msgs, text)
	return nil
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testCatalog() *catalog.Catalog {
	items := []pss.ItemDesign{
		{ID: 1, Name: "Hyperion Gauntlet", Rarity: pss.RarityLegendary, SubType: "EquipmentWeapon", EnhancementType: "Weapon", EnhancementValue: 6},
		{ID: 2, Name: "Gas Canister", Rarity: pss.RarityCommon, SubType: "Mineral"},
		{ID: 3, Name: "Fire <Helmet>", Rarity: pss.RarityHero, SubType: "EquipmentHead", EnhancementType: "Hp", EnhancementValue: 2},
		{ID: 99, Name: "Unwatched", Rarity: pss.RarityCommon},
	}
	chars := []pss.CharacterDesign{
		{ID: 10, Name: "Pilot Pete", Stats: map[string]pss.StatRange{"Pilot": {Initial: 4, Final: 44}, "Hp": {Initial: 10, Final: 50}}},
	}
	return catalog.New(items, chars)
}

func TestNotifier_RecordsHistory(t *testing.T) {
	d := openTestDB(t)
	sink := &recordingSink{}
	n := NewNotifier(sink, d, schedule.NewFake(t0))

	n.Notify(context.Background(), Alert{Feed: FeedMarket, ItemID: 1, ItemName: "A", Verdict: "Cheap", Price: 5, Text: "hello"})
	sink.fail = errors.New("telegram down")
	n.Notify(context.Background(), Alert{Feed: FeedTrader, ItemID: 2, ItemName: "B", Text: "bye"})

	if got := sink.messages(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("sent = %v", got)
	}
	hist, err := d.GetAlertHistory("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	var failed db.AlertHistoryEntry
	for _, h := range hist {
		if h.Feed == FeedTrader {
			failed = h
		}
	}
	if failed.Delivered || failed.Error != "telegram down" {
		t.Errorf("failed entry = %+v", failed)
	}
}

func TestWatermark_AdvancesOverWholeBatch(t *testing.T) {
	var w Watermark
	batch := []pss.MarketListing{{ID: 5}, {ID: 9}, {ID: 3}, {ID: 12}}
	fresh := w.Filter(batch)
	if w.Last() != 12 {
		t.Errorf("Last = %d, want 12", w.Last())
	}
	want := []int64{3, 5, 9, 12}
	if len(fresh) != len(want) {
		t.Fatalf("fresh = %+v", fresh)
	}
	for i, id := range want {
		if fresh[i].ID != id {
			t.Errorf("fresh[%d] = %d, want %d", i, fresh[i].ID, id)
		}
	}

	fresh = w.Filter([]pss.MarketListing{{ID: 12}, {ID: 15}})
	if len(fresh) != 1 || fresh[0].ID != 15 {
		t.Errorf("second batch fresh = %+v, want only 15", fresh)
	}
	if w.Last() != 15 {
		t.Errorf("Last = %d, want 15", w.Last())
	}

	if fresh := w.Filter([]pss.MarketListing{{ID: 7}}); len(fresh) != 0 || w.Last() != 15 {
		t.Errorf("old ids: fresh = %+v, Last = %d", fresh, w.Last())
	}
}
