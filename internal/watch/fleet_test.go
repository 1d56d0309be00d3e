package watch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"pss-watcher/internal/engine"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
)

type fakeFleet struct {
	mu        sync.Mutex
	crew      []pss.DonatedCrew
	alliances map[string][]int64
	calls     int
}

func (f *fakeFleet) DonatedCrew(_ context.Context, allianceID int64) ([]pss.DonatedCrew, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]pss.DonatedCrew(nil), f.crew...), nil
}

func (f *fakeFleet) AllianceByName(_ context.Context, name string) (int64, bool, error) {
	ids := f.alliances[name]
	if len(ids) != 1 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func (f *fakeFleet) setCrew(c ...pss.DonatedCrew) {
	f.mu.Lock()
	f.crew = c
	f.mu.Unlock()
}

func pete(level int, pilotTraining float64) pss.DonatedCrew {
	return pss.DonatedCrew{
		CharacterID:  10,
		Name:         "Pete",
		Level:        level,
		Owner:        "alice",
		Improvements: map[string]float64{"Pilot": pilotTraining},
	}
}

func newTestFleet(t *testing.T, src *fakeFleet, clock *schedule.Fake) (*FleetWatcher, *recordingSink) {
	t.Helper()
	d := openTestDB(t)
	sink := &recordingSink{}
	w, err := NewFleetWatcher(src, d, testCatalog(), NewNotifier(sink, d, clock), clock, FleetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return w, sink
}

func TestFleetWatcher_CrewStats(t *testing.T) {
	d := openTestDB(t)
	clock := schedule.NewFake(t0)
	w, _ := NewFleetWatcher(&fakeFleet{}, d, testCatalog(), NewNotifier(&recordingSink{}, nil, clock), clock, FleetOptions{})

	if _, err := w.AddCrewStat("Luck", 1); !errors.Is(err, engine.ErrUnknownStat) {
		t.Errorf("err = %v, want ErrUnknownStat", err)
	}
	name, err := w.AddCrewStat("plt", 50)
	if err != nil || name != "Pilot" {
		t.Fatalf("AddCrewStat = %q, %v", name, err)
	}
	w.AddCrewStat("HP", 30)
	w.AddCrewStat("Pilot", 45)
	if ok, _ := w.RemoveCrewStat("Weapon"); ok {
		t.Error("removing an unwatched stat should report false")
	}
	if ok, err := w.RemoveCrewStat("hp"); !ok || err != nil {
		t.Errorf("RemoveCrewStat = %v, %v", ok, err)
	}

	w2, err := NewFleetWatcher(&fakeFleet{}, d, testCatalog(), NewNotifier(&recordingSink{}, nil, clock), clock, FleetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w2.CrewStats(), map[string]float64{"Pilot": 45}; !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded stats = %v, want %v", got, want)
	}
}

func TestFleetWatcher_SetAlliance(t *testing.T) {
	src := &fakeFleet{alliances: map[string][]int64{"Stars": {7}, "Dup": {1, 2}}}
	w, _ := newTestFleet(t, src, schedule.NewFake(t0))

	for _, name := range []string{"Dup", "Missing"} {
		if ok, err := w.SetAlliance(context.Background(), name); ok || err != nil {
			t.Errorf("SetAlliance(%q) = %v, %v", name, ok, err)
		}
	}
	if ok, err := w.SetAlliance(context.Background(), "Stars"); !ok || err != nil {
		t.Fatalf("SetAlliance = %v, %v", ok, err)
	}
	id, err := w.store.AllianceID()
	if err != nil || id == nil || *id != 7 {
		t.Errorf("stored alliance = %v, %v", id, err)
	}
}

func TestFleetWatcher_PollReportsOnlyNewCrew(t *testing.T) {
	src := &fakeFleet{alliances: map[string][]int64{"Stars": {7}}}
	w, sink := newTestFleet(t, src, schedule.NewFake(t0))
	ctx := context.Background()

	if err := w.Poll(ctx); !errors.Is(err, ErrNoAlliance) {
		t.Errorf("Poll without fleet = %v, want ErrNoAlliance", err)
	}
	w.SetAlliance(ctx, "Stars")
	w.AddCrewStat("Pilot", 50)

	// Level 40 with 25% training: 44 * 1.25 = 55. Level 20: 24 * 1.25 = 30.
	src.setCrew(pete(40, 25), pete(20, 25))
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	src.setCrew(pete(20, 25), pete(40, 25))
	w.Poll(ctx)

	msgs := sink.messages()
	want := []string{"🟢 <i>crew available</i> - <b>Pete</b> - <b>alice</b> - Pilot 55"}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("messages = %q, want %q", msgs, want)
	}

	// Retraining changes the record, so it counts as a new donation.
	src.setCrew(pete(40, 30))
	w.Poll(ctx)
	msgs = sink.messages()
	if len(msgs) != 2 || msgs[1] != "🟢 <i>crew available</i> - <b>Pete</b> - <b>alice</b> - Pilot 57" {
		t.Errorf("messages = %q", msgs)
	}
}

func TestFleetWatcher_CurrentMatches(t *testing.T) {
	src := &fakeFleet{alliances: map[string][]int64{"Stars": {7}}}
	w, sink := newTestFleet(t, src, schedule.NewFake(t0))
	ctx := context.Background()

	if _, err := w.CurrentMatches(ctx); !errors.Is(err, ErrNoAlliance) {
		t.Errorf("err = %v, want ErrNoAlliance", err)
	}
	w.SetAlliance(ctx, "Stars")
	w.AddCrewStat("Pilot", 50)
	src.setCrew(pete(40, 25), pete(1, 0))

	got, err := w.CurrentMatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("matches = %q", got)
	}
	if src.calls != 1 {
		t.Errorf("fetches = %d, want 1", src.calls)
	}
	if len(sink.messages()) != 0 {
		t.Error("CurrentMatches must not send notifications")
	}

	// After a poll the cached snapshot is used.
	w.Poll(ctx)
	w.CurrentMatches(ctx)
	if src.calls != 2 {
		t.Errorf("fetches = %d, want 2", src.calls)
	}
}

func TestFleetWatcher_RunIdlesUntilConfigured(t *testing.T) {
	src := &fakeFleet{}
	clock := schedule.NewFake(t0)
	w, _ := newTestFleet(t, src, clock)

	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}
	if got := clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if src.calls != 0 {
		t.Errorf("fetched %d times while unconfigured", src.calls)
	}
}
