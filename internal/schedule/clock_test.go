package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFake_SleepAdvancesAndRecords(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := f.Sleep(context.Background(), 15*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	f.Advance(time.Minute)
	if err := f.Sleep(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	if got, want := f.Now(), start.Add(80*time.Second); !got.Equal(want) {
		t.Errorf("Now = %v, want %v", got, want)
	}
	sleeps := f.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 15*time.Second || sleeps[1] != 5*time.Second {
		t.Errorf("Sleeps = %v", sleeps)
	}
}

func TestFake_OnSleepCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFake(time.Unix(0, 0))
	f.OnSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	if err := f.Sleep(ctx, time.Second); err != nil {
		t.Fatalf("first Sleep: %v", err)
	}
	if err := f.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("second Sleep err = %v, want context.Canceled", err)
	}
	if err := f.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep after cancel err = %v", err)
	}
	if len(f.Sleeps()) != 2 {
		t.Errorf("sleeps recorded after cancel: %v", f.Sleeps())
	}
}

func TestReal_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Real{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
	if err := (Real{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
}
