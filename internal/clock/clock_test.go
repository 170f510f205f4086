package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/florianilch/ghdevice/internal/clock"
)

func TestSystemSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := clock.System{}.Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled sleep blocked for %v", time.Since(start))
	}
}

func TestSystemSleepZero(t *testing.T) {
	if err := (clock.System{}).Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := clock.NewFake(start)

	if err := f.Sleep(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Advance(time.Minute)

	if got, want := f.Now(), start.Add(65*time.Second); !got.Equal(want) {
		t.Errorf("now: want %v, got %v", want, got)
	}
	if got := f.Slept(); got != 5*time.Second {
		t.Errorf("slept: want 5s, got %v", got)
	}
}

func TestSleepSliced(t *testing.T) {
	tests := []struct {
		name      string
		d         time.Duration
		slice     time.Duration
		wantSlept []time.Duration
	}{
		{
			name:      "splits long wait",
			d:         70 * time.Second,
			slice:     30 * time.Second,
			wantSlept: []time.Duration{30 * time.Second, 30 * time.Second, 10 * time.Second},
		},
		{
			name:      "short wait in one step",
			d:         time.Second,
			slice:     30 * time.Second,
			wantSlept: []time.Duration{time.Second},
		},
		{
			name:      "zero slice sleeps once",
			d:         time.Minute,
			slice:     0,
			wantSlept: []time.Duration{time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := clock.NewFake(time.Unix(0, 0))
			if err := clock.SleepSliced(context.Background(), f, tt.d, tt.slice); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := f.Sleeps()
			if len(got) != len(tt.wantSlept) {
				t.Fatalf("sleeps: want %v, got %v", tt.wantSlept, got)
			}
			for i := range got {
				if got[i] != tt.wantSlept[i] {
					t.Errorf("sleep[%d]: want %v, got %v", i, tt.wantSlept[i], got[i])
				}
			}
		})
	}
}

func TestSleepSlicedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := clock.NewFake(time.Unix(0, 0))
	err := clock.SleepSliced(ctx, f, time.Hour, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.Slept() != 0 {
		t.Errorf("cancelled sleep advanced clock by %v", f.Slept())
	}
}
