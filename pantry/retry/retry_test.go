package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordSleep struct {
	waits []time.Duration
}

func (r *recordSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestDoStopsOnSuccess(t *testing.T) {
	var rs recordSleep
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, Sleep: rs.Sleep}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(rs.waits) != 2 {
		t.Errorf("waits = %d, want 2", len(rs.waits))
	}
}

func TestDoScheduleAndExhaustion(t *testing.T) {
	var rs recordSleep
	sentinel := errors.New("never")
	sched := StepSchedule(3*time.Second, Step{Below: 2, Delay: time.Second}, Step{Below: 3, Delay: 2 * time.Second})
	err := Do(context.Background(), Config{MaxAttempts: 4, Schedule: sched, Sleep: rs.Sleep},
		func(ctx context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(rs.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rs.waits, want)
	}
	for i := range want {
		if rs.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rs.waits[i], want[i])
		}
	}
}

func TestDoBackoff(t *testing.T) {
	var rs recordSleep
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 3 * time.Second, Sleep: rs.Sleep}
	_ = Do(context.Background(), cfg, func(ctx context.Context) error { return errors.New("never") })
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	if len(rs.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rs.waits, want)
	}
	for i := range want {
		if rs.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rs.waits[i], want[i])
		}
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Config{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}
