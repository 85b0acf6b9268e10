package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptdesk/promptdesk/internal/config"
)

func newTestRunner(at time.Time) *Runner {
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return at }
	return r
}

func TestScheduleRejectsBadTime(t *testing.T) {
	r := newTestRunner(time.Now())
	for _, at := range []string{"9:00", "24:00", "12:60", "noon", ""} {
		if err := r.Schedule("agent", at, func(context.Context) error { return nil }); !errors.Is(err, config.ErrInvalidInput) {
			t.Errorf("Schedule(%q) error = %v, want ErrInvalidInput", at, err)
		}
	}
	if len(r.Entries()) != 0 {
		t.Errorf("rejected schedules must not register entries, got %v", r.Entries())
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	r := newTestRunner(time.Now())
	task := func(context.Context) error { return nil }
	if err := r.Schedule("agent", "09:00", task); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := r.Schedule("agent", "10:30", task); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].At != "10:30" {
		t.Errorf("At = %q, want replacement to win", entries[0].At)
	}
}

func TestFireDueRunsAtMostOncePerDay(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 10, 0, time.Local)
	r := newTestRunner(now)

	var runs atomic.Int64
	if err := r.Schedule("agent", "09:00", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	// Several polls land in the same minute.
	r.fireDue(context.Background())
	r.fireDue(context.Background())
	r.fireDue(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 within the same day", got)
	}

	// The next day the job is due again.
	r.now = func() time.Time { return now.AddDate(0, 0, 1) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 after day rollover", got)
	}
}

func TestFireDueSkipsOtherMinutes(t *testing.T) {
	r := newTestRunner(time.Date(2026, 1, 5, 8, 59, 50, 0, time.Local))
	var runs atomic.Int64
	r.Schedule("agent", "09:00", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	r.fireDue(context.Background())
	if runs.Load() != 0 {
		t.Fatalf("task fired outside its slot")
	}
}

func TestFireDueCatchesTriggerBetweenWakes(t *testing.T) {
	r := newTestRunner(time.Date(2026, 1, 5, 8, 59, 50, 0, time.Local))
	var runs atomic.Int64
	r.Schedule("agent", "09:00", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	// Baseline wake before the trigger.
	r.fireDue(context.Background())
	if runs.Load() != 0 {
		t.Fatalf("task fired before its trigger")
	}

	// The next wake arrives late, well past the trigger minute. The job
	// must still fire because 09:00 fell between the two wakes.
	r.now = func() time.Time { return time.Date(2026, 1, 5, 9, 1, 20, 0, time.Local) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 after late wake", got)
	}

	// A further wake the same day does not fire again.
	r.now = func() time.Time { return time.Date(2026, 1, 5, 9, 30, 0, 0, time.Local) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 for the day", got)
	}
}

func TestFireDueAfterSleepAcrossMidnight(t *testing.T) {
	r := newTestRunner(time.Date(2026, 1, 5, 22, 0, 0, 0, time.Local))
	var runs atomic.Int64
	r.Schedule("agent", "23:30", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	r.fireDue(context.Background())
	if runs.Load() != 0 {
		t.Fatalf("task fired before its trigger")
	}

	// The machine sleeps through 23:30 and wakes the next morning.
	r.now = func() time.Time { return time.Date(2026, 1, 6, 8, 0, 0, 0, time.Local) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want the missed firing on wake", got)
	}

	// That evening's trigger still fires for its own day.
	r.now = func() time.Time { return time.Date(2026, 1, 6, 23, 30, 5, 0, time.Local) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 after the next trigger", got)
	}
}

func TestRescheduleKeepsFiringHistory(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.Local)
	r := newTestRunner(now)
	var runs atomic.Int64
	task := func(context.Context) error {
		runs.Add(1)
		return nil
	}
	r.Schedule("agent", "09:00", task)
	r.fireDue(context.Background())

	// Re-scheduling to the current minute must not trigger a second run today.
	r.Schedule("agent", "09:00", task)
	r.fireDue(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 after same-day reschedule", got)
	}
}

func TestRunNowFiresImmediatelyWithoutConsumingSlot(t *testing.T) {
	now := time.Date(2026, 1, 5, 7, 0, 0, 0, time.Local)
	r := newTestRunner(now)
	var runs atomic.Int64
	r.Schedule("agent", "09:00", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	if err := r.RunNow(context.Background(), "agent"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("RunNow did not execute the task")
	}

	r.now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.Local) }
	r.fireDue(context.Background())
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want scheduled firing after manual run", got)
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	r := newTestRunner(time.Now())
	if err := r.RunNow(context.Background(), "ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("RunNow() error = %v, want ErrUnknownTask", err)
	}
}

func TestPanickingTaskIsContained(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.Local)
	r := newTestRunner(now)
	r.Schedule("boom", "09:00", func(context.Context) error {
		panic("kaput")
	})
	var runs atomic.Int64
	r.Schedule("steady", "09:00", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	r.fireDue(context.Background())
	if runs.Load() != 1 {
		t.Fatalf("healthy task did not run alongside a panicking one")
	}
	if err := r.RunNow(context.Background(), "boom"); err == nil {
		t.Fatalf("RunNow() on panicking task should return an error")
	}
}
