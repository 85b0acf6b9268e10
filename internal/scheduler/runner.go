// Package scheduler fires named tasks once per day at a configured
// wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/promptdesk/promptdesk/internal/config"
)

// ErrUnknownTask is returned when RunNow names a task that was never scheduled.
var ErrUnknownTask = errors.New("unknown task")

// pollInterval bounds how late a firing can be relative to its HH:MM slot.
const pollInterval = 30 * time.Second

// Task is the work a scheduled entry performs.
type Task func(ctx context.Context) error

// Entry describes one scheduled task for status output.
type Entry struct {
	Name      string `json:"name"`
	At        string `json:"at"`
	LastFired string `json:"last_fired,omitempty"`
}

type job struct {
	at           string // HH:MM, local time
	hour, minute int
	task         Task
	lastFired    string // calendar date of the last scheduled firing
}

// dueBetween reports the trigger day when the job's daily HH:MM instant
// falls inside (lastWake, now]. Scanning whole days covers wakes that span
// midnight or arrive minutes late.
func (j *job) dueBetween(lastWake, now time.Time) (string, bool) {
	day := ""
	fired := false
	d := time.Date(lastWake.Year(), lastWake.Month(), lastWake.Day(), 0, 0, 0, 0, now.Location())
	for !d.After(now) {
		trigger := time.Date(d.Year(), d.Month(), d.Day(), j.hour, j.minute, 0, 0, now.Location())
		if trigger.After(lastWake) && !trigger.After(now) {
			day = trigger.Format("2006-01-02")
			fired = true
		}
		d = d.AddDate(0, 0, 1)
	}
	return day, fired
}

// Runner drives a set of daily jobs. Scheduling the same name again
// replaces the previous entry, so repeated schedule calls are safe.
type Runner struct {
	mu       sync.Mutex
	jobs     map[string]*job
	lastWake time.Time
	log      *slog.Logger
	now      func() time.Time
}

func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		jobs: make(map[string]*job),
		log:  log,
		now:  time.Now,
	}
}

// Schedule registers task to fire daily at the given HH:MM local time. An
// existing entry with the same name is replaced and its firing history kept,
// so re-scheduling mid-day does not cause a second run.
func (r *Runner) Schedule(name, at string, task Task) error {
	if !config.ValidSchedule(at) {
		return fmt.Errorf("%w: schedule %q is not HH:MM", config.ErrInvalidInput, at)
	}
	if task == nil {
		return fmt.Errorf("%w: task must not be nil", config.ErrInvalidInput)
	}
	at = strings.TrimSpace(at)
	hour, _ := strconv.Atoi(at[:2])
	minute, _ := strconv.Atoi(at[3:5])
	r.mu.Lock()
	defer r.mu.Unlock()
	lastFired := ""
	if prev, ok := r.jobs[name]; ok {
		lastFired = prev.lastFired
	}
	r.jobs[name] = &job{at: at, hour: hour, minute: minute, task: task, lastFired: lastFired}
	return nil
}

// Unschedule removes the named entry. Removing an absent name is a no-op.
func (r *Runner) Unschedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, name)
}

// Entries lists the current schedule sorted by name.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.jobs))
	for name, j := range r.jobs {
		out = append(out, Entry{Name: name, At: j.at, LastFired: j.lastFired})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes the named task immediately, outside its daily slot. It
// does not touch the firing history, so the scheduled run still happens.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return r.fire(ctx, name, j.task)
}

// Run polls for due jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fireDue(ctx)
		}
	}
}

// fireDue runs every job whose trigger instant arrived since the previous
// wake and that has not already fired for that day. Comparing against the
// last wake instead of the current minute means a late wake (system sleep,
// or a long-running task blocking the loop) fires the missed job instead of
// dropping it. Marking happens before the task runs, under the lock; a
// failing task does not get retried until the next trigger.
func (r *Runner) fireDue(ctx context.Context) {
	now := r.now()

	type due struct {
		name string
		task Task
	}
	var ready []due

	r.mu.Lock()
	lastWake := r.lastWake
	if lastWake.IsZero() {
		// First wake has no history; look back one poll interval so a
		// trigger in the current minute still counts.
		lastWake = now.Add(-pollInterval)
	}
	r.lastWake = now
	for name, j := range r.jobs {
		day, ok := j.dueBetween(lastWake, now)
		if ok && j.lastFired != day {
			j.lastFired = day
			ready = append(ready, due{name: name, task: j.task})
		}
	}
	r.mu.Unlock()

	for _, d := range ready {
		if err := r.fire(ctx, d.name, d.task); err != nil {
			r.log.Error("scheduled task failed", "task", d.name, "error", err)
		} else {
			r.log.Info("scheduled task completed", "task", d.name)
		}
	}
}

// fire runs one task, converting a panic into an error so a broken task
// cannot take the runner down.
func (r *Runner) fire(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %q panicked: %v", name, rec)
		}
	}()
	return task(ctx)
}
