// Package task evaluates recurring daily transfers.
//
// The evaluation tick is dumb on purpose: every run re-asks the schedule
// package "should this fire now?" with a fresh jitter roll. The runner
// keeps the last executed date in memory, so a task stays at-most-once
// per calendar day even without storage; the store is the overlay that
// makes the date survive restarts.
package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"homerbot/internal/clock"
	"homerbot/internal/schedule"
	"homerbot/internal/session"
	"homerbot/internal/storage"
	logx "homerbot/pkg/logx"
)

const dateLayout = "2006-01-02"

// Task is one recurring daily transfer definition.
type Task struct {
	Username  string
	At        string // local wall-clock HH:MM
	Timezone  string // IANA zone; empty means the runner default
	JitterMin int    // minutes
	JitterMax int    // minutes
}

type Runner struct {
	reg   *session.Registry
	store storage.Store
	clk   clock.Clock
	rng   clock.Rand
	log   logx.Logger
	alert session.Alerter

	mu        sync.Mutex
	tasks     []Task
	defaultTZ string
	lastDates map[string]string // username -> "YYYY-MM-DD" of the last successful run
}

func NewRunner(reg *session.Registry, store storage.Store, clk clock.Clock, rng clock.Rand, alert session.Alerter, log logx.Logger) *Runner {
	return &Runner{
		reg:       reg,
		store:     store,
		clk:       clk,
		rng:       rng,
		log:       log,
		alert:     alert,
		lastDates: make(map[string]string),
	}
}

// Apply swaps the task list and default timezone (hot reload path).
func (r *Runner) Apply(tasks []Task, defaultTZ string) {
	r.mu.Lock()
	r.tasks = append([]Task(nil), tasks...)
	r.defaultTZ = strings.TrimSpace(defaultTZ)
	r.mu.Unlock()
}

// EvaluateAll runs one evaluation pass. A single task's failure never
// aborts the cycle.
func (r *Runner) EvaluateAll(ctx context.Context) error {
	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	defaultTZ := r.defaultTZ
	r.mu.Unlock()

	for _, t := range tasks {
		if err := r.evaluate(ctx, t, defaultTZ); err != nil {
			r.log.Warn("task evaluation failed",
				logx.String("username", t.Username), logx.Err(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) evaluate(ctx context.Context, t Task, defaultTZ string) error {
	tz := t.Timezone
	if tz == "" {
		tz = defaultTZ
	}

	now := r.clk.Now()
	lastExec, err := r.lastExecution(ctx, t.Username, tz)
	if err != nil {
		return err
	}

	d, err := schedule.ShouldExecuteNow(now, t.At, lastExec, t.JitterMin, t.JitterMax, tz, r.rng)
	if err != nil {
		return err
	}
	if !d.Fire {
		if !d.AlreadyFiredToday {
			r.log.Trace("task not due",
				logx.String("username", t.Username),
				logx.Time("target", d.RandomizedTarget),
				logx.Int("jitter_min_rolled", d.JitterUsed))
		}
		return nil
	}

	id, ok := r.reg.FindByUsername(t.Username)
	if !ok {
		// No live session: stay unfired so the transfer happens once the
		// user logs in later today.
		r.log.Debug("task due but no session", logx.String("username", t.Username))
		return nil
	}

	r.log.Info("task firing",
		logx.String("username", t.Username),
		logx.Time("target", d.RandomizedTarget),
		logx.Int("jitter", d.JitterUsed))

	start := r.clk.Now()
	res, err := r.reg.Transfer(ctx, id)
	took := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			r.log.Debug("task due but session not authenticated", logx.String("username", t.Username))
			return nil
		}
		return err
	}

	entry := storage.TransferEntry{
		At:       start,
		Username: t.Username,
		OK:       res.Success,
		TookMS:   took,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if aerr := r.store.AppendTransfer(ctx, entry); aerr != nil {
		r.log.Warn("transfer audit append failed", logx.Err(aerr))
	}

	if !res.Success {
		if r.alert != nil {
			r.alert.Alertf("⚠️ transfer failed for %s: %v", t.Username, res.Err)
		}
		// Leave the date unset: the next tick retries within today.
		return res.Err
	}

	r.markExecuted(ctx, t.Username, now.In(mustLocation(tz)).Format(dateLayout))
	if r.alert != nil {
		r.alert.Alertf("💸 transfer done for %s", t.Username)
	}
	return nil
}

// markExecuted records the date in memory first, then persists it. The
// in-memory write is what enforces at-most-once-per-day; a store failure
// only costs restart survival.
func (r *Runner) markExecuted(ctx context.Context, username, date string) {
	r.mu.Lock()
	r.lastDates[username] = date
	r.mu.Unlock()

	if err := r.store.SetLastExecutedDate(ctx, username, date); err != nil && !errors.Is(err, storage.ErrDisabled) {
		r.log.Warn("persisting execution date failed",
			logx.String("username", username), logx.Err(err))
	}
}

func (r *Runner) lastExecution(ctx context.Context, username, tz string) (time.Time, error) {
	r.mu.Lock()
	date, ok := r.lastDates[username]
	r.mu.Unlock()

	if !ok {
		var err error
		date, ok, err = r.store.LastExecutedDate(ctx, username)
		if err != nil {
			if errors.Is(err, storage.ErrDisabled) {
				return time.Time{}, nil
			}
			return time.Time{}, err
		}
		if !ok {
			return time.Time{}, nil
		}
	}
	loc := mustLocation(tz)
	t, perr := time.ParseInLocation(dateLayout, date, loc)
	if perr != nil {
		// Treat garbage state as "never ran" rather than wedging the task.
		return time.Time{}, nil
	}
	return t, nil
}

func mustLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil {
		return time.UTC
	}
	return loc
}
