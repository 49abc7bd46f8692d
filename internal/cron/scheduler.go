// Package cron schedules durable agent jobs.
//
// jobs.json layout (version 1):
//
//	{ "version": 1, "jobs": [ { "id":"…", "name":"…", "enabled":true,
//	    "schedule":{"kind":"every","everyMs":…},
//	    "payload":{"kind":"agent_turn","message":"…","deliver":true},
//	    "state":{"nextRunAtMs":…,"lastRunAtMs":…,"lastStatus":"ok"},
//	    "createdAtMs":…, "updatedAtMs":…, "deleteAfterRun":false } ] }
//
// Jobs fire from a single periodic due scan rather than per-job timers: every
// tick the scheduler collects jobs whose nextRunAtMs has passed and publishes
// one inbound event each. A crashed run is at most one tick late after
// restart, and there is no timer state to rebuild.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// ---------------------------------------------------------------------------
// Data types (persisted)
// ---------------------------------------------------------------------------

type Schedule struct {
	Kind    string  `json:"kind"`              // "every" | "cron" | "at"
	AtMs    *int64  `json:"atMs,omitempty"`    // one-time
	EveryMs *int64  `json:"everyMs,omitempty"` // interval
	Expr    *string `json:"expr,omitempty"`    // cron expression
	TZ      *string `json:"tz,omitempty"`      // IANA timezone
}

type Payload struct {
	Kind    string  `json:"kind"` // "agent_turn"
	Message string  `json:"message"`
	Deliver bool    `json:"deliver"`
	Channel *string `json:"channel,omitempty"`
	To      *string `json:"to,omitempty"`
}

type JobState struct {
	NextRunAtMs *int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs *int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  *string `json:"lastStatus,omitempty"`
	LastError   *string `json:"lastError,omitempty"`
}

type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

type jobStore struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// CatchUp policies for jobs that came due while the process was down.
const (
	CatchUpOnce = "once" // fire each overdue job a single time
	CatchUpSkip = "skip" // recompute the next run without firing
)

// Scheduler manages durable jobs and fires them onto the bus.
// It implements tools.CronServicer.
type Scheduler struct {
	storePath    string
	bus          *bus.Bus
	tickInterval time.Duration
	catchUp      string

	mu     sync.Mutex
	store  jobStore
	loaded bool
}

var _ tools.CronServicer = (*Scheduler)(nil)

// New creates a Scheduler persisting to storePath (e.g. ~/.lunamoth/cron/jobs.json).
func New(storePath string, b *bus.Bus, tickInterval time.Duration, catchUp string) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	if catchUp != CatchUpSkip {
		catchUp = CatchUpOnce
	}
	return &Scheduler{
		storePath:    storePath,
		bus:          b,
		tickInterval: tickInterval,
		catchUp:      catchUp,
	}
}

// Load reads jobs.json and applies the catch-up policy to overdue jobs.
// A missing file starts an empty store; an unreadable or unparsable file is a
// persistence error and fatal to scheduler startup.
func (s *Scheduler) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	now := nowMs()
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if !job.Enabled {
			continue
		}
		next := job.State.NextRunAtMs
		switch {
		case next == nil:
			job.State.NextRunAtMs = computeNextRun(job.Schedule, now)
		case *next <= now && s.catchUp == CatchUpSkip:
			// Missed while down: skip the overdue fire.
			job.State.NextRunAtMs = computeNextRun(job.Schedule, now)
		case *next <= now:
			// CatchUpOnce: leave the overdue time in place; the first tick
			// fires it exactly once and then recomputes.
		}
	}
	s.saveLocked()
	return nil
}

// Run ticks the due scan until ctx is cancelled. Load must have succeeded.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("cron: started", "jobs", s.jobCount(), "tick", s.tickInterval, "catchUp", s.catchUp)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cron: stopping")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick fires every enabled job whose next run time has passed.
func (s *Scheduler) Tick(now time.Time) {
	nowMillis := now.UnixMilli()

	s.mu.Lock()
	var due []Job
	for _, j := range s.store.Jobs {
		if j.Enabled && j.State.NextRunAtMs != nil && *j.State.NextRunAtMs <= nowMillis {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(job, nowMillis)
	}
}

// fire publishes one inbound event for the job and advances its state.
func (s *Scheduler) fire(job Job, firedAtMs int64) {
	slog.Info("cron: firing job", "name", job.Name, "id", job.ID, "kind", job.Schedule.Kind)

	ev := bus.NewInboundEvent(bus.ChannelCron, "cron:"+job.ID, job.ID, job.Payload.Message)
	if job.Payload.Channel != nil && job.Payload.To != nil {
		// Deliverable job: land on the target conversation's session so the
		// response reaches the user in order with their other messages.
		ev.Session = *job.Payload.Channel + ":" + *job.Payload.To
	}
	s.bus.PublishInbound(ev)

	status := "ok"
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID != job.ID {
			continue
		}
		j := &s.store.Jobs[i]
		j.State.LastRunAtMs = &firedAtMs
		j.State.LastStatus = &status
		j.State.LastError = nil
		j.UpdatedAtMs = nowMs()

		if j.Schedule.Kind == "at" {
			if j.DeleteAfterRun {
				s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
			} else {
				j.Enabled = false
				j.State.NextRunAtMs = nil
			}
		} else {
			// Interval jobs advance from the run that just fired, not from
			// wall-clock now, so the cadence never drifts.
			j.State.NextRunAtMs = computeNextRunAfter(j.Schedule, firedAtMs)
		}
		break
	}
	s.saveLocked()
}

// ---------------------------------------------------------------------------
// tools.CronServicer
// ---------------------------------------------------------------------------

// AddJob adds a job and persists it. The next tick picks it up.
func (s *Scheduler) AddJob(
	name, message, kind string,
	everyMs int64, cronExpr, tz string, atMs int64,
	enabled bool, channel, chatID string, deleteAfterRun bool,
) (string, error) {
	sched := Schedule{Kind: kind}
	switch kind {
	case "every":
		if everyMs <= 0 {
			return "", fmt.Errorf("interval must be positive")
		}
		sched.EveryMs = &everyMs
	case "cron":
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		sched.Expr = &cronExpr
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return "", fmt.Errorf("unknown timezone %q: %w", tz, err)
			}
			sched.TZ = &tz
		}
	case "at":
		sched.AtMs = &atMs
	default:
		return "", fmt.Errorf("unknown schedule kind %q", kind)
	}

	payload := Payload{Kind: "agent_turn", Message: message, Deliver: channel != ""}
	if channel != "" {
		payload.Channel = &channel
	}
	if chatID != "" {
		payload.To = &chatID
	}

	now := nowMs()
	job := Job{
		ID:             shortID(),
		Name:           name,
		Enabled:        enabled,
		Schedule:       sched,
		Payload:        payload,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		DeleteAfterRun: deleteAfterRun,
	}
	if enabled {
		job.State.NextRunAtMs = computeNextRun(sched, now)
	}

	s.mu.Lock()
	s.store.Jobs = append(s.store.Jobs, job)
	s.saveLocked()
	s.mu.Unlock()

	slog.Info("cron: added job", "name", name, "id", job.ID, "kind", kind)
	return job.ID, nil
}

// ListJobs returns summaries of all enabled jobs.
func (s *Scheduler) ListJobs() []tools.JobSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tools.JobSummary
	for _, j := range s.store.Jobs {
		if j.Enabled {
			out = append(out, tools.JobSummary{ID: j.ID, Name: j.Name, Kind: j.Schedule.Kind})
		}
	}
	return out
}

// RemoveJob deletes a job by id. Returns false if unknown.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.store.Jobs {
		if j.ID == id {
			s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
			s.saveLocked()
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// CLI helpers
// ---------------------------------------------------------------------------

// ListAllJobs returns all jobs sorted by next run time.
func (s *Scheduler) ListAllJobs(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, j := range s.store.Jobs {
		if includeDisabled || j.Enabled {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		a, b := int64(1<<62), int64(1<<62)
		if jobs[i].State.NextRunAtMs != nil {
			a = *jobs[i].State.NextRunAtMs
		}
		if jobs[k].State.NextRunAtMs != nil {
			b = *jobs[k].State.NextRunAtMs
		}
		return a < b
	})
	return jobs
}

// EnableJob toggles a job. Enabling recomputes the next run.
func (s *Scheduler) EnableJob(id string, enabled bool) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID != id {
			continue
		}
		j := &s.store.Jobs[i]
		j.Enabled = enabled
		j.UpdatedAtMs = nowMs()
		if enabled {
			j.State.NextRunAtMs = computeNextRun(j.Schedule, nowMs())
		} else {
			j.State.NextRunAtMs = nil
		}
		s.saveLocked()
		return *j, true
	}
	return Job{}, false
}

// RunJob fires a job immediately, bypassing its schedule.
// force=true also fires disabled jobs.
func (s *Scheduler) RunJob(id string, force bool) bool {
	s.mu.Lock()
	var job *Job
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			if !force && !s.store.Jobs[i].Enabled {
				s.mu.Unlock()
				return false
			}
			jobCopy := s.store.Jobs[i]
			job = &jobCopy
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return false
	}
	s.fire(*job, nowMs())
	return true
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store.Jobs)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (s *Scheduler) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if os.IsNotExist(err) {
		s.store = jobStore{Version: 1}
		s.loaded = true
		return nil
	}
	if err != nil {
		return &schema.SchedulerPersistenceError{Path: s.storePath, Err: err}
	}
	var st jobStore
	if err := json.Unmarshal(data, &st); err != nil {
		return &schema.SchedulerPersistenceError{Path: s.storePath, Err: err}
	}
	if st.Version == 0 {
		st.Version = 1
	}
	s.store = st
	s.loaded = true
	return nil
}

func (s *Scheduler) saveLocked() {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		slog.Warn("cron: mkdir failed", "err", err)
		return
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		slog.Warn("cron: marshal failed", "err", err)
		return
	}
	if err := os.WriteFile(s.storePath, data, 0o644); err != nil {
		slog.Warn("cron: write failed", "err", err)
	}
}

// ---------------------------------------------------------------------------
// Schedule math
// ---------------------------------------------------------------------------

// cronParser accepts standard 5-field expressions (minute granularity).
var cronParser = robfigcron.NewParser(
	robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow,
)

func nowMs() int64 { return time.Now().UnixMilli() }

func shortID() string {
	return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
}

// computeNextRun returns the first run time at or after now.
func computeNextRun(sched Schedule, nowMs int64) *int64 {
	return computeNextRunAfter(sched, nowMs)
}

// computeNextRunAfter returns the run following fromMs. Interval jobs advance
// fromMs+interval; cron jobs ask the parsed expression in its timezone.
func computeNextRunAfter(sched Schedule, fromMs int64) *int64 {
	switch sched.Kind {
	case "at":
		if sched.AtMs != nil && *sched.AtMs > fromMs {
			v := *sched.AtMs
			return &v
		}
	case "every":
		if sched.EveryMs != nil && *sched.EveryMs > 0 {
			v := fromMs + *sched.EveryMs
			return &v
		}
	case "cron":
		if sched.Expr != nil {
			loc := time.Local
			if sched.TZ != nil && *sched.TZ != "" {
				if l, err := time.LoadLocation(*sched.TZ); err == nil {
					loc = l
				}
			}
			parsed, err := cronParser.Parse(*sched.Expr)
			if err == nil {
				next := parsed.Next(time.UnixMilli(fromMs).In(loc))
				v := next.UnixMilli()
				return &v
			}
		}
	}
	return nil
}
