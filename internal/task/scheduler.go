package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"patzeagent/internal/eventbus"
	logx "patzeagent/pkg/logx"
)

// ExecuteFunc is the action executor contract. Implementations must not
// panic; faults are reported as ok=false with an error message. The context
// carries the per-run timeout and is canceled when it fires.
type ExecuteFunc func(ctx context.Context, t *Task) (ok bool, errMsg string)

// maxTimerJitter bounds the random delay added when arming the timer.
const maxTimerJitter = 5 * time.Second

type SchedulerConfig struct {
	MaxConcurrentRuns int
	DefaultTimeout    time.Duration
	RearmHorizon      time.Duration
	JitterFraction    float64
	BackoffLadder     []time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.RearmHorizon <= 0 {
		c.RearmHorizon = time.Minute
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		c.JitterFraction = 0.1
	}
	if len(c.BackoffLadder) == 0 {
		c.BackoffLadder = []time.Duration{
			30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour,
		}
	}
	return c
}

// Scheduler owns the in-memory task list and is the sole writer of the task
// store. All mutations (add, update, remove, rollback, run-state transitions)
// are serialized through a MutationLock; execution itself runs concurrently
// up to MaxConcurrentRuns.
type Scheduler struct {
	cfg   SchedulerConfig
	log   logx.Logger
	bus   eventbus.Bus
	store *Store
	snaps *SnapshotStore
	runs  RunSink
	exec  ExecuteFunc

	lock  *MutationLock
	tasks []*Task

	// Guarded by lock.
	started bool
	active  int
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	runWG  sync.WaitGroup

	now func() time.Time
}

func NewScheduler(cfg SchedulerConfig, store *Store, snaps *SnapshotStore, runs RunSink, exec ExecuteFunc, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		store: store,
		snaps: snaps,
		runs:  runs,
		exec:  exec,
		lock:  NewMutationLock(),
		now:   time.Now,
	}
}

// Start loads persisted tasks, recomputes every next-run instant, executes a
// catch-up pass for anything already due, and arms the timer.
func (s *Scheduler) Start(ctx context.Context) error {
	var startErr error
	s.lock.Do(func() {
		if s.started {
			return
		}
		s.ctx, s.cancel = context.WithCancel(ctx)

		tasks, err := s.store.Load()
		if err != nil {
			startErr = err
			return
		}
		s.tasks = tasks

		now := s.now()
		for _, t := range s.tasks {
			s.recomputeNextLocked(t, now)
		}
		if err := s.store.Save(s.tasks); err != nil {
			startErr = err
			return
		}
		s.started = true

		// Catch-up: tasks that came due during downtime run immediately,
		// bounded by the concurrency cap.
		launched := s.launchDueLocked(now)
		if launched > 0 {
			s.saveLocked()
		}
		s.armTimerLocked()
		s.log.Info("scheduler started", logx.Int("tasks", len(s.tasks)), logx.Int("catchup", launched))
	})
	return startErr
}

// Stop halts the timer and waits for in-flight runs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lock.Do(func() {
		if !s.started {
			return
		}
		s.started = false
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.cancel != nil {
			s.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		// No run can touch the lock anymore; retire the dispatcher.
		s.lock.Close()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add validates and registers a new task.
func (s *Scheduler) Add(in NewTask) (*Task, error) {
	var out *Task
	var err error
	s.lock.Do(func() {
		if strings.TrimSpace(in.Name) == "" {
			err = errors.New("task name is required")
			return
		}
		if strings.TrimSpace(in.Action.Kind) == "" {
			err = errors.New("task action kind is required")
			return
		}
		if e := ValidateSchedule(in.Schedule); e != nil {
			err = fmt.Errorf("invalid schedule: %w", e)
			return
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = NewTaskID()
		}
		if s.findLocked(id) != nil {
			err = fmt.Errorf("task %q already exists", id)
			return
		}

		now := s.now()
		sch := in.Schedule
		if sch.Kind == ScheduleEvery && sch.AnchorMs == nil {
			anchor := now.UnixMilli()
			sch.AnchorMs = &anchor
		}

		t := &Task{
			ID:          id,
			Name:        in.Name,
			Description: in.Description,
			Schedule:    sch,
			Action:      in.Action,
			Status:      StatusEnabled,
			CreatedAt:   now,
			UpdatedAt:   now,
			TimeoutMs:   in.TimeoutMs,
		}
		if in.Disabled {
			t.Status = StatusDisabled
		}
		s.recomputeNextLocked(t, now)

		s.captureLocked(SnapshotAdd, "add task "+t.Name)
		s.tasks = append(s.tasks, t)
		if e := s.store.Save(s.tasks); e != nil {
			s.tasks = s.tasks[:len(s.tasks)-1]
			err = e
			return
		}
		s.publish(eventbus.EventTaskCreated, TaskEvent{TaskID: t.ID, Name: t.Name})
		if s.started {
			s.armTimerLocked()
		}
		out = t.Clone()
	})
	return out, err
}

// Update merges the defined fields of patch into the task. Nil patch fields
// never overwrite existing values.
func (s *Scheduler) Update(id string, p Patch) (*Task, error) {
	var out *Task
	var err error
	s.lock.Do(func() {
		t := s.findLocked(id)
		if t == nil {
			err = fmt.Errorf("task %q not found", id)
			return
		}
		if p.Schedule != nil {
			if e := ValidateSchedule(*p.Schedule); e != nil {
				err = fmt.Errorf("invalid schedule: %w", e)
				return
			}
		}
		if p.Status != nil {
			switch *p.Status {
			case StatusEnabled, StatusDisabled:
			default:
				err = fmt.Errorf("status can only be patched to enabled or disabled, not %q", *p.Status)
				return
			}
		}

		s.captureLocked(SnapshotUpdate, "update task "+t.Name)

		now := s.now()
		scheduleChanged := false
		if p.Name != nil {
			t.Name = *p.Name
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Schedule != nil {
			sch := *p.Schedule
			if sch.Kind == ScheduleEvery && sch.AnchorMs == nil {
				anchor := now.UnixMilli()
				sch.AnchorMs = &anchor
			}
			t.Schedule = sch
			scheduleChanged = true
		}
		if p.Action != nil {
			t.Action = *p.Action
		}
		if p.TimeoutMs != nil {
			t.TimeoutMs = *p.TimeoutMs
		}
		if p.Status != nil && t.Status != StatusRunning {
			if *p.Status == StatusEnabled && t.Status == StatusError {
				// Manual re-enable after ladder exhaustion starts fresh.
				t.ConsecutiveErrors = 0
			}
			t.Status = *p.Status
			s.recomputeNextLocked(t, now)
		}
		if scheduleChanged {
			s.recomputeNextLocked(t, now)
		}
		t.UpdatedAt = now

		if e := s.store.Save(s.tasks); e != nil {
			err = e
			return
		}
		s.publish(eventbus.EventTaskUpdated, TaskEvent{TaskID: t.ID, Name: t.Name})
		if s.started {
			s.armTimerLocked()
		}
		out = t.Clone()
	})
	return out, err
}

// Remove deletes the task. In-flight runs of the task finish normally; their
// results are recorded against the id without resurrecting the task.
func (s *Scheduler) Remove(id string) error {
	var err error
	s.lock.Do(func() {
		t := s.findLocked(id)
		if t == nil {
			err = fmt.Errorf("task %q not found", id)
			return
		}
		s.captureLocked(SnapshotRemove, "remove task "+t.Name)

		kept := s.tasks[:0]
		for _, cur := range s.tasks {
			if cur.ID != id {
				kept = append(kept, cur)
			}
		}
		s.tasks = kept
		if e := s.store.Save(s.tasks); e != nil {
			err = e
			return
		}
		s.publish(eventbus.EventTaskRemoved, TaskEvent{TaskID: id, Name: t.Name})
		if s.started {
			s.armTimerLocked()
		}
	})
	return err
}

// RunNow executes the task immediately, outside the timer path, through the
// same execution routine. A task that is already running is not run twice;
// the attempt is recorded as an immediate error.
func (s *Scheduler) RunNow(id string) error {
	var err error
	s.lock.Do(func() {
		if !s.started {
			err = errors.New("scheduler not started")
			return
		}
		t := s.findLocked(id)
		if t == nil {
			err = fmt.Errorf("task %q not found", id)
			return
		}
		if t.Status == StatusRunning {
			now := s.now()
			s.appendRunLocked(RunRecord{
				TaskID:    t.ID,
				RunID:     NewRunID(),
				StartedAt: now,
				EndedAt:   now,
				Status:    RunError,
				Error:     "Task already running",
			})
			return
		}
		s.startRunLocked(t)
		s.saveLocked()
	})
	return err
}

// Rollback restores the task list captured in the given snapshot. The restore
// is itself a mutation and is snapshotted beforehand.
func (s *Scheduler) Rollback(snapshotID string) error {
	var err error
	s.lock.Do(func() {
		if s.snaps == nil {
			err = errors.New("snapshot store not configured")
			return
		}
		restored, e := s.snaps.Load(snapshotID)
		if e != nil {
			err = e
			return
		}
		s.captureLocked(SnapshotRollback, "rollback to "+snapshotID)

		now := s.now()
		for _, t := range restored {
			if t.Status == StatusRunning {
				t.Status = StatusEnabled
			}
			s.recomputeNextLocked(t, now)
		}
		s.tasks = restored
		if e := s.store.Save(s.tasks); e != nil {
			err = e
			return
		}
		s.publish(eventbus.EventTaskRolledBack, TaskEvent{TaskID: snapshotID})
		if s.started {
			s.armTimerLocked()
		}
		s.log.Info("task list rolled back", logx.String("snapshot", snapshotID), logx.Int("tasks", len(s.tasks)))
	})
	return err
}

// List returns copies of all tasks in registration order.
func (s *Scheduler) List() []*Task {
	var out []*Task
	s.lock.Do(func() {
		out = make([]*Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			out = append(out, t.Clone())
		}
	})
	return out
}

// Get returns a copy of one task, or nil.
func (s *Scheduler) Get(id string) *Task {
	var out *Task
	s.lock.Do(func() {
		out = s.findLocked(id).Clone()
	})
	return out
}

// Snapshots exposes the snapshot index for the read surface.
func (s *Scheduler) Snapshots() ([]SnapshotMeta, error) {
	if s.snaps == nil {
		return nil, nil
	}
	return s.snaps.List()
}

// ActiveRuns reports the current in-flight run count.
func (s *Scheduler) ActiveRuns() int {
	var n int
	s.lock.Do(func() { n = s.active })
	return n
}

// ---- internals (all *Locked methods require the mutation lock) ----

func (s *Scheduler) findLocked(id string) *Task {
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Scheduler) recomputeNextLocked(t *Task, now time.Time) {
	if t.Status != StatusEnabled {
		t.NextRunAtMs = nil
		return
	}
	next, ok := NextRunMs(t.Schedule, now)
	if !ok {
		t.NextRunAtMs = nil
		return
	}
	t.NextRunAtMs = &next
}

// launchDueLocked starts every due enabled task up to the free concurrency
// slots, earliest-registered-first, and returns how many were started.
func (s *Scheduler) launchDueLocked(now time.Time) int {
	slots := s.cfg.MaxConcurrentRuns - s.active
	if slots <= 0 {
		return 0
	}
	nowMs := now.UnixMilli()
	launched := 0
	for _, t := range s.tasks {
		if launched >= slots {
			break
		}
		if t.Status != StatusEnabled || t.NextRunAtMs == nil || *t.NextRunAtMs > nowMs {
			continue
		}
		s.startRunLocked(t)
		launched++
	}
	return launched
}

func (s *Scheduler) startRunLocked(t *Task) {
	t.Status = StatusRunning
	s.active++
	snapshot := t.Clone()
	s.runWG.Add(1)
	go s.executeRun(snapshot)
}

// executeRun races the executor against the run timeout. It runs outside the
// lock; the completion transition re-enters through finishRun.
func (s *Scheduler) executeRun(t *Task) {
	defer s.runWG.Done()

	runID := NewRunID()
	started := s.now()

	timeout := time.Duration(t.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	s.log.Debug("task.started", logx.String("task", t.ID), logx.String("run", runID), logx.String("name", t.Name))

	type execResult struct {
		ok     bool
		errMsg string
	}
	resCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- execResult{false, fmt.Sprintf("executor panic: %v", r)}
			}
		}()
		ok, errMsg := s.exec(ctx, t)
		resCh <- execResult{ok, errMsg}
	}()

	var status RunStatus
	var errMsg string
	select {
	case r := <-resCh:
		if r.ok {
			status = RunOK
		} else {
			status = RunError
			errMsg = r.errMsg
			if errMsg == "" {
				errMsg = "task failed"
			}
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = RunTimeout
			errMsg = fmt.Sprintf("timed out after %s", timeout)
		} else {
			status = RunError
			errMsg = "run canceled"
		}
	}

	s.finishRun(t.ID, runID, started, s.now(), status, errMsg)
}

func (s *Scheduler) finishRun(taskID, runID string, started, ended time.Time, status RunStatus, errMsg string) {
	s.lock.Do(func() {
		s.active--

		rec := RunRecord{
			TaskID:     taskID,
			RunID:      runID,
			StartedAt:  started,
			EndedAt:    ended,
			Status:     status,
			Error:      errMsg,
			DurationMs: ended.Sub(started).Milliseconds(),
		}
		s.appendRunLocked(rec)

		t := s.findLocked(taskID)
		if t == nil {
			// Removed while running. The record above is the only trace.
			return
		}

		lastRun := started
		t.LastRunAt = &lastRun
		t.LastRunStatus = status
		t.LastRunError = errMsg
		t.TotalRuns++
		if status == RunOK {
			t.ConsecutiveErrors = 0
		} else {
			t.ConsecutiveErrors++
		}

		switch {
		case t.Schedule.Kind == ScheduleAt:
			// One-shot tasks never reschedule, whatever the outcome.
			t.Status = StatusDisabled
			t.NextRunAtMs = nil
		case status == RunOK:
			t.Status = StatusEnabled
			s.recomputeNextLocked(t, ended)
		default:
			if t.ConsecutiveErrors >= len(s.cfg.BackoffLadder) {
				t.Status = StatusError
				t.NextRunAtMs = nil
				s.log.Warn("task disabled after repeated failures",
					logx.String("task", t.ID), logx.Int("consecutive_errors", t.ConsecutiveErrors))
			} else {
				t.Status = StatusEnabled
				next := ended.Add(s.cfg.BackoffLadder[t.ConsecutiveErrors-1]).UnixMilli()
				t.NextRunAtMs = &next
			}
		}
		t.UpdatedAt = ended

		s.saveLocked()

		ev := TaskEvent{TaskID: t.ID, Name: t.Name, RunID: runID, Status: status, Error: errMsg, DurationMs: rec.DurationMs}
		if status == RunOK {
			s.log.Debug("task.completed", logx.String("task", t.ID), logx.Duration("took", ended.Sub(started)))
			s.publish(eventbus.EventTaskCompleted, ev)
		} else {
			s.log.Warn("task.failed", logx.String("task", t.ID), logx.String("status", string(status)), logx.String("err", errMsg))
			s.publish(eventbus.EventTaskError, ev)
		}

		if s.started {
			s.armTimerLocked()
		}
	})
}

// armTimerLocked arms the single scheduler timer for the earliest due task.
// The delay is clamped to the rearm horizon so a far-future timer never
// starves tasks added later, and a bounded delay-proportional jitter avoids
// synchronized wakeups when many tasks share a cadence.
func (s *Scheduler) armTimerLocked() {
	if !s.started {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	now := s.now()
	delay := s.cfg.RearmHorizon
	// With every slot busy the timer would spin on overdue tasks; finishRun
	// re-arms the moment a slot frees, so waiting out the horizon is safe.
	if s.active >= s.cfg.MaxConcurrentRuns {
		s.timer = time.AfterFunc(delay, s.onTick)
		return
	}
	for _, t := range s.tasks {
		if t.Status != StatusEnabled || t.NextRunAtMs == nil {
			continue
		}
		d := time.UnixMilli(*t.NextRunAtMs).Sub(now)
		if d < 0 {
			d = 0
		}
		if d < delay {
			delay = d
		}
	}

	if delay > 0 && s.cfg.JitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * s.cfg.JitterFraction * float64(delay))
		if jitter > maxTimerJitter {
			jitter = maxTimerJitter
		}
		delay += jitter
	}

	// Re-arming happens on every tick; skip the field building unless
	// someone is actually watching at trace level.
	if s.log.Enabled(logx.LevelTrace) {
		s.log.Trace("scheduler.rearm", logx.Duration("delay", delay), logx.Int("active", s.active))
	}
	s.timer = time.AfterFunc(delay, s.onTick)
}

func (s *Scheduler) onTick() {
	s.lock.Do(func() {
		if !s.started {
			return
		}
		launched := s.launchDueLocked(s.now())
		if launched > 0 {
			s.saveLocked()
		}
		s.armTimerLocked()
	})
}

// saveLocked persists the task list, best-effort: a failing write must never
// abort a scheduling cycle.
func (s *Scheduler) saveLocked() {
	if err := s.store.Save(s.tasks); err != nil {
		s.log.Error("task list persist failed", logx.Err(err))
	}
}

func (s *Scheduler) captureLocked(source SnapshotSource, description string) {
	if s.snaps == nil {
		return
	}
	if _, err := s.snaps.Capture(s.tasks, source, description); err != nil {
		s.log.Warn("snapshot capture failed", logx.String("source", string(source)), logx.Err(err))
	}
}

func (s *Scheduler) appendRunLocked(rec RunRecord) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Append(rec); err != nil {
		s.log.Warn("run record append failed", logx.String("task", rec.TaskID), logx.Err(err))
	}
}

func (s *Scheduler) publish(eventType string, data TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
