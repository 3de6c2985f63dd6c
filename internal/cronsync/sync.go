// Package cronsync mirrors an externally managed cron jobs file into the
// agent's task view. The foreign runtime owns the file; this package only
// reads it, so every failure degrades to the last successfully parsed state.
package cronsync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"patzeagent/internal/eventbus"
	"patzeagent/internal/task"
	"patzeagent/pkg/logx"
)

// Status is the externally visible sync health. Staleness is derived at read
// time, never stored.
type Status struct {
	Available           bool       `json:"available"`
	JobsCount           int        `json:"jobsCount"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	IntervalMs          int64      `json:"intervalMs"`
	Stale               bool       `json:"stale"`
	LastError           string     `json:"lastError,omitempty"`
}

// statusKey is the comparable projection of Status used for change
// detection. LastSyncAt is deliberately excluded: a healthy steady state
// should not re-notify on every successful pass.
type statusKey struct {
	available bool
	jobs      int
	failures  int
	stale     bool
	lastError string
}

type Config struct {
	JobsPath   string
	Interval   time.Duration
	MaxBackoff time.Duration
	Watch      bool
}

// Service polls the foreign jobs file on a self-rescheduling loop and keeps
// an in-memory mirror of its jobs.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	warnLimit *rate.Limiter
	wake      chan struct{}

	mu         sync.Mutex
	jobs       []ForeignJob
	lastSync   time.Time
	failures   int
	interval   time.Duration
	lastError  string
	everSynced bool
	lastKey    *statusKey
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = time.Hour
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("component", "cronsync")),
		bus: bus,
		// At most one read-failure warning per minute; the status feed
		// carries the detail.
		warnLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
		wake:      make(chan struct{}, 1),
		interval:  cfg.Interval,
	}
}

// Run blocks until ctx is cancelled. Every pass reschedules itself with the
// current interval, so backoff takes effect immediately after a failure.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Watch {
		stop := s.startWatcher(ctx)
		defer stop()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.syncOnce()
		s.publishIfChanged()
		timer.Reset(s.currentInterval())
	}
}

// startWatcher wakes the loop as soon as the jobs file changes instead of
// waiting out the interval. Watcher failure is not fatal; polling remains.
func (s *Service) startWatcher(ctx context.Context) func() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("cronsync.watch_unavailable", logx.Err(err))
		return func() {}
	}
	// Watch the directory: editors and the foreign runtime replace the file
	// by rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(s.cfg.JobsPath)); err != nil {
		s.log.Warn("cronsync.watch_unavailable", logx.String("path", s.cfg.JobsPath), logx.Err(err))
		_ = w.Close()
		return func() {}
	}
	base := filepath.Base(s.cfg.JobsPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				select {
				case s.wake <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { _ = w.Close() }
}

func (s *Service) syncOnce() {
	b, err := os.ReadFile(s.cfg.JobsPath)
	if err != nil {
		s.recordFailure(err)
		return
	}
	jobs, err := parseJobsDoc(b)
	if err != nil {
		s.recordFailure(err)
		return
	}

	s.mu.Lock()
	s.jobs = jobs
	s.lastSync = time.Now()
	s.failures = 0
	s.interval = s.cfg.Interval
	s.lastError = ""
	s.everSynced = true
	s.mu.Unlock()
	s.log.Debug("cronsync.synced", logx.Int("jobs", len(jobs)))
}

// recordFailure doubles the poll interval per consecutive failure, capped at
// MaxBackoff. The last successfully parsed jobs stay served from cache.
func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	s.failures++
	next := s.cfg.Interval
	for i := 0; i < s.failures && next < s.cfg.MaxBackoff; i++ {
		next *= 2
	}
	if next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	if next < s.cfg.Interval {
		next = s.cfg.Interval
	}
	s.interval = next
	s.lastError = err.Error()
	failures := s.failures
	s.mu.Unlock()

	if s.warnLimit.Allow() {
		s.log.Warn("cronsync.read_failed",
			logx.String("path", s.cfg.JobsPath),
			logx.Int("consecutive_failures", failures),
			logx.Duration("next_poll", next),
			logx.Err(err))
	}
}

func (s *Service) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Status reports current sync health. A feed is stale when it has never
// synced or when the last success is older than three current intervals.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	st := Status{
		Available:           s.everSynced,
		JobsCount:           len(s.jobs),
		ConsecutiveFailures: s.failures,
		IntervalMs:          s.interval.Milliseconds(),
		LastError:           s.lastError,
	}
	if s.everSynced {
		t := s.lastSync
		st.LastSyncAt = &t
		st.Stale = time.Since(s.lastSync) > 3*s.interval
	} else {
		st.Stale = true
	}
	return st
}

func (s *Service) publishIfChanged() {
	s.mu.Lock()
	st := s.statusLocked()
	key := statusKey{
		available: st.Available,
		jobs:      st.JobsCount,
		failures:  st.ConsecutiveFailures,
		stale:     st.Stale,
		lastError: st.LastError,
	}
	changed := s.lastKey == nil || *s.lastKey != key
	if changed {
		s.lastKey = &key
	}
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventSyncStatus, Data: st})
	}
}

// Jobs returns a copy of the last successfully parsed jobs.
func (s *Service) Jobs() []ForeignJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ForeignJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Tasks projects the mirrored jobs into the local task shape.
func (s *Service) Tasks() []*task.Task {
	jobs := s.Jobs()
	out := make([]*task.Task, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobToTask(j))
	}
	return out
}

// RunRecords reconstructs the latest foreign run per job, where known.
func (s *Service) RunRecords() []task.RunRecord {
	jobs := s.Jobs()
	out := make([]task.RunRecord, 0, len(jobs))
	for _, j := range jobs {
		if r, ok := JobToRunRecord(j); ok {
			out = append(out, r)
		}
	}
	return out
}
