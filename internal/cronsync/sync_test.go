package cronsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"patzeagent/internal/eventbus"
	"patzeagent/internal/task"
	"patzeagent/pkg/logx"
)

const wrapperDoc = `{
  "version": 1,
  "jobs": [
    {
      "id": "daily-report",
      "name": "Daily report",
      "enabled": true,
      "schedule": {"kind": "cron", "expr": "0 9 * * *", "tz": "UTC"},
      "execution": {"style": "agent", "agentId": "reporter"},
      "state": {"lastRunAtMs": 1755648000000, "lastStatus": "ok", "lastDurationMs": 420, "nextRunAtMs": 1755734400000}
    },
    {
      "id": "ping",
      "name": "Ping",
      "enabled": false,
      "schedule": {"kind": "every", "everyMs": 60000, "anchorMs": 1755648000000},
      "delivery": {"mode": "webhook", "url": "https://hooks.example.com/x", "method": "POST"},
      "lastRunAtMs": 1755649000000,
      "lastStatus": "failed",
      "lastError": "connection refused",
      "consecutiveErrors": 2
    }
  ]
}`

const mapDoc = `{
  "beta": {"name": "Beta", "enabled": true, "schedule": {"kind": "every", "everyMs": 1000}},
  "alpha": {"id": "alpha", "name": "Alpha", "enabled": false, "schedule": {"kind": "at", "at": "2026-03-01T00:00:00Z"}}
}`

func TestParseJobsDocShapes(t *testing.T) {
	t.Parallel()

	t.Run("wrapper", func(t *testing.T) {
		t.Parallel()
		jobs, err := parseJobsDoc([]byte(wrapperDoc))
		if err != nil {
			t.Fatalf("parseJobsDoc: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ID != "daily-report" || jobs[1].ID != "ping" {
			t.Fatalf("unexpected jobs: %+v", jobs)
		}
		if jobs[0].State == nil || jobs[0].State.LastStatus != "ok" {
			t.Fatalf("nested state not decoded: %+v", jobs[0])
		}
		if jobs[1].LastStatus != "failed" || jobs[1].ConsecutiveErrors != 2 {
			t.Fatalf("legacy inline telemetry not decoded: %+v", jobs[1])
		}
	})

	t.Run("id map", func(t *testing.T) {
		t.Parallel()
		jobs, err := parseJobsDoc([]byte(mapDoc))
		if err != nil {
			t.Fatalf("parseJobsDoc: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("got %d jobs, want 2", len(jobs))
		}
		// Sorted by id; ids come from the key when the body has none.
		if jobs[0].ID != "alpha" || jobs[1].ID != "beta" {
			t.Fatalf("unexpected order or ids: %q, %q", jobs[0].ID, jobs[1].ID)
		}
		if jobs[1].Schedule.EveryMs != 1000 {
			t.Fatalf("schedule not decoded: %+v", jobs[1].Schedule)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		if _, err := parseJobsDoc([]byte(`[1,2,3]`)); err == nil {
			t.Fatal("array document accepted")
		}
		if _, err := parseJobsDoc([]byte(`{nope`)); err == nil {
			t.Fatal("malformed JSON accepted")
		}
	})
}

func TestJobToTaskMapping(t *testing.T) {
	t.Parallel()

	jobs, err := parseJobsDoc([]byte(wrapperDoc))
	if err != nil {
		t.Fatalf("parseJobsDoc: %v", err)
	}

	report := JobToTask(jobs[0])
	if report.ID != "oc:daily-report" {
		t.Fatalf("id = %q", report.ID)
	}
	if report.Status != task.StatusEnabled {
		t.Fatalf("status = %q, want enabled", report.Status)
	}
	if report.LastRunStatus != task.RunOK {
		t.Fatalf("lastRunStatus = %q, want ok", report.LastRunStatus)
	}
	if report.Action.Kind != "external_job" {
		t.Fatalf("action kind = %q, want external_job", report.Action.Kind)
	}
	if report.NextRunAtMs == nil || *report.NextRunAtMs != 1755734400000 {
		t.Fatalf("nextRunAtMs not carried from nested state: %v", report.NextRunAtMs)
	}

	ping := JobToTask(jobs[1])
	if ping.Status != task.StatusDisabled {
		t.Fatalf("disabled job mapped to %q", ping.Status)
	}
	// Anything other than exactly "ok" is an error.
	if ping.LastRunStatus != task.RunError || ping.LastRunError != "connection refused" {
		t.Fatalf("lastRunStatus = %q (%q)", ping.LastRunStatus, ping.LastRunError)
	}
	if ping.Action.Kind != "custom_webhook" {
		t.Fatalf("webhook job mapped to action %q", ping.Action.Kind)
	}
	if ping.Action.Params["url"] != "https://hooks.example.com/x" || ping.Action.Params["method"] != "POST" {
		t.Fatalf("webhook params not carried: %+v", ping.Action.Params)
	}
	if ping.ConsecutiveErrors != 2 {
		t.Fatalf("consecutiveErrors = %d", ping.ConsecutiveErrors)
	}

	// No telemetry at all means no last-run fields.
	bare := JobToTask(ForeignJob{ID: "x", Enabled: true, Schedule: ForeignSchedule{Kind: "every", EveryMs: 1000}})
	if bare.LastRunStatus != "" || bare.LastRunAt != nil {
		t.Fatalf("absent telemetry produced %q / %v", bare.LastRunStatus, bare.LastRunAt)
	}
}

func TestJobToRunRecord(t *testing.T) {
	t.Parallel()

	jobs, err := parseJobsDoc([]byte(wrapperDoc))
	if err != nil {
		t.Fatalf("parseJobsDoc: %v", err)
	}

	rec, ok := JobToRunRecord(jobs[0])
	if !ok {
		t.Fatal("job with telemetry produced no record")
	}
	if rec.TaskID != "oc:daily-report" || rec.Status != task.RunOK || rec.DurationMs != 420 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.EndedAt.Sub(rec.StartedAt) != 420*time.Millisecond {
		t.Fatalf("ended-started = %s", rec.EndedAt.Sub(rec.StartedAt))
	}

	if _, ok := JobToRunRecord(ForeignJob{ID: "never-ran"}); ok {
		t.Fatal("job without telemetry produced a record")
	}
}

func TestServiceStatusWithoutFile(t *testing.T) {
	t.Parallel()

	svc := New(Config{
		JobsPath: filepath.Join(t.TempDir(), "jobs.json"),
		Interval: 20 * time.Millisecond,
	}, nil, logx.Nop())

	svc.syncOnce()

	st := svc.Status()
	if st.Available {
		t.Fatal("available without any successful sync")
	}
	if st.JobsCount != 0 {
		t.Fatalf("jobsCount = %d, want 0", st.JobsCount)
	}
	if !st.Stale {
		t.Fatal("never-synced feed must be stale")
	}
	if st.ConsecutiveFailures != 1 || st.LastError == "" {
		t.Fatalf("failure not recorded: %+v", st)
	}
}

func TestServiceBackoffAndRecovery(t *testing.T) {
	t.Parallel()

	base := 20 * time.Millisecond
	maxBackoff := 100 * time.Millisecond
	path := filepath.Join(t.TempDir(), "jobs.json")
	svc := New(Config{JobsPath: path, Interval: base, MaxBackoff: maxBackoff}, nil, logx.Nop())

	// Failures double the interval up to the cap, never below base.
	wantIntervals := []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	for i, want := range wantIntervals {
		svc.syncOnce()
		if got := svc.currentInterval(); got != want {
			t.Fatalf("after failure %d interval = %s, want %s", i+1, got, want)
		}
	}

	// Success replaces the cache wholesale and resets failure state.
	if err := os.WriteFile(path, []byte(wrapperDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	svc.syncOnce()

	st := svc.Status()
	if !st.Available || st.Stale {
		t.Fatalf("healthy feed reported %+v", st)
	}
	if st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Fatalf("failure state not reset: %+v", st)
	}
	if st.JobsCount != 2 {
		t.Fatalf("jobsCount = %d, want 2", st.JobsCount)
	}
	if got := svc.currentInterval(); got != base {
		t.Fatalf("interval after success = %s, want %s", got, base)
	}

	// A later failure keeps serving the cached jobs.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	svc.syncOnce()
	if n := len(svc.Jobs()); n != 2 {
		t.Fatalf("cache lost on failure: %d jobs", n)
	}
	if tasks := svc.Tasks(); len(tasks) != 2 || tasks[0].ID != "oc:daily-report" {
		t.Fatalf("task projection wrong: %+v", tasks)
	}
}

func TestServicePublishesOnlyOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte(wrapperDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(Config{JobsPath: path, Interval: time.Minute}, bus, logx.Nop())

	// Two identical healthy cycles produce exactly one status event.
	for i := 0; i < 2; i++ {
		svc.syncOnce()
		svc.publishIfChanged()
	}

	events := 0
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.EventSyncStatus {
				events++
			}
		default:
			break drain
		}
	}
	if events != 1 {
		t.Fatalf("published %d status events for identical states, want 1", events)
	}

	// A failure changes the status and publishes again.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	svc.syncOnce()
	svc.publishIfChanged()

	select {
	case ev := <-ch:
		st, ok := ev.Data.(Status)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Data)
		}
		if st.ConsecutiveFailures != 1 {
			t.Fatalf("published status %+v", st)
		}
	default:
		t.Fatal("no event after a state change")
	}
}
