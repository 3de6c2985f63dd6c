package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// RunStatus is the outcome of a single execution.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunTimeout RunStatus = "timeout"
	RunRunning RunStatus = "running"
)

// ScheduleKind discriminates the schedule union.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is a tagged union: exactly the fields for Kind are meaningful.
//
//   - at:    At (RFC 3339 instant)
//   - every: EveryMs (> 0) with optional AnchorMs (defaults to creation time)
//   - cron:  Expr (5- or 6-field) with optional IANA TZ
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       string       `json:"at,omitempty"`
	EveryMs  int64        `json:"everyMs,omitempty"`
	AnchorMs *int64       `json:"anchorMs,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	TZ       string       `json:"tz,omitempty"`
}

// Action names what a task does. Params are opaque to the scheduler and
// interpreted by the action executor.
type Action struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Task is a locally scheduled unit of recurring or one-shot work.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Schedule    Schedule `json:"schedule"`
	Action      Action   `json:"action"`
	Status      Status   `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	LastRunAt         *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus     RunStatus  `json:"lastRunStatus,omitempty"`
	LastRunError      string     `json:"lastRunError,omitempty"`
	NextRunAtMs       *int64     `json:"nextRunAtMs,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	TotalRuns         int64      `json:"totalRuns"`

	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Clone returns a deep-enough copy for handing across goroutine boundaries.
// Params maps are copied one level deep; values are treated as immutable.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		cp.LastRunAt = &v
	}
	if t.NextRunAtMs != nil {
		v := *t.NextRunAtMs
		cp.NextRunAtMs = &v
	}
	if t.Schedule.AnchorMs != nil {
		v := *t.Schedule.AnchorMs
		cp.Schedule.AnchorMs = &v
	}
	if t.Action.Params != nil {
		params := make(map[string]any, len(t.Action.Params))
		for k, v := range t.Action.Params {
			params[k] = v
		}
		cp.Action.Params = params
	}
	return &cp
}

// RunRecord is an immutable fact about one execution. Append-only.
type RunRecord struct {
	TaskID     string    `json:"taskId"`
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// RunSink receives run records. Implemented by the history store.
type RunSink interface {
	Append(r RunRecord) error
}

// NewTask is the input for Scheduler.Add.
type NewTask struct {
	ID          string // optional; generated when empty
	Name        string
	Description string
	Schedule    Schedule
	Action      Action
	TimeoutMs   int64
	Disabled    bool
}

// Patch carries partial updates for Scheduler.Update.
// Nil fields are left untouched, never overwritten.
type Patch struct {
	Name        *string
	Description *string
	Schedule    *Schedule
	Action      *Action
	Status      *Status
	TimeoutMs   *int64
}

// NewTaskID generates a unique task id in the form task_<unixms>_<random>.
func NewTaskID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])
}

// NewRunID generates a unique run id.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// TaskEvent is the payload published on the event bus for task lifecycle events.
type TaskEvent struct {
	TaskID     string    `json:"taskId"`
	Name       string    `json:"name"`
	RunID      string    `json:"runId,omitempty"`
	Status     RunStatus `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}
