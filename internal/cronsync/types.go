package cronsync

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ForeignSchedule mirrors the external runtime's schedule shape. The kinds
// line up with the local task model; staggerMs is foreign-only.
type ForeignSchedule struct {
	Kind      string `json:"kind"`
	At        string `json:"at,omitempty"`
	EveryMs   int64  `json:"everyMs,omitempty"`
	AnchorMs  *int64 `json:"anchorMs,omitempty"`
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs int64  `json:"staggerMs,omitempty"`
}

type ForeignExecution struct {
	Style   string `json:"style,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Session string `json:"session,omitempty"`
}

type ForeignDelivery struct {
	Mode    string `json:"mode,omitempty"`
	URL     string `json:"url,omitempty"`
	Method  string `json:"method,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// ForeignJobState is the nested telemetry shape used by newer jobs files.
type ForeignJobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// ForeignJob is one externally defined job. Telemetry appears either inline
// (legacy files) or under the nested state object; both shapes are accepted
// and read through the effective* accessors.
type ForeignJob struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	Schedule    ForeignSchedule  `json:"schedule"`
	Execution   ForeignExecution `json:"execution,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty"`
	Delivery    *ForeignDelivery `json:"delivery,omitempty"`
	CreatedAtMs int64            `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64            `json:"updatedAtMs,omitempty"`

	// Legacy inline telemetry.
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`

	State *ForeignJobState `json:"state,omitempty"`
}

func (j *ForeignJob) effectiveLastStatus() string {
	if j.State != nil && j.State.LastStatus != "" {
		return j.State.LastStatus
	}
	return j.LastStatus
}

func (j *ForeignJob) effectiveLastError() string {
	if j.State != nil && j.State.LastError != "" {
		return j.State.LastError
	}
	return j.LastError
}

func (j *ForeignJob) effectiveLastRunAtMs() *int64 {
	if j.State != nil && j.State.LastRunAtMs != nil {
		return j.State.LastRunAtMs
	}
	return j.LastRunAtMs
}

func (j *ForeignJob) effectiveNextRunAtMs() *int64 {
	if j.State != nil && j.State.NextRunAtMs != nil {
		return j.State.NextRunAtMs
	}
	return j.NextRunAtMs
}

func (j *ForeignJob) effectiveLastDurationMs() *int64 {
	if j.State != nil && j.State.LastDurationMs != nil {
		return j.State.LastDurationMs
	}
	return j.LastDurationMs
}

func (j *ForeignJob) effectiveConsecutiveErrors() int {
	if j.State != nil && j.State.ConsecutiveErrors != 0 {
		return j.State.ConsecutiveErrors
	}
	return j.ConsecutiveErrors
}

type jobsDoc struct {
	Version int          `json:"version"`
	Jobs    []ForeignJob `json:"jobs"`
}

// parseJobsDoc accepts both historical document shapes: a wrapper object
// with a jobs array, or a flat map of job id to job body.
func parseJobsDoc(b []byte) ([]ForeignJob, error) {
	var doc jobsDoc
	if err := json.Unmarshal(b, &doc); err == nil && doc.Jobs != nil {
		return doc.Jobs, nil
	}

	var byID map[string]ForeignJob
	if err := json.Unmarshal(b, &byID); err != nil {
		return nil, fmt.Errorf("jobs document is neither a jobs wrapper nor an id map: %w", err)
	}
	// The map form carries the id in the key; drop non-job bookkeeping keys.
	out := make([]ForeignJob, 0, len(byID))
	for id, j := range byID {
		if j.ID == "" {
			j.ID = id
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}
