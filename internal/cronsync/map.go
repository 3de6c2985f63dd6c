package cronsync

import (
	"time"

	"patzeagent/internal/task"
)

// IDPrefix marks synced foreign jobs apart from locally owned tasks.
const IDPrefix = "oc:"

// JobToTask projects a foreign job into the local task shape for unified
// listing. The projection is read-only: synced tasks are never persisted or
// scheduled locally.
func JobToTask(j ForeignJob) *task.Task {
	t := &task.Task{
		ID:          IDPrefix + j.ID,
		Name:        j.Name,
		Description: j.Description,
		Schedule: task.Schedule{
			Kind:     task.ScheduleKind(j.Schedule.Kind),
			At:       j.Schedule.At,
			EveryMs:  j.Schedule.EveryMs,
			AnchorMs: j.Schedule.AnchorMs,
			Expr:     j.Schedule.Expr,
			TZ:       j.Schedule.TZ,
		},
		Action:            jobAction(j),
		Status:            task.StatusDisabled,
		NextRunAtMs:       j.effectiveNextRunAtMs(),
		ConsecutiveErrors: j.effectiveConsecutiveErrors(),
	}
	if j.Enabled {
		t.Status = task.StatusEnabled
	}
	if j.CreatedAtMs > 0 {
		t.CreatedAt = time.UnixMilli(j.CreatedAtMs).UTC()
	}
	if j.UpdatedAtMs > 0 {
		t.UpdatedAt = time.UnixMilli(j.UpdatedAtMs).UTC()
	}
	if at := j.effectiveLastRunAtMs(); at != nil {
		v := time.UnixMilli(*at).UTC()
		t.LastRunAt = &v
	}
	// Anything the foreign runtime reported other than a literal "ok" counts
	// as an error here; absence stays absent.
	switch st := j.effectiveLastStatus(); {
	case st == "ok":
		t.LastRunStatus = task.RunOK
	case st != "":
		t.LastRunStatus = task.RunError
		t.LastRunError = j.effectiveLastError()
	}
	return t
}

// jobAction maps a webhook delivery onto the custom_webhook action kind; all
// other jobs surface as a generic external job with the foreign execution and
// delivery details carried through untouched.
func jobAction(j ForeignJob) task.Action {
	if j.Delivery != nil && j.Delivery.Mode == "webhook" {
		return task.Action{Kind: "custom_webhook", Params: map[string]any{
			"url":    j.Delivery.URL,
			"method": j.Delivery.Method,
		}}
	}
	params := map[string]any{}
	if j.Execution != (ForeignExecution{}) {
		params["execution"] = j.Execution
	}
	if j.Delivery != nil {
		params["delivery"] = *j.Delivery
	}
	if len(j.Payload) > 0 {
		params["payload"] = j.Payload
	}
	return task.Action{Kind: "external_job", Params: params}
}

// JobToRunRecord reconstructs the most recent foreign run as a run record,
// when the job carries enough telemetry to describe one.
func JobToRunRecord(j ForeignJob) (task.RunRecord, bool) {
	at := j.effectiveLastRunAtMs()
	st := j.effectiveLastStatus()
	if at == nil || st == "" {
		return task.RunRecord{}, false
	}
	r := task.RunRecord{
		TaskID:    IDPrefix + j.ID,
		StartedAt: time.UnixMilli(*at).UTC(),
		Status:    task.RunError,
		Error:     j.effectiveLastError(),
	}
	if st == "ok" {
		r.Status = task.RunOK
		r.Error = ""
	}
	if d := j.effectiveLastDurationMs(); d != nil {
		r.DurationMs = *d
		r.EndedAt = r.StartedAt.Add(time.Duration(*d) * time.Millisecond)
	} else {
		r.EndedAt = r.StartedAt
	}
	return r, true
}
