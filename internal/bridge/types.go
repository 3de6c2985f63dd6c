package bridge

import "time"

// CommandSnapshot is the immutable payload of a dispatched command, frozen
// by the control plane at creation time.
type CommandSnapshot struct {
	TargetID         string         `json:"targetId,omitempty"`
	MachineID        string         `json:"machineId"`
	TargetVersion    string         `json:"targetVersion,omitempty"`
	Intent           string         `json:"intent"`
	Args             map[string]any `json:"args,omitempty"`
	CreatedBy        string         `json:"createdBy,omitempty"`
	IdempotencyKey   string         `json:"idempotencyKey,omitempty"`
	ApprovalRequired bool           `json:"approvalRequired,omitempty"`
	PolicyVersion    string         `json:"policyVersion,omitempty"`
}

// Command is one unit of remote work leased to this machine.
type Command struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	State     string          `json:"state"`
	Snapshot  CommandSnapshot `json:"snapshot"`
}

// CommandResult is what the agent reports back after running a command.
type CommandResult struct {
	Status     string `json:"status"` // "succeeded" or "failed"
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

type pollRequest struct {
	MachineID  string `json:"machineId"`
	LeaseTTLMs int64  `json:"leaseTtlMs"`
}

type pollResponse struct {
	Available bool     `json:"available"`
	Command   *Command `json:"command,omitempty"`
}

type ackRequest struct {
	MachineID string `json:"machineId"`
}

type resultRequest struct {
	MachineID string        `json:"machineId"`
	Result    CommandResult `json:"result"`
	Duplicate bool          `json:"duplicate,omitempty"`
}
