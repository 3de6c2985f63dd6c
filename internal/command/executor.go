// Package command turns abstract command intents into invocations of the
// single allow-listed local program, with bounded output capture.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"patzeagent/internal/bridge"
	"patzeagent/pkg/logx"
)

type Config struct {
	Program        string
	MaxOutputBytes int
	DefaultTimeout time.Duration
}

// Executor implements bridge.Runner. It never spawns anything other than the
// configured program, and it rejects malformed args before spawning.
type Executor struct {
	cfg Config
	log logx.Logger
}

func NewExecutor(cfg Config, log logx.Logger) *Executor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	return &Executor{cfg: cfg, log: log.With(logx.String("component", "executor"))}
}

// Execute maps the command's intent and args to an invocation, runs it
// bounded by the default timeout, and captures both output streams.
// Faults never escape as panics or errors; everything becomes a result.
func (e *Executor) Execute(ctx context.Context, cmd bridge.Command) (res bridge.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			res = bridge.CommandResult{Status: bridge.ResultFailed, ExitCode: 1, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	argv, err := e.buildArgv(cmd.Snapshot.Intent, cmd.Snapshot.Args)
	if err != nil {
		return bridge.CommandResult{Status: bridge.ResultFailed, ExitCode: 1, Error: err.Error()}
	}
	return e.runProgram(ctx, argv)
}

// buildArgv validates intent arguments and produces the program argv.
// Validation failures happen before any process exists.
func (e *Executor) buildArgv(intent string, args map[string]any) ([]string, error) {
	switch intent {
	case "trigger_job":
		jobID, ok := argString(args, "jobId")
		if !ok {
			return nil, errors.New("trigger_job requires args.jobId")
		}
		return []string{"cron", "run", jobID}, nil

	case "agent_set_enabled":
		agentID, ok := argString(args, "agentId")
		if !ok {
			return nil, errors.New("agent_set_enabled requires args.agentId")
		}
		enabled, ok := argBool(args, "enabled")
		if !ok {
			return nil, errors.New("agent_set_enabled requires boolean args.enabled")
		}
		verb := "disable"
		if enabled {
			verb = "enable"
		}
		return []string{"agents", verb, agentID}, nil

	case "approve_request":
		reqID, ok := argString(args, "requestId")
		if !ok {
			return nil, errors.New("approve_request requires args.requestId")
		}
		return []string{"approvals", "approve", reqID}, nil

	case "run_command":
		program, ok := argString(args, "command")
		if !ok {
			return nil, errors.New("run_command requires args.command")
		}
		if program != e.cfg.Program {
			return nil, fmt.Errorf("run_command rejected: %q is not the allowed program", program)
		}
		extra, ok := argStringSlice(args, "args")
		if !ok {
			return nil, errors.New("run_command requires string-array args.args")
		}
		return extra, nil

	default:
		return nil, fmt.Errorf("unknown intent %q", intent)
	}
}

func (e *Executor) runProgram(ctx context.Context, argv []string) bridge.CommandResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DefaultTimeout)
	defer cancel()

	stdout := newCappedBuffer(e.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(e.cfg.MaxOutputBytes)
	c := exec.CommandContext(ctx, e.cfg.Program, argv...)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	dur := time.Since(start).Milliseconds()

	res := bridge.CommandResult{
		ExitCode:   0,
		DurationMs: dur,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
	}
	if err == nil {
		res.Status = bridge.ResultSucceeded
		return res
	}
	res.Status = bridge.ResultFailed
	res.ExitCode = 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.Error = "command timed out"
	} else {
		res.Error = err.Error()
	}
	return res
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func argBool(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

// argStringSlice accepts both []string and the []any that JSON decoding
// produces, requiring every element to be a string.
func argStringSlice(args map[string]any, key string) ([]string, bool) {
	switch v := args[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
