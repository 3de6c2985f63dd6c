package command

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"patzeagent/internal/task"
	"patzeagent/pkg/logx"
)

// ActionRunner executes scheduled task actions. It satisfies the scheduler's
// executor contract: it never panics and converts every fault into
// (ok=false, error).
type ActionRunner struct {
	exec   *Executor
	client *http.Client
	log    logx.Logger
}

func NewActionRunner(exec *Executor, log logx.Logger) *ActionRunner {
	return &ActionRunner{
		exec:   exec,
		client: &http.Client{},
		log:    log.With(logx.String("component", "actions")),
	}
}

// ExecuteFunc adapts the runner for task.Scheduler.
func (r *ActionRunner) ExecuteFunc() task.ExecuteFunc {
	return func(ctx context.Context, t *task.Task) (ok bool, errMsg string) {
		defer func() {
			if rec := recover(); rec != nil {
				ok = false
				errMsg = fmt.Sprintf("action panic: %v", rec)
			}
		}()
		return r.run(ctx, t)
	}
}

func (r *ActionRunner) run(ctx context.Context, t *task.Task) (bool, string) {
	switch t.Action.Kind {
	case "run_program":
		args, ok := argStringSlice(t.Action.Params, "args")
		if !ok {
			return false, "run_program action requires string-array params.args"
		}
		res := r.exec.runProgram(ctx, args)
		if res.Status != "succeeded" {
			msg := res.Error
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", res.ExitCode)
			}
			if s := strings.TrimSpace(res.Stderr); s != "" {
				msg += ": " + firstLine(s)
			}
			return false, msg
		}
		return true, ""

	case "custom_webhook":
		return r.callWebhook(ctx, t.Action.Params)

	default:
		return false, fmt.Sprintf("unsupported action kind %q", t.Action.Kind)
	}
}

func (r *ActionRunner) callWebhook(ctx context.Context, params map[string]any) (bool, string) {
	url, ok := argString(params, "url")
	if !ok {
		return false, "custom_webhook action requires params.url"
	}
	method, ok := argString(params, "method")
	if !ok {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("webhook %s %s: %s", req.Method, url, resp.Status)
	}
	return true, ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
