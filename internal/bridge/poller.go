// Package bridge connects the agent to its control plane: it leases one
// command at a time, runs it, and reports the outcome. Receipts persist
// across restarts so a redelivered command is answered from its stored
// result instead of running twice.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"patzeagent/internal/eventbus"
	"patzeagent/pkg/logx"
)

// Runner executes one leased command and never panics outward.
type Runner interface {
	Execute(ctx context.Context, cmd Command) CommandResult
}

type Config struct {
	BaseURL        string
	PollPath       string
	AckPath        string // contains {commandId}
	ResultPath     string // contains {commandId}
	Token          string
	MachineID      string
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	RequestTimeout time.Duration
}

// Poller drives the lease loop. One tick handles at most one command,
// synchronously; ticks that fire while a command runs are dropped by the
// ticker, so the machine never holds two leases.
type Poller struct {
	cfg       Config
	client    *http.Client
	receipts  *ReceiptStore
	run       Runner
	bus       eventbus.Bus
	log       logx.Logger
	warnLimit *rate.Limiter
}

func NewPoller(cfg Config, receipts *ReceiptStore, run Runner, bus eventbus.Bus, log logx.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	return &Poller{
		cfg:       cfg,
		client:    &http.Client{},
		receipts:  receipts,
		run:       run,
		bus:       bus,
		log:       log.With(logx.String("component", "bridge")),
		warnLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// Run blocks until ctx is cancelled. Any failure inside a tick is logged
// and ends that tick; the loop itself never stops on errors.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	cmd, err := p.poll(ctx)
	if err != nil {
		// An unreachable control plane fails every tick; one warn per
		// minute is plenty.
		if p.warnLimit.Allow() {
			p.log.Warn("bridge.poll_failed", logx.Err(err))
		}
		return
	}
	if cmd == nil {
		return
	}
	log := p.log.With(logx.String("command", cmd.ID), logx.String("intent", cmd.Snapshot.Intent))

	if rcpt, ok := p.receipts.Get(cmd.ID); ok {
		// Already executed; the control plane evidently never saw the
		// result. Skip ack and execution, just re-report the stored result.
		log.Info("bridge.command_redelivered")
		if err := p.report(ctx, cmd.ID, rcpt.Result, true); err != nil {
			log.Warn("bridge.report_failed", logx.Err(err))
		}
		return
	}

	if err := p.ack(ctx, cmd.ID); err != nil {
		log.Warn("bridge.ack_failed", logx.Err(err))
		return
	}
	log.Info("bridge.command_accepted")

	result := p.run.Execute(ctx, *cmd)

	// Persist the receipt before reporting: if the report is lost, the
	// redelivery path above answers from this receipt.
	rcpt := StoredReceipt{CommandID: cmd.ID, MachineID: p.cfg.MachineID, Result: result}
	if err := p.receipts.Put(rcpt); err != nil {
		log.Error("bridge.receipt_persist_failed", logx.Err(err))
	}
	if err := p.report(ctx, cmd.ID, result, false); err != nil {
		log.Warn("bridge.report_failed", logx.Err(err))
	}
	log.Info("bridge.command_finished",
		logx.String("status", result.Status),
		logx.Int("exit_code", result.ExitCode),
		logx.Int64("duration_ms", result.DurationMs))

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventCommandResult, Data: struct {
			CommandID string        `json:"commandId"`
			Intent    string        `json:"intent"`
			Result    CommandResult `json:"result"`
		}{cmd.ID, cmd.Snapshot.Intent, result}})
	}
}

func (p *Poller) poll(ctx context.Context) (*Command, error) {
	req := pollRequest{MachineID: p.cfg.MachineID, LeaseTTLMs: p.cfg.LeaseTTL.Milliseconds()}
	var resp pollResponse
	if err := p.postJSON(ctx, p.cfg.PollPath, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Available || resp.Command == nil {
		return nil, nil
	}
	return resp.Command, nil
}

func (p *Poller) ack(ctx context.Context, commandID string) error {
	path := strings.ReplaceAll(p.cfg.AckPath, "{commandId}", commandID)
	return p.postJSON(ctx, path, ackRequest{MachineID: p.cfg.MachineID}, nil)
}

func (p *Poller) report(ctx context.Context, commandID string, result CommandResult, duplicate bool) error {
	path := strings.ReplaceAll(p.cfg.ResultPath, "{commandId}", commandID)
	body := resultRequest{MachineID: p.cfg.MachineID, Result: result, Duplicate: duplicate}
	return p.postJSON(ctx, path, body, nil)
}

func (p *Poller) postJSON(ctx context.Context, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", http.MethodPost, path, resp.Status, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
