package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronSearchHorizon bounds how far forward a cron expression is evaluated.
// An expression with no admissible instant inside the horizon reports
// "never again" instead of searching indefinitely.
const cronSearchHorizon = 366 * 24 * time.Hour

// cronParser accepts 5-field expressions plus an optional leading seconds
// field and the @-descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRunMs computes the next execution instant (epoch milliseconds) strictly
// after now. ok=false means the schedule will never fire again.
func NextRunMs(sch Schedule, now time.Time) (int64, bool) {
	switch sch.Kind {
	case ScheduleAt:
		t, err := parseInstant(sch.At)
		if err != nil {
			return 0, false
		}
		if t.After(now) {
			return t.UnixMilli(), true
		}
		return 0, false

	case ScheduleEvery:
		period := sch.EveryMs
		if period <= 0 {
			return 0, false
		}
		nowMs := now.UnixMilli()
		anchor := nowMs
		if sch.AnchorMs != nil {
			anchor = *sch.AnchorMs
		}
		var next int64
		if nowMs < anchor {
			next = anchor
		} else {
			k := (nowMs - anchor) / period
			next = anchor + (k+1)*period
		}
		// Safety floor: never hand back a non-future instant.
		if next <= nowMs {
			next = nowMs + period
		}
		return next, true

	case ScheduleCron:
		sched, loc, err := parseCron(sch)
		if err != nil {
			return 0, false
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() || next.Sub(now) > cronSearchHorizon {
			return 0, false
		}
		return next.UnixMilli(), true

	default:
		return 0, false
	}
}

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty instant")
	}
	return time.Parse(time.RFC3339, raw)
}

func parseCron(sch Schedule) (cron.Schedule, *time.Location, error) {
	expr := strings.TrimSpace(sch.Expr)
	if expr == "" {
		return nil, nil, errors.New("empty cron expression")
	}
	sched, err := cronParser.Parse(normalizeDow(expr))
	if err != nil {
		return nil, nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(sch.TZ); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	return sched, loc, nil
}

// normalizeDow rewrites 7 in the day-of-week field to 0 before parsing.
// Classic crontab accepts 7 for Sunday, robfig's parser bounds the field
// at 0-6 and would reject it.
func normalizeDow(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		return expr
	}
	dow := len(fields) - 1
	if !strings.Contains(fields[dow], "7") {
		return expr
	}
	parts := strings.Split(fields[dow], ",")
	rewritten := make([]string, 0, len(parts))
	for _, part := range parts {
		rewritten = append(rewritten, rewriteDowPart(part)...)
	}
	fields[dow] = strings.Join(rewritten, ",")
	return strings.Join(fields, " ")
}

func rewriteDowPart(part string) []string {
	if part == "7" {
		return []string{"0"}
	}
	body, step, hasStep := strings.Cut(part, "/")
	lo, hi, isRange := strings.Cut(body, "-")
	if !isRange || hi != "7" {
		return []string{part}
	}
	if lo == "7" {
		return []string{"0"}
	}
	if !hasStep {
		// 5-7 fires Fri, Sat and Sun.
		return []string{lo + "-6", "0"}
	}
	// A stepped range ending in 7 is enumerated so the wrap to Sunday
	// stays explicit.
	from, loErr := strconv.Atoi(lo)
	by, stepErr := strconv.Atoi(step)
	if loErr != nil || stepErr != nil || by <= 0 || from < 0 || from > 6 {
		return []string{part}
	}
	vals := make([]string, 0, 4)
	for v := from; v <= 7; v += by {
		if v == 7 {
			vals = append(vals, "0")
		} else {
			vals = append(vals, strconv.Itoa(v))
		}
	}
	return vals
}

// ValidateSchedule rejects schedules NextRunMs could never evaluate.
// Used at add/update time so broken specs fail before any side effect.
func ValidateSchedule(sch Schedule) error {
	switch sch.Kind {
	case ScheduleAt:
		_, err := parseInstant(sch.At)
		return err
	case ScheduleEvery:
		if sch.EveryMs <= 0 {
			return errors.New("everyMs must be > 0")
		}
		return nil
	case ScheduleCron:
		_, _, err := parseCron(sch)
		return err
	default:
		return fmt.Errorf("unknown schedule kind %q", sch.Kind)
	}
}
