package task

import (
	"testing"
	"time"
)

func ptrInt64(v int64) *int64 { return &v }

func TestNextRunMsAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 20, 0, 2, 0, 0, time.UTC)
	tests := []struct {
		name   string
		at     string
		want   int64
		wantOK bool
	}{
		{"future instant", "2026-02-20T12:00:00Z", time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC).UnixMilli(), true},
		{"past instant never fires", "2026-02-19T12:00:00Z", 0, false},
		{"now itself is not future", "2026-02-20T00:02:00Z", 0, false},
		{"garbage", "not-a-time", 0, false},
		{"empty", "", 0, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextRunMs(Schedule{Kind: ScheduleAt, At: tc.at}, now)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("NextRunMs = (%d, %v), want (%d, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestNextRunMsEveryPhase(t *testing.T) {
	t.Parallel()

	// The result must stay on the anchor's phase and be strictly in the future.
	now := time.Date(2026, 2, 20, 0, 2, 0, 0, time.UTC)
	nowMs := now.UnixMilli()

	tests := []struct {
		name   string
		period int64
		anchor *int64
	}{
		{"anchored in the past", 10_000, ptrInt64(nowMs - 123_456)},
		{"anchored in the future", 10_000, ptrInt64(nowMs + 45_000)},
		{"anchor exactly now", 10_000, ptrInt64(nowMs)},
		{"no anchor defaults to now", 10_000, nil},
		{"one millisecond period", 1, ptrInt64(nowMs - 999)},
		{"odd period", 7_321, ptrInt64(nowMs - 7_321*13)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sch := Schedule{Kind: ScheduleEvery, EveryMs: tc.period, AnchorMs: tc.anchor}
			got, ok := NextRunMs(sch, now)
			if !ok {
				t.Fatal("expected a next run")
			}
			if got <= nowMs {
				t.Fatalf("next run %d is not after now %d", got, nowMs)
			}
			anchor := nowMs
			if tc.anchor != nil {
				anchor = *tc.anchor
			}
			if diff := got - anchor; diff%tc.period != 0 {
				t.Fatalf("next run %d is off phase: (next-anchor) %% period = %d", got, diff%tc.period)
			}
		})
	}
}

func TestNextRunMsEveryInvalidPeriod(t *testing.T) {
	t.Parallel()

	if _, ok := NextRunMs(Schedule{Kind: ScheduleEvery, EveryMs: 0}, time.Now()); ok {
		t.Fatal("zero period should never fire")
	}
	if _, ok := NextRunMs(Schedule{Kind: ScheduleEvery, EveryMs: -5}, time.Now()); ok {
		t.Fatal("negative period should never fire")
	}
}

func TestNextRunMsCron(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 20, 0, 2, 0, 0, time.UTC)

	t.Run("every five minutes", func(t *testing.T) {
		t.Parallel()
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("expected a next run")
		}
		want := time.Date(2026, 2, 20, 0, 5, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("six field expression with seconds", func(t *testing.T) {
		t.Parallel()
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "30 * * * * *", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("expected a next run")
		}
		want := time.Date(2026, 2, 20, 0, 2, 30, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("timezone changes the wall clock", func(t *testing.T) {
		t.Parallel()
		// 09:00 in Tokyo is 00:00 UTC; evaluated at 00:02 UTC the next
		// Tokyo 09:00 is tomorrow.
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "Asia/Tokyo"}, now)
		if !ok {
			t.Fatal("expected a next run")
		}
		want := time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("descriptor", func(t *testing.T) {
		t.Parallel()
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "@hourly", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("expected a next run")
		}
		want := time.Date(2026, 2, 20, 1, 0, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("day of week seven is sunday", func(t *testing.T) {
		t.Parallel()
		// now is a Friday; the next Sunday midnight is Feb 22.
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "0 0 * * 7", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("dow 7 must be accepted as Sunday")
		}
		want := time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("day of week range ending in seven", func(t *testing.T) {
		t.Parallel()
		// 5-7 covers Fri through Sun; Friday 00:30 is the next admissible
		// instant after 00:02.
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "30 0 * * 5-7", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("dow range ending in 7 must be accepted")
		}
		want := time.Date(2026, 2, 20, 0, 30, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("stepped day of week range ending in seven", func(t *testing.T) {
		t.Parallel()
		// 1-7/2 covers Mon, Wed, Fri and Sun; Friday qualifies, so the next
		// minute fires.
		got, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "* * * * 1-7/2", TZ: "UTC"}, now)
		if !ok {
			t.Fatal("stepped dow range ending in 7 must be accepted")
		}
		want := time.Date(2026, 2, 20, 0, 3, 0, 0, time.UTC).UnixMilli()
		if got != want {
			t.Fatalf("next = %s, want %s", time.UnixMilli(got).UTC(), time.UnixMilli(want).UTC())
		}
	})

	t.Run("impossible date never fires", func(t *testing.T) {
		t.Parallel()
		if _, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "0 0 30 2 *", TZ: "UTC"}, now); ok {
			t.Fatal("Feb 30 should never fire")
		}
	})

	t.Run("bad expression", func(t *testing.T) {
		t.Parallel()
		if _, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "bogus"}, now); ok {
			t.Fatal("invalid expression should never fire")
		}
	})

	t.Run("bad timezone", func(t *testing.T) {
		t.Parallel()
		if _, ok := NextRunMs(Schedule{Kind: ScheduleCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, now); ok {
			t.Fatal("invalid timezone should never fire")
		}
	})
}

func TestNormalizeDow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		want string
	}{
		{"standalone seven", "0 0 * * 7", "0 0 * * 0"},
		{"range ending in seven", "30 0 * * 5-7", "30 0 * * 5-6,0"},
		{"seven in a list", "0 9 * * 1,7", "0 9 * * 1,0"},
		{"seven to seven", "0 0 * * 7-7", "0 0 * * 0"},
		{"stepped range", "* * * * 1-7/2", "* * * * 1,3,5,0"},
		{"six fields", "0 0 0 * * 7", "0 0 0 * * 0"},
		{"seven elsewhere untouched", "7 7 * * 1", "7 7 * * 1"},
		{"descriptor untouched", "@hourly", "@hourly"},
		{"names untouched", "0 0 * * SUN", "0 0 * * SUN"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeDow(tc.expr); got != tc.want {
				t.Fatalf("normalizeDow(%q) = %q, want %q", tc.expr, got, tc.want)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sch     Schedule
		wantErr bool
	}{
		{"valid at", Schedule{Kind: ScheduleAt, At: "2026-03-01T00:00:00Z"}, false},
		{"invalid at", Schedule{Kind: ScheduleAt, At: "tomorrow"}, true},
		{"valid every", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, false},
		{"zero every", Schedule{Kind: ScheduleEvery}, true},
		{"valid cron", Schedule{Kind: ScheduleCron, Expr: "*/10 * * * *"}, false},
		{"cron sunday as seven", Schedule{Kind: ScheduleCron, Expr: "0 9 * * 7"}, false},
		{"cron sunday as seven in list", Schedule{Kind: ScheduleCron, Expr: "0 9 * * 1,7"}, false},
		{"invalid cron", Schedule{Kind: ScheduleCron, Expr: "* * *"}, true},
		{"invalid tz", Schedule{Kind: ScheduleCron, Expr: "* * * * *", TZ: "Nowhere"}, true},
		{"unknown kind", Schedule{Kind: "weekly"}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSchedule(tc.sch)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateSchedule() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
