package logx

import "testing"

func TestLoggerEnabled(t *testing.T) {
	t.Parallel()

	log := NewConsole("warn")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be off at warn level")
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be off at warn level")
	}
	if !log.Enabled(LevelWarn) {
		t.Fatal("warn should be on at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be on at warn level")
	}
}

func TestNopLoggerEnabled(t *testing.T) {
	t.Parallel()

	if Nop().Enabled(LevelError) {
		t.Fatal("the nop logger should report every level disabled")
	}
}
