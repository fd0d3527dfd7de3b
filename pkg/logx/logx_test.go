package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func newCapture() *captureSender { return &captureSender{got: make(chan struct{}, 8)} }

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFormatAlertOrdersLeadKeys(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"error","time":"x","message":"run aborted","zeta":1,"err":"store down","run_id":"r1","comp":"dispatch"}` + "\n")
	got := formatAlert(line)

	want := "[ERROR] run aborted\ncomp: dispatch\nrun_id: r1\nerr: store down\nzeta: 1"
	if got != want {
		t.Fatalf("formatAlert()=%q want %q", got, want)
	}
}

func TestFormatAlertPassesThroughText(t *testing.T) {
	t.Parallel()

	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", alertMaxLen+50)
	if got := formatAlert([]byte(long)); len(got) != alertMaxLen || !strings.HasSuffix(got, "...") {
		t.Fatalf("long text not clipped: len=%d", len(got))
	}
}

func TestAlertsForwardAboveMinLevel(t *testing.T) {
	sender := newCapture()
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "test.log")},
	}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	log.With(String("comp", "dispatch")).Error("dispatch run failed", String("run_id", "abc"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert was not forwarded")
	}
	msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("forwarded %d alerts, want 1: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[ERROR] dispatch run failed\ncomp: dispatch\nrun_id: abc") {
		t.Fatalf("unexpected alert text %q", msgs[0])
	}
}

func TestApplyDisablesAlertsAndWritesFile(t *testing.T) {
	sender := newCapture()
	path := filepath.Join(t.TempDir(), "svc.log")
	svc, log := New(Config{Level: "info", Alert: AlertConfig{Enabled: true, MinLevel: "warn"}}, sender)
	defer svc.Close()

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Error("after reload", Int("n", 1))
	log.Debug("filtered")

	select {
	case <-sender.got:
		t.Fatalf("alert forwarded after alerts were disabled")
	case <-time.After(100 * time.Millisecond):
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, `"message":"after reload"`) || !strings.Contains(out, `"n":1`) {
		t.Fatalf("file missing record: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("debug record written at info level: %s", out)
	}
	if !strings.Contains(out, `"caller":"logx_test.go:`) {
		t.Fatalf("caller should point at the call site: %s", out)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatalf("Nop should not report IsZero")
	}
	l.With(String("k", "v"), Err(nil)).Info("ignored")
	Nop().Error("ignored", Any("x", struct{}{}))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
