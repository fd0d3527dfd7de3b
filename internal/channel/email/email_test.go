package email

import (
	"bytes"
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"duewatch/internal/channel"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{From: "a@b.test"}); err == nil {
		t.Fatalf("expected error without host")
	}
	if _, err := New(Config{Host: "smtp.test"}); err == nil {
		t.Fatalf("expected error without from")
	}
	s, err := New(Config{Host: "smtp.test", From: "a@b.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.cfg.Port != 587 || s.cfg.Timeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Host: "smtp.test", From: "reminders@duewatch.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := s.build(channel.Message{To: "ops@acme.test", Subject: "VAT due in 7 days", Body: "File by 2024-02-21."})

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"From: reminders@duewatch.test", "To: ops@acme.test", "Subject: VAT due in 7 days", "File by 2024-02-21."} {
		if !strings.Contains(out, want) {
			t.Fatalf("message missing %q:\n%s", want, out)
		}
	}
}

func TestSendWithoutRecipientIsPermanent(t *testing.T) {
	t.Parallel()

	s, _ := New(Config{Host: "smtp.test", From: "a@b.test"})
	if err := s.Send(context.Background(), channel.Message{}); !channel.IsNoRetry(err) {
		t.Fatalf("expected NoRetry, got %v", err)
	}
}

func TestSendUnreachableIsTransient(t *testing.T) {
	t.Parallel()

	s, _ := New(Config{Host: "127.0.0.1", Port: 1, From: "a@b.test", Timeout: time.Second})
	err := s.Send(context.Background(), channel.Message{To: "x@y.test", Subject: "s", Body: "b"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if channel.IsNoRetry(err) {
		t.Fatalf("connection refused should be retryable: %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if classify(nil) != nil {
		t.Fatalf("nil")
	}
	if !channel.IsNoRetry(classify(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})) {
		t.Fatalf("5xx must be permanent")
	}
	if channel.IsNoRetry(classify(&textproto.Error{Code: 421, Msg: "try later"})) {
		t.Fatalf("4xx must be retryable")
	}
	if channel.IsNoRetry(classify(errors.New("eof"))) {
		t.Fatalf("plain errors are retryable")
	}
}
