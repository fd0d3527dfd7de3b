package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

type fakePub struct {
	mu   sync.Mutex
	msgs map[string][]byte
	fail bool
}

func (p *fakePub) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats: connection closed")
	}
	if p.msgs == nil {
		p.msgs = map[string][]byte{}
	}
	p.msgs[subject] = data
	return nil
}

func (p *fakePub) get(subject string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.msgs[subject]
	return b, ok
}

func TestForwarderPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	pub := &fakePub{}
	f := NewForwarder(pub, Config{SubjectPrefix: "acme.duewatch."}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus) }()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypePlansDowngraded, Data: map[string]int{"downgraded": 2}})

	subject := "acme.duewatch.plans.downgraded"
	deadline := time.Now().Add(2 * time.Second)
	var raw []byte
	for time.Now().Before(deadline) {
		if b, ok := pub.get(subject); ok {
			raw = b
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if raw == nil {
		t.Fatalf("nothing published on %s", subject)
	}
	var msg struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != eventbus.TypePlansDowngraded || msg.Data["downgraded"] != 2 {
		t.Fatalf("msg = %+v", msg)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	f := NewForwarder(&fakePub{fail: true}, Config{}, logx.Nop())
	if got := f.Subject("dispatch.run.failed"); got != "duewatch.dispatch.run.failed" {
		t.Fatalf("subject = %q", got)
	}
	f.forward(eventbus.Event{Type: "dispatch.run.failed"})
	f.forward(eventbus.Event{Type: "bad", Data: func() {}})
}
