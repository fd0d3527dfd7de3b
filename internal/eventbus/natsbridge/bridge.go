// Package natsbridge forwards in-process bus events to NATS subjects so
// other services can follow dispatch outcomes.
package natsbridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

const defaultPrefix = "duewatch"

type Config struct {
	URL           string
	SubjectPrefix string
	Buffer        int
	Name          string
}

// Publisher is the part of *nats.Conn the forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnects and logging handlers.
func Connect(cfg Config, log logx.Logger) (*nats.Conn, error) {
	name := cfg.Name
	if name == "" {
		name = "duewatch"
	}
	return nats.Connect(cfg.URL,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from nats", logx.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", logx.String("url", nc.ConnectedUrl()))
		}),
	)
}

// Message is the JSON payload published for each event.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Forwarder struct {
	pub    Publisher
	prefix string
	buffer int
	log    logx.Logger
}

func NewForwarder(pub Publisher, cfg Config, log logx.Logger) *Forwarder {
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{pub: pub, prefix: prefix, buffer: buf, log: log.With(logx.String("comp", "natsbridge"))}
}

// Subject maps an event type to its subject, e.g. "duewatch.dispatch.run.finished".
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

// Run forwards events until ctx is done. Publish failures are logged and
// the event dropped; the bus never blocks on NATS.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(f.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ev)
		}
	}
}

func (f *Forwarder) forward(ev eventbus.Event) {
	b, err := json.Marshal(Message{Type: ev.Type, Time: ev.Time, Data: ev.Data})
	if err != nil {
		f.log.Warn("event not serializable", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	if err := f.pub.Publish(f.Subject(ev.Type), b); err != nil {
		f.log.Warn("nats publish failed", logx.String("type", ev.Type), logx.Err(err))
	}
}
