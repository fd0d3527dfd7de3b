package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueue      = 256
	alertSendBudget = 10 * time.Second
	// Telegram rejects messages over 4096 bytes.
	alertMaxLen   = 3500
	alertValueLen = 600
)

// Keys rendered first, in this order, when present.
var alertLeadKeys = []string{"comp", "run_id", "key", "tenant", "channel", "err"}

// AlertConfig forwards records at or above MinLevel (default warn) to an
// AlertSender, at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers a pre-formatted alert to operators.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// alertSink is a zerolog.LevelWriter that hands formatted records to a
// background sender. Writes never block: over-rate and over-queue records
// are dropped.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	queue    chan string
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{sender: sender, minLevel: zerolog.WarnLevel, queue: make(chan string, alertQueue)}
}

func (a *alertSink) setSender(s AlertSender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.done = make(chan struct{})
		go a.run(ctx, a.done)
	}
	if a.sender == nil {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled but no alert sender is configured")
	}
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.limiter = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alertSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, alertSendBudget)
			_ = sender.SendAlert(sendCtx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level != zerolog.NoLevel && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON record as
//
//	[ERROR] message
//	comp: dispatch
//	err: ...
//
// with lead keys first and the rest sorted. Non-JSON input is passed through.
func formatAlert(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	skip := map[string]bool{
		zerolog.LevelFieldName:     true,
		zerolog.MessageFieldName:   true,
		zerolog.TimestampFieldName: true,
	}
	line := func(k string) {
		v, ok := rec[k]
		if !ok || skip[k] {
			return
		}
		skip[k] = true
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(v), alertValueLen))
	}
	for _, k := range alertLeadKeys {
		line(k)
	}
	rest := make([]string, 0, len(rec))
	for k := range rec {
		if !skip[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		line(k)
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
