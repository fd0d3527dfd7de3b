package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"duewatch/internal/domain"
)

// Message is a rendered notification for one recipient.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages on one channel. Send must honor ctx cancellation.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) error
}

// Registry maps channels to senders. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[domain.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sender for s.Channel().
func (r *Registry) Register(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.senders[s.Channel()] = s
	r.mu.Unlock()
}

func (r *Registry) Get(ch domain.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Channels lists registered channels in name order.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	out := make([]domain.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a function to Sender.
type Func struct {
	Ch domain.Channel
	Fn func(ctx context.Context, msg Message) error
}

func (f Func) Channel() domain.Channel { return f.Ch }

func (f Func) Send(ctx context.Context, msg Message) error {
	if f.Fn == nil {
		return NoRetry(fmt.Errorf("%s: no send function", f.Ch))
	}
	return f.Fn(ctx, msg)
}
