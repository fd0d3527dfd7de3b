// Package console is a dry-run sender that writes notifications to the log
// instead of delivering them.
package console

import (
	"context"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	logx "duewatch/pkg/logx"
)

type Sender struct {
	ch  domain.Channel
	log logx.Logger
}

func New(ch domain.Channel, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{ch: ch, log: log.With(logx.String("comp", "console-sender"), logx.String("channel", string(ch)))}
}

func (s *Sender) Channel() domain.Channel { return s.ch }

func (s *Sender) Send(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("notification (dry run)",
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
		logx.Int("body_len", len(msg.Body)),
	)
	return nil
}
