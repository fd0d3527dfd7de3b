// Package telegram delivers operator alerts to a Telegram chat. It backs
// the logx alert sink.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   string
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL string
}

type Sender struct {
	bot    *tele.Bot
	chat   tele.ChatID
	thread int
}

// New builds the sender without contacting Telegram.
func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat_id %q: %w", cfg.ChatID, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, chat: tele.ChatID(id), thread: cfg.ThreadID}, nil
}

// SendAlert implements logx.AlertSender. Long texts are split on line
// boundaries.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range split(text, textLimit) {
		if err := s.send(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) send(ctx context.Context, text string) error {
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: s.thread}
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// split cuts s into chunks of at most limit runes, preferring newlines.
func split(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i > start+limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
