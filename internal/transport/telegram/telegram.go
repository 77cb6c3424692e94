// Package telegram delivers notifier messages through the Telegram Bot API.
// The bot never polls; it only sends.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"calnotify/internal/notifier"
	"calnotify/pkg/logx"
)

// textLimit is Telegram's maximum message length in runes.
const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Empty means api.telegram.org.
	APIURL  string
	Timeout time.Duration
	// DisablePreview suppresses link previews.
	DisablePreview bool
}

// botAPI is the part of *tele.Bot the sender uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender is a notifier.Transport.
type Sender struct {
	cfg Config
	bot botAPI
	log logx.Logger
}

var _ notifier.Transport = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  newHTTPClient(cfg.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newSender(cfg, b, log), nil
}

func newSender(cfg Config, bot botAPI, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, bot: bot, log: log.With(logx.String("comp", "telegram"), logx.Int64("chat_id", cfg.ChatID))}
}

// Text renders msg as Telegram HTML: a bold title line, then the content.
func Text(msg notifier.Message) string {
	body := html.EscapeString(msg.Content)
	if strings.TrimSpace(msg.Title) == "" {
		return body
	}
	return "<b>" + html.EscapeString(msg.Title) + "</b>\n\n" + body
}

// Deliver sends msg in as many chunks as needed. A failure after the first
// chunk reports the chunks already sent.
func (s *Sender) Deliver(ctx context.Context, msg notifier.Message) (map[string]any, error) {
	chunks := SplitText(Text(msg), textLimit)
	chat := &tele.Chat{ID: s.cfg.ChatID}

	ids := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return map[string]any{"message_ids": ids}, err
		}
		sent, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: s.cfg.DisablePreview,
			ThreadID:              s.cfg.ThreadID,
		})
		if err != nil {
			return map[string]any{"message_ids": ids}, fmt.Errorf("telegram send: %w", err)
		}
		if sent != nil {
			ids = append(ids, sent.ID)
		}
	}
	s.log.Debug("telegram delivered", logx.String("message_id", msg.ID), logx.Int("chunks", len(chunks)))
	return map[string]any{"message_ids": ids}, nil
}

// SplitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag or entity.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			// Avoid tiny chunks when the only newline is near the start.
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			end = avoidMarkupCut(rs, start, end)
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// avoidMarkupCut moves end back to before a dangling '<' or '&'.
func avoidMarkupCut(rs []rune, start, end int) int {
	for i := end - 1; i > start; i-- {
		switch rs[i] {
		case '>', ';':
			return end
		case '<', '&':
			return i
		}
	}
	return end
}
