package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"calnotify/internal/notifier"
	"calnotify/pkg/logx"
)

type fakeBot struct {
	sent   []string
	opts   []*tele.SendOptions
	failAt int // 1-based; 0 never fails
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return nil, errors.New("telegram: Too Many Requests: retry after 5 (429)")
	}
	f.sent = append(f.sent, what.(string))
	if len(opts) > 0 {
		f.opts = append(f.opts, opts[0].(*tele.SendOptions))
	}
	return &tele.Message{ID: 100 + len(f.sent)}, nil
}

func TestText(t *testing.T) {
	got := Text(notifier.Message{Title: "Q&A", Content: "10:00 <standup>"})
	want := "<b>Q&amp;A</b>\n\n10:00 &lt;standup&gt;"
	if got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	if got := Text(notifier.Message{Content: "plain"}); got != "plain" {
		t.Fatalf("Text() without title = %q", got)
	}
}

func TestSplitText(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		if got := SplitText("hello", 10); len(got) != 1 || got[0] != "hello" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("prefers newline", func(t *testing.T) {
		s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
		got := SplitText(s, 10)
		if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("limit in runes", func(t *testing.T) {
		s := strings.Repeat("予", 9000)
		got := SplitText(s, textLimit)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		total := 0
		for _, c := range got {
			n := utf8.RuneCountInString(c)
			if n > textLimit {
				t.Fatalf("chunk of %d runes exceeds limit", n)
			}
			total += n
		}
		if total != 9000 {
			t.Fatalf("lost runes: %d", total)
		}
	})

	t.Run("no entity cut", func(t *testing.T) {
		s := "abcdefg&amp;xyz"
		got := SplitText(s, 10)
		if got[0] != "abcdefg" || got[1] != "&amp;xyz" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestDeliver(t *testing.T) {
	fb := &fakeBot{}
	s := newSender(Config{ChatID: 42, ThreadID: 7}, fb, logx.Nop())

	msg := notifier.Message{ID: "m1", Title: "Today", Content: strings.Repeat("line\n", 1500)}
	resp, err := s.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fb.sent) < 2 {
		t.Fatalf("expected split into chunks, got %d", len(fb.sent))
	}
	if ids := resp["message_ids"].([]int); len(ids) != len(fb.sent) || ids[0] != 101 {
		t.Fatalf("message_ids = %v", ids)
	}
	for _, o := range fb.opts {
		if o.ThreadID != 7 || o.ParseMode != tele.ModeHTML {
			t.Fatalf("send options = %+v", o)
		}
	}
}

func TestDeliverPartialFailure(t *testing.T) {
	fb := &fakeBot{failAt: 2}
	s := newSender(Config{ChatID: 42}, fb, logx.Nop())

	msg := notifier.Message{ID: "m1", Content: strings.Repeat("line\n", 1500)}
	resp, err := s.Deliver(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error")
	}
	if ids := resp["message_ids"].([]int); len(ids) != 1 {
		t.Fatalf("message_ids = %v, want the first chunk only", ids)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing chat id")
	}
	if _, err := New(Config{Token: "123:abc", ChatID: 1}, logx.Nop()); err != nil {
		t.Fatalf("offline bot should not touch the network: %v", err)
	}
}
