package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
)

type mockSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	errs []error
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	m.sent = append(m.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func newTestTelegram(senders map[string]*mockSender) (*Telegram, *int) {
	created := 0
	tg := NewTelegram(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tg.every = 0
	tg.newBot = func(token string) (Sender, error) {
		s, ok := senders[token]
		if !ok {
			return nil, &tgbotapi.Error{Code: 401, Message: "Unauthorized"}
		}
		created++
		return s, nil
	}
	return tg, &created
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "fits",
			text:  "a\n\nb",
			limit: 10,
			want:  []string{"a\n\nb"},
		},
		{
			name:  "paragraph boundaries",
			text:  "aaaa\n\nbbbb\n\ncccc",
			limit: 10,
			want:  []string{"aaaa\n\nbbbb", "cccc"},
		},
		{
			name:  "oversized paragraph is hard split",
			text:  "aa\n\nbbbbbbbbbbbb\n\ncc",
			limit: 5,
			want:  []string{"aa", "bbbbb", "bbbbb", "bb", "cc"},
		},
		{
			name:  "cut prefers the last space",
			text:  "alpha beta gamma",
			limit: 12,
			want:  []string{"alpha beta", "gamma"},
		},
		{
			name:  "bold closed and reopened across a cut",
			text:  "*aaaa bbbb cccc*",
			limit: 12,
			want:  []string{"*aaaa bbbb*", "*cccc*"},
		},
		{
			name:  "link kept whole",
			text:  strings.Repeat("a", 20) + "[more](https://ex.com/x)",
			limit: 25,
			want:  []string{strings.Repeat("a", 20), "[more](https://ex.com/x)"},
		},
		{
			name:  "escape never left dangling",
			text:  `a\.\.\.\.`,
			limit: 4,
			want:  []string{`a\.`, `\.\.`, `\.`},
		},
		{
			name:  "multibyte runes counted once",
			text:  "日本語日本語\n\n中文",
			limit: 6,
			want:  []string{"日本語日本語", "中文"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Split(tt.text, tt.limit)); diff != "" {
				t.Errorf("Split() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitLongNotification(t *testing.T) {
	var paras []string
	for i := 0; i < 300; i++ {
		paras = append(paras, "*Entry title number "+strings.Repeat("x", i%40)+"*\n[more](https://example.com/p)")
	}
	text := strings.Join(paras, "\n\n")

	chunks := Split(text, MaxMessageLength)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > MaxMessageLength {
			t.Errorf("chunk %d has %d runes, limit %d", i, n, MaxMessageLength)
		}
	}
	if diff := cmp.Diff(text, strings.Join(chunks, "\n\n")); diff != "" {
		t.Errorf("reassembled text mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitEscapedParagraph(t *testing.T) {
	dots := tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, strings.Repeat(".", 3000))
	text := "*xy" + dots + "*"

	want := []string{
		"*xy" + strings.Repeat(`\.`, 2046) + "*",
		"*" + strings.Repeat(`\.`, 954) + "*",
	}
	got := Split(text, MaxMessageLength)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split() mismatch (-want +got):\n%s", diff)
	}
	for i, c := range got {
		rs := []rune(c)
		if n := len(rs); n > MaxMessageLength {
			t.Errorf("chunk %d has %d runes, limit %d", i, n, MaxMessageLength)
		}
		if open := openEntities(nil, rs); len(open) > 0 {
			t.Errorf("chunk %d leaves %v open", i, open)
		}
	}
}

func TestTelegramSend(t *testing.T) {
	s := &mockSender{}
	tg, _ := newTestTelegram(map[string]*mockSender{"tok": s})

	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)
	err := tg.Send(context.Background(), Target{Token: "tok", ChatID: -100}, text, Options{DisablePreview: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(s.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(s.sent))
	}
	for i, m := range s.sent {
		if m.ChatID != -100 || m.ParseMode != tgbotapi.ModeMarkdownV2 || !m.DisableWebPagePreview {
			t.Errorf("message %d: chat=%d mode=%q preview disabled=%v", i, m.ChatID, m.ParseMode, m.DisableWebPagePreview)
		}
	}
	if diff := cmp.Diff(strings.Repeat("b", 3000), s.sent[1].Text); diff != "" {
		t.Errorf("second chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramReusesBotPerToken(t *testing.T) {
	a, b := &mockSender{}, &mockSender{}
	tg, created := newTestTelegram(map[string]*mockSender{"a": a, "b": b})
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "a", "a"} {
		if err := tg.Send(ctx, Target{Token: tok, ChatID: 1}, "hi", Options{}); err != nil {
			t.Fatalf("send %s: %v", tok, err)
		}
	}
	if *created != 2 {
		t.Errorf("created %d bots, want 2", *created)
	}
	if len(a.sent) != 3 || len(b.sent) != 1 {
		t.Errorf("sent a=%d b=%d, want 3 and 1", len(a.sent), len(b.sent))
	}
}

func TestTelegramSendErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantRejected   bool
		wantTemporary  bool
		wantRetryAfter time.Duration
	}{
		{
			name:         "bad markdown",
			err:          &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"},
			wantRejected: true,
		},
		{
			name:           "flood control",
			err:            &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}},
			wantTemporary:  true,
			wantRetryAfter: 7 * time.Second,
		},
		{
			name:          "server error",
			err:           &tgbotapi.Error{Code: 502, Message: "Bad Gateway"},
			wantTemporary: true,
		},
		{
			name:          "network",
			err:           errors.New("dial tcp: connection refused"),
			wantTemporary: true,
		},
		{
			name: "forbidden",
			err:  &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSender{errs: []error{tt.err}}
			tg, _ := newTestTelegram(map[string]*mockSender{"tok": s})

			err := tg.Send(context.Background(), Target{Token: "tok", ChatID: 1}, "hello", Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrFormatRejected); got != tt.wantRejected {
				t.Errorf("format rejected = %v, want %v", got, tt.wantRejected)
			}
			var tmp *TemporaryError
			if got := errors.As(err, &tmp); got != tt.wantTemporary {
				t.Fatalf("temporary = %v, want %v", got, tt.wantTemporary)
			}
			if tmp != nil && tmp.RetryAfter != tt.wantRetryAfter {
				t.Errorf("retry after = %s, want %s", tmp.RetryAfter, tt.wantRetryAfter)
			}
		})
	}
}

func TestTelegramInvalidToken(t *testing.T) {
	tg, _ := newTestTelegram(nil)
	err := tg.Send(context.Background(), Target{Token: "nope", ChatID: 1}, "hi", Options{})

	var tmp *TemporaryError
	if err == nil || errors.As(err, &tmp) || errors.Is(err, ErrFormatRejected) {
		t.Errorf("Send() error = %v, want permanent error", err)
	}
}

func TestTelegramStopsAtFailedChunk(t *testing.T) {
	s := &mockSender{errs: []error{nil, &tgbotapi.Error{Code: 400, Message: "can't parse entities"}}}
	tg, _ := newTestTelegram(map[string]*mockSender{"tok": s})

	text := strings.Repeat("a", 4000) + "\n\n" + strings.Repeat("b", 4000) + "\n\n" + strings.Repeat("c", 4000)
	err := tg.Send(context.Background(), Target{Token: "tok", ChatID: 1}, text, Options{})
	if !errors.Is(err, ErrFormatRejected) {
		t.Fatalf("Send() error = %v, want ErrFormatRejected", err)
	}
	if len(s.sent) != 1 {
		t.Errorf("sent %d chunks before failure, want 1", len(s.sent))
	}
}
