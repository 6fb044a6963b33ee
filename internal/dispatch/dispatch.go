// Package dispatch delivers rendered notifications to Telegram chats.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// MaxMessageLength is the Telegram limit for one text message.
const MaxMessageLength = 4096

// ErrFormatRejected is returned when Telegram refuses a message as malformed.
// Retrying the same text will not help.
var ErrFormatRejected = errors.New("message rejected by telegram")

// TemporaryError wraps a failure worth retrying. RetryAfter is set when
// Telegram asked for a specific wait.
type TemporaryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TemporaryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// Target identifies the bot and chat a notification goes to.
type Target struct {
	Token  string
	ChatID int64
}

// Options controls message presentation.
type Options struct {
	DisablePreview bool
}

// Sender is the subset of tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type bot struct {
	api     Sender
	limiter *rate.Limiter
}

// Telegram sends MarkdownV2 messages, creating one bot client per token on
// first use.
type Telegram struct {
	mu     sync.Mutex
	bots   map[string]*bot
	newBot func(token string) (Sender, error)
	every  time.Duration
	log    *slog.Logger
}

// NewTelegram returns a Telegram dispatcher using client for API calls.
func NewTelegram(client *http.Client, log *slog.Logger) *Telegram {
	return &Telegram{
		bots: make(map[string]*bot),
		newBot: func(token string) (Sender, error) {
			api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
			if err != nil {
				return nil, fmt.Errorf("create bot api: %w", err)
			}
			return api, nil
		},
		// Telegram allows about one message per second per chat.
		every: time.Second,
		log:   log,
	}
}

func (t *Telegram) bot(token string) (*bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	api, err := t.newBot(token)
	if err != nil {
		return nil, classify(err)
	}
	b := &bot{api: api, limiter: rate.NewLimiter(rate.Every(t.every), 1)}
	t.bots[token] = b
	return b, nil
}

// Send splits text into chunks and sends them in order. It stops at the
// first failed chunk.
func (t *Telegram) Send(ctx context.Context, to Target, text string, opts Options) error {
	b, err := t.bot(to.Token)
	if err != nil {
		return err
	}

	chunks := Split(text, MaxMessageLength)
	for i, chunk := range chunks {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(to.ChatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.DisableWebPagePreview = opts.DisablePreview

		if _, err := b.api.Send(msg); err != nil {
			err = classify(err)
			if errors.Is(err, ErrFormatRejected) {
				t.log.Error("message rejected", "chat_id", to.ChatID, "chunk", i+1, "of", len(chunks),
					"text", excerpt(chunk, 200), "error", err)
			}
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// classify maps Bot API errors onto ErrFormatRejected and TemporaryError.
// Anything else, such as an invalid token, is returned unchanged.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Transport failures never reached the API.
		return &TemporaryError{Err: err}
	}
	switch {
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrFormatRejected, apiErr.Message)
	case apiErr.Code == http.StatusTooManyRequests:
		return &TemporaryError{
			Err:        err,
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
		}
	case apiErr.Code >= http.StatusInternalServerError:
		return &TemporaryError{Err: err}
	}
	return err
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
