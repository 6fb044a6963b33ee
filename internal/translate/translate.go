// Package translate provides title translation with credential fallback.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
)

// ErrUnrecognizedLanguage is returned when the provider cannot identify the
// source language. Retrying does not help.
var ErrUnrecognizedLanguage = errors.New("source language not recognized")

const (
	maxInputBytes = 2000
	minRunes      = 3
	minAlphaRatio = 0.3
)

// Translator translates text between languages. An empty source means auto-detect.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Fallback tries each provider in order, retrying transient failures of each.
type Fallback struct {
	providers []Translator
	log       *slog.Logger
	backoff   func() retry.Backoff
}

// NewFallback returns a Fallback over providers, typically the primary and
// secondary credential sets.
func NewFallback(log *slog.Logger, providers ...Translator) *Fallback {
	return &Fallback{
		providers: providers,
		log:       log,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(2 * time.Second)
			b = retry.WithCappedDuration(10*time.Second, b)
			return retry.WithMaxRetries(1, b)
		},
	}
}

// Translate returns text unchanged when it is too short, mostly symbols or
// already in the target language.
// Otherwise it returns the first successful provider result.
func (f *Fallback) Translate(ctx context.Context, text, source, target string) (string, error) {
	text = strings.TrimSpace(text)
	if !Worthwhile(text) || InLanguage(text, target) {
		return text, nil
	}
	input := Truncate(text, maxInputBytes)

	var errs []error
	for i, p := range f.providers {
		var out string
		err := retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
			var err error
			out, err = p.Translate(ctx, input, source, target)
			if err != nil {
				if errors.Is(err, ErrUnrecognizedLanguage) {
					return err
				}
				return retry.RetryableError(err)
			}
			return nil
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrUnrecognizedLanguage) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.log.Warn("translate", "provider", i, "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", errors.New("no translation provider configured")
	}
	return "", fmt.Errorf("all translation providers failed: %w", errors.Join(errs...))
}

// Worthwhile reports whether text is long enough and has enough letters to
// be worth translating.
func Worthwhile(text string) bool {
	n := utf8.RuneCountInString(text)
	if n <= minRunes {
		return false
	}
	letters := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return float64(letters)/float64(n) >= minAlphaRatio
}

// Truncate cuts s to at most limit bytes without splitting a rune.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
