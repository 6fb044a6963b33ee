// Package render turns entries into Telegram MarkdownV2 notification text.
package render

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/microcosm-cc/bluemonday"

	"feedrelay/internal/model"
	"feedrelay/internal/translate"
)

const (
	untitled      = "(untitled)"
	unknownSource = "Unknown source"
)

var (
	reWrappedTag = regexp.MustCompile(`#([^#\s]+)#`)
	reHashtag    = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	reMention    = regexp.MustCompile(`@\S+`)
	reEmptyQuote = regexp.MustCompile(`【\s*】`)
	reLoneHash   = regexp.MustCompile(`(^|\s)#(\s|$)`)
	reLoneColon  = regexp.MustCompile(`(^|\s)：(\s|$)`)
)

// Item is one entry ready for templating. Subject is plain text.
type Item struct {
	Subject string
	Link    string
	Summary string
}

// NewItem shows e under subject.
func NewItem(subject string, e model.Entry) Item {
	return Item{Subject: subject, Link: e.Link, Summary: e.Summary}
}

// Renderer builds notification text. Translation is optional.
type Renderer struct {
	translator translate.Translator
	source     string
	target     string
	strip      *bluemonday.Policy
	log        *slog.Logger
}

// New creates a Renderer. tr may be nil, in which case titles are never translated.
func New(tr translate.Translator, sourceLang, targetLang string, log *slog.Logger) *Renderer {
	return &Renderer{
		translator: tr,
		source:     sourceLang,
		target:     targetLang,
		strip:      bluemonday.StrictPolicy(),
		log:        log,
	}
}

// Clean strips markup, hashtags and mentions from s.
func (r *Renderer) Clean(s string) string {
	s = html.UnescapeString(r.strip.Sanitize(s))
	s = reWrappedTag.ReplaceAllString(s, "$1")
	s = reHashtag.ReplaceAllString(s, "")
	s = strings.TrimSpace(reMention.ReplaceAllString(s, ""))
	s = reEmptyQuote.ReplaceAllString(s, "")
	s = reLoneHash.ReplaceAllString(s, "$1$2")
	s = reLoneColon.ReplaceAllString(s, "$1$2")
	return strings.TrimSpace(s)
}

// Subject returns the cleaned title, translated when requested and possible.
// Translation failures fall back to the cleaned title.
func (r *Renderer) Subject(ctx context.Context, title string, translateTitle bool) string {
	subject := r.Clean(title)
	if subject == "" {
		subject = untitled
	}
	if !translateTitle || r.translator == nil {
		return subject
	}
	out, err := r.translator.Translate(ctx, subject, r.source, r.target)
	if err != nil {
		r.log.Debug("translation skipped", "title", subject, "error", err)
		return subject
	}
	if out = strings.TrimSpace(out); out == "" {
		return subject
	}
	return out
}

// Entries renders the entries of one source, translating titles per policy.
func (r *Renderer) Entries(ctx context.Context, p model.Policy, source string, entries []model.Entry) string {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, NewItem(r.Subject(ctx, e.Title, p.Translate), e))
	}
	return r.Render(p, source, items)
}

// Render builds the notification for one source: header, one templated block
// per item separated by blank lines, and an optional item count.
func (r *Renderer) Render(p model.Policy, source string, items []Item) string {
	if len(items) == 0 {
		return ""
	}
	if strings.TrimSpace(source) == "" {
		source = unknownSource
	}
	safeSource := Escape(source)

	var b strings.Builder
	if p.HeaderTemplate != "" {
		b.WriteString(strings.ReplaceAll(p.HeaderTemplate, "{source}", safeSource))
		b.WriteString("\n")
	}

	withSummary := strings.Contains(p.Template, "{summary}")
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		pairs := []string{
			"{subject}", Escape(it.Subject),
			"{source}", safeSource,
			"{url}", EscapeURL(it.Link),
		}
		if withSummary {
			pairs = append(pairs, "{summary}", Escape(r.Clean(it.Summary)))
		}
		b.WriteString(strings.NewReplacer(pairs...).Replace(p.Template))
	}

	if p.ShowCount {
		b.WriteString(Escape(fmt.Sprintf("\n\n✅ %d new items", len(items))))
	}
	return b.String()
}

// Escape escapes s for MarkdownV2 text.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}

// EscapeURL escapes s for the URL part of a MarkdownV2 inline link.
func EscapeURL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", `\)`)
}
