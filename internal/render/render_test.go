package render

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedrelay/internal/model"
	"feedrelay/internal/translate"
)

type mockTranslator struct {
	mu     sync.Mutex
	out    string
	err    error
	inputs []string
}

func (m *mockTranslator) Translate(_ context.Context, text, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, text)
	return m.out, m.err
}

func newTestRenderer(tr translate.Translator) *Renderer {
	return New(tr, "", "zh", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "<p>Hello <b>world</b></p>", want: "Hello world"},
		{in: "Tom &amp; Jerry", want: "Tom & Jerry"},
		{in: "#k8s# release #cloud @cncf", want: "k8s release"},
		{in: "【 】Breaking", want: "Breaking"},
		{in: "News #", want: "News"},
		{in: "： Notice", want: "Notice"},
		{in: "Go 1.26 #golang#", want: "Go 1.26 golang"},
		{in: "  plain  ", want: "plain"},
		{in: "", want: ""},
	}

	r := newTestRenderer(nil)
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, r.Clean(tt.in)); diff != "" {
			t.Errorf("Clean(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "v1.2 released!", want: `v1\.2 released\!`},
		{in: `a\b_c`, want: `a\\b\_c`},
		{in: "[x](y)", want: `\[x\]\(y\)`},
		{in: "plain", want: "plain"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, Escape(tt.in)); diff != "" {
			t.Errorf("Escape(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}

	if diff := cmp.Diff(`https://ex.com/a_(b\)`, EscapeURL("https://ex.com/a_(b)")); diff != "" {
		t.Errorf("EscapeURL mismatch (-want +got):\n%s", diff)
	}
}

func TestRender(t *testing.T) {
	items := []Item{
		{Subject: "v1.2 released!", Link: "https://ex.com/a_(b)", Summary: "<p>Fast &amp; small.</p>"},
		{Subject: "Second", Link: "https://ex.com/b", Summary: "ignored"},
	}

	tests := []struct {
		name   string
		policy model.Policy
		source string
		items  []Item
		want   string
	}{
		{
			name: "header items and count",
			policy: model.Policy{
				HeaderTemplate: "📢 *{source}*\n",
				Template:       "*{subject}*\n[more]({url})",
				ShowCount:      true,
			},
			source: "DevOps Weekly",
			items:  items,
			want: "📢 *DevOps Weekly*\n\n" +
				"*v1\\.2 released\\!*\n[more](https://ex.com/a_(b\\))\n\n" +
				"*Second*\n[more](https://ex.com/b)\n\n" +
				"✅ 2 new items",
		},
		{
			name:   "summary only when template asks for it",
			policy: model.Policy{Template: "{subject}: {summary}"},
			source: "DevOps Weekly",
			items:  items[:1],
			want:   "v1\\.2 released\\!: Fast & small\\.",
		},
		{
			name:   "source placeholder in item template",
			policy: model.Policy{Template: "{source} / {subject}"},
			source: "Ops.io",
			items:  items[1:],
			want:   "Ops\\.io / Second",
		},
		{
			name:   "missing source",
			policy: model.Policy{HeaderTemplate: "*{source}*", Template: "{subject}"},
			source: " ",
			items:  items[1:],
			want:   "*Unknown source*\nSecond",
		},
		{
			name:   "no items",
			policy: model.Policy{HeaderTemplate: "*{source}*", Template: "{subject}", ShowCount: true},
			source: "DevOps Weekly",
			want:   "",
		},
	}

	r := newTestRenderer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Render(tt.policy, tt.source, tt.items)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Render() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name       string
		tr         *mockTranslator
		title      string
		translate  bool
		want       string
		wantInputs []string
	}{
		{
			name:       "translated",
			tr:         &mockTranslator{out: "你好世界"},
			title:      "<b>Hallo Welt</b>",
			translate:  true,
			want:       "你好世界",
			wantInputs: []string{"Hallo Welt"},
		},
		{
			name:      "translation disabled",
			tr:        &mockTranslator{out: "unused"},
			title:     "Hallo Welt",
			translate: false,
			want:      "Hallo Welt",
		},
		{
			name:       "translation failure keeps cleaned title",
			tr:         &mockTranslator{err: translate.ErrUnrecognizedLanguage},
			title:      "Hallo Welt #news",
			translate:  true,
			want:       "Hallo Welt",
			wantInputs: []string{"Hallo Welt"},
		},
		{
			name:       "blank translation keeps cleaned title",
			tr:         &mockTranslator{out: "  "},
			title:      "Hallo Welt",
			translate:  true,
			want:       "Hallo Welt",
			wantInputs: []string{"Hallo Welt"},
		},
		{
			name:      "empty title",
			tr:        &mockTranslator{},
			title:     "<br/>",
			translate: false,
			want:      "(untitled)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRenderer(tt.tr)
			got := r.Subject(context.Background(), tt.title, tt.translate)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Subject() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantInputs, tt.tr.inputs); diff != "" {
				t.Errorf("translator inputs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewItem(t *testing.T) {
	e := model.Entry{Title: "raw title", Link: "https://ex.com/a", Summary: "body", GUID: "g1"}
	want := Item{Subject: "shown", Link: "https://ex.com/a", Summary: "body"}
	if diff := cmp.Diff(want, NewItem("shown", e)); diff != "" {
		t.Errorf("NewItem() mismatch (-want +got):\n%s", diff)
	}
}

func TestEntries(t *testing.T) {
	tr := &mockTranslator{out: "发布"}
	r := newTestRenderer(tr)

	policy := model.Policy{Translate: true, Template: "{subject} {url}"}
	entries := []model.Entry{
		{Title: "Release notes", Link: "https://ex.com/1"},
		{Title: "Changelog", Link: "https://ex.com/2"},
	}

	got := r.Entries(context.Background(), policy, "Feed", entries)
	want := "发布 https://ex.com/1\n\n发布 https://ex.com/2"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Release notes", "Changelog"}, tr.inputs); diff != "" {
		t.Errorf("translator inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestNilTranslator(t *testing.T) {
	r := newTestRenderer(nil)
	if got := r.Subject(context.Background(), "Hello there", true); got != "Hello there" {
		t.Errorf("Subject() = %q, want original", got)
	}
}
