// Package filter implements keyword filtering of feed entries.
package filter

import (
	"strings"

	"feedrelay/internal/model"
)

// Accept reports whether entry passes the group's keyword filter.
//
// A disabled filter accepts everything. In allow mode an entry is accepted
// only if some keyword occurs in the scoped text, so an empty keyword list
// accepts nothing. In block mode an entry is accepted only if no keyword
// occurs, and an empty keyword list rejects every entry.
func Accept(entry model.Entry, p model.FilterPolicy) bool {
	if !p.Enable {
		return true
	}
	if len(p.Keywords) == 0 {
		return false
	}

	matched := matchesAny(textForScope(entry, p.Scope), p.Keywords)
	if p.Mode == model.ModeBlock {
		return !matched
	}
	return matched
}

func matchesAny(text string, keywords []string) bool {
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func textForScope(e model.Entry, scope model.FilterScope) string {
	var parts []string
	switch scope {
	case model.ScopeLink:
		parts = []string{e.Link}
	case model.ScopeBoth:
		parts = []string{e.Title, e.Link}
	case model.ScopeAll:
		parts = []string{e.Title, e.Link, e.Summary}
	case model.ScopeTitleSummary:
		parts = []string{e.Title, e.Summary}
	case model.ScopeLinkSummary:
		parts = []string{e.Link, e.Summary}
	default:
		parts = []string{e.Title}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
