// Package model defines the domain types used across the application.
package model

import "time"

// Group is a configured set of feed sources sharing one delivery target,
// polling cadence, retention horizon and processing policy.
type Group struct {
	Name string
	// Key is the persisted identity of the group.
	Key           string
	URLs          []string
	ChatID        int64
	BotToken      string
	Interval      time.Duration
	BatchInterval time.Duration
	RetentionDays int
	Policy        Policy
}

// Batched reports whether the group accumulates entries and flushes them on
// its own timer instead of sending every cycle.
func (g Group) Batched() bool {
	return g.BatchInterval > 0
}

// Policy controls how entries of a group are filtered and rendered.
type Policy struct {
	Translate      bool
	HeaderTemplate string
	Template       string
	Preview        bool
	ShowCount      bool
	Filter         FilterPolicy
}

// FilterMode selects whether keywords admit or reject entries.
type FilterMode string

// Supported filter modes.
const (
	ModeAllow FilterMode = "allow"
	ModeBlock FilterMode = "block"
)

// FilterScope defines which part of the entry keywords are matched against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle        FilterScope = "title"
	ScopeLink         FilterScope = "link"
	ScopeBoth         FilterScope = "both"
	ScopeAll          FilterScope = "all"
	ScopeTitleSummary FilterScope = "title_summary"
	ScopeLinkSummary  FilterScope = "link_summary"
)

// FilterPolicy is the keyword filter attached to a group.
type FilterPolicy struct {
	Enable   bool
	Mode     FilterMode
	Scope    FilterScope
	Keywords []string
}

// Entry is one item of a fetched feed. The batch replay path builds the
// same value from a PendingMessage.
type Entry struct {
	Title   string
	Link    string
	Summary string
	GUID    string
	// Published is the resolved timestamp: published, pubDate, updated, now.
	Published time.Time
	// PublishedRaw is the unparsed published (or updated) field.
	PublishedRaw string
}

// ProcessedRecord marks an entry as delivered (or queued) for a group.
type ProcessedRecord struct {
	Group       string
	Source      string
	EntryID     string
	ContentHash string
	Timestamp   time.Time
}

// PendingMessage is an accepted entry waiting for the next batch flush.
type PendingMessage struct {
	Group           string
	Source          string
	EntryID         string
	ContentHash     string
	Title           string
	TranslatedTitle string
	Link            string
	Summary         string
	Timestamp       time.Time
	Sent            bool
	FeedTitle       string
}

// Entry rebuilds the feed entry a pending message was queued from.
func (p PendingMessage) Entry() Entry {
	return Entry{
		Title:     p.Title,
		Link:      p.Link,
		Summary:   p.Summary,
		Published: p.Timestamp,
	}
}

// GroupRunState is the persisted scheduling state of a group.
type GroupRunState struct {
	Group         string
	LastRun       time.Time
	LastBatchSent time.Time
	LastCleanup   time.Time
}
