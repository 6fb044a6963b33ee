// Package dedup derives entry identities and decides whether an entry was
// already delivered for a group.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"feedrelay/internal/model"
)

// Identifier returns the primary dedup key of an entry: the provider guid,
// else the normalized link, else title and timestamp.
func Identifier(e model.Entry) string {
	if guid := strings.TrimSpace(e.GUID); guid != "" {
		return hash(guid)
	}
	if link := NormalizeLink(e.Link); link != "" {
		return hash(link)
	}
	return hash(e.Title + "|||" + e.Published.UTC().Format(time.RFC3339))
}

// ContentHash returns the secondary dedup key computed from the entry content.
func ContentHash(e model.Entry) string {
	return hash(strings.TrimSpace(e.Title) + "|||" + strings.TrimSpace(e.Summary) + "|||" + strings.TrimSpace(e.PublishedRaw))
}

// NormalizeLink strips the query and fragment of link and lower-cases it.
func NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		if i := strings.IndexAny(link, "?#"); i >= 0 {
			link = link[:i]
		}
		return strings.ToLower(link)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToLower(u.String())
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Store is the subset of storage.Storage the checker needs.
type Store interface {
	HasContentHash(ctx context.Context, group, hash string) (bool, error)
	HasEntry(ctx context.Context, group, source, entryID string) (bool, error)
	RecordProcessed(ctx context.Context, rec model.ProcessedRecord) error
}

// Checker answers duplicate queries for one group during one fetch cycle.
// It remembers what the cycle has already accepted so repeats inside a
// single batch are caught before anything is committed. A Checker is used
// by one goroutine.
type Checker struct {
	store  Store
	group  string
	ids    map[string]struct{}
	hashes map[string]struct{}
}

// NewChecker starts a fresh cycle for group.
func NewChecker(store Store, group string) *Checker {
	return &Checker{
		store:  store,
		group:  group,
		ids:    make(map[string]struct{}),
		hashes: make(map[string]struct{}),
	}
}

func cycleKey(source, id string) string {
	return source + "\x00" + id
}

// IsDuplicate reports whether the entry was processed before for the group,
// either under the same identifier for source or with the same content.
func (c *Checker) IsDuplicate(ctx context.Context, source, id, contentHash string) (bool, error) {
	if _, ok := c.ids[cycleKey(source, id)]; ok {
		return true, nil
	}
	if _, ok := c.hashes[contentHash]; ok {
		return true, nil
	}

	seen, err := c.store.HasContentHash(ctx, c.group, contentHash)
	if err != nil {
		return false, fmt.Errorf("check content hash: %w", err)
	}
	if seen {
		return true, nil
	}

	seen, err = c.store.HasEntry(ctx, c.group, source, id)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return seen, nil
}

// Mark adds the entry to the in-cycle set without persisting it.
func (c *Checker) Mark(source, id, contentHash string) {
	c.ids[cycleKey(source, id)] = struct{}{}
	c.hashes[contentHash] = struct{}{}
}

// RecordProcessed persists the entry as delivered and marks it in the cycle.
func (c *Checker) RecordProcessed(ctx context.Context, source, id, contentHash string, ts time.Time) error {
	c.Mark(source, id, contentHash)
	return c.store.RecordProcessed(ctx, model.ProcessedRecord{
		Group:       c.group,
		Source:      source,
		EntryID:     id,
		ContentHash: contentHash,
		Timestamp:   ts,
	})
}
