package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"feedrelay/internal/dedup"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/metrics"
	"feedrelay/internal/model"
	"feedrelay/internal/render"
)

// enqueue stores accepted entries for the next flush. Titles are translated
// now so the flush never calls the translator. Entries are recorded as
// processed as soon as they are queued.
func (s *Scheduler) enqueue(ctx context.Context, log *slog.Logger, g model.Group, checker *dedup.Checker, res *fetcher.Result, accepted []candidate) error {
	queued := 0
	for _, c := range accepted {
		inserted, err := s.store.EnqueuePending(ctx, model.PendingMessage{
			Group:           g.Key,
			Source:          res.Canonical,
			EntryID:         c.id,
			ContentHash:     c.hash,
			Title:           c.entry.Title,
			TranslatedTitle: s.renderer.Subject(ctx, c.entry.Title, g.Policy.Translate),
			Link:            c.entry.Link,
			Summary:         c.entry.Summary,
			Timestamp:       c.entry.Published,
			FeedTitle:       res.Title,
		})
		if err != nil {
			return err
		}
		if inserted {
			queued++
		}
		if err := checker.RecordProcessed(ctx, res.Canonical, c.id, c.hash, s.now()); err != nil {
			return fmt.Errorf("record processed: %w", err)
		}
	}
	s.metrics.RecordEntries(g.Key, metrics.EntryQueued, queued)
	log.Info("queued entries", "count", queued)
	return nil
}

// FlushDue sends the group's pending messages if its batch interval has
// elapsed: one notification per source, in the order sources first appear.
// Messages are marked sent only after their notification was delivered.
// The batch timestamp advances even when nothing was pending.
func (s *Scheduler) FlushDue(ctx context.Context, g model.Group) error {
	now := s.now()
	last, err := s.store.LastBatchSent(ctx, g.Key)
	if err != nil {
		return fmt.Errorf("load last batch: %w", err)
	}
	if now.Sub(last) < g.BatchInterval {
		return nil
	}

	pending, err := s.store.ListPending(ctx, g.Key)
	if err != nil {
		return err
	}

	log := s.log.With("group", g.Key)
	var order []string
	bySource := make(map[string][]model.PendingMessage)
	for _, m := range pending {
		if _, ok := bySource[m.Source]; !ok {
			order = append(order, m.Source)
		}
		bySource[m.Source] = append(bySource[m.Source], m)
	}

	for _, source := range order {
		msgs := bySource[source]
		if err := s.flushSource(ctx, g, source, msgs); err != nil {
			log.Error("flush source", "source", source, "error", err)
			continue
		}
		log.Info("sent batch", "source", source, "entries", len(msgs))
	}

	if err := s.store.SetLastBatchSent(ctx, g.Key, now); err != nil {
		return fmt.Errorf("save last batch: %w", err)
	}
	return nil
}

func (s *Scheduler) flushSource(ctx context.Context, g model.Group, source string, msgs []model.PendingMessage) error {
	title := msgs[0].FeedTitle
	if title == "" {
		title = g.Name
	}
	if title == "" {
		title = source
	}

	items := make([]render.Item, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e := m.Entry()
		subject := m.TranslatedTitle
		if subject == "" {
			subject = s.renderer.Subject(ctx, e.Title, false)
		}
		items = append(items, render.NewItem(subject, e))
		ids = append(ids, m.EntryID)
	}

	if err := s.deliver(ctx, g, s.renderer.Render(g.Policy, title, items)); err != nil {
		return err
	}
	return s.store.MarkSent(ctx, g.Key, source, ids)
}
