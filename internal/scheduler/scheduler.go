// Package scheduler runs one polling cycle over every configured group.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"feedrelay/internal/dedup"
	"feedrelay/internal/dispatch"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/filter"
	"feedrelay/internal/metrics"
	"feedrelay/internal/model"
	"feedrelay/internal/render"
	"feedrelay/internal/storage"
)

const (
	sourceDelay   = time.Second
	cleanupEvery  = 24 * time.Hour
	maxRetryAfter = time.Minute
)

// Fetcher retrieves and parses one source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (*fetcher.Result, error)
}

// Dispatcher delivers rendered notifications.
type Dispatcher interface {
	Send(ctx context.Context, to dispatch.Target, text string, opts dispatch.Options) error
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordFetch(group, outcome string, d time.Duration)
	RecordEntries(group, state string, n int)
	RecordDelivery(group, outcome string)
	RecordGroupSkipped(group string)
	RecordRunFinished(t time.Time)
}

// Scheduler polls groups, filters new entries and delivers or queues them.
type Scheduler struct {
	store    storage.Storage
	fetcher  Fetcher
	renderer *render.Renderer
	sender   Dispatcher
	metrics  Recorder
	log      *slog.Logger

	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	sourceDelay time.Duration
	sendBackoff func() retry.Backoff
}

// New creates a Scheduler.
func New(store storage.Storage, f Fetcher, r *render.Renderer, d Dispatcher, m Recorder, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		fetcher:     f,
		renderer:    r,
		sender:      d,
		metrics:     m,
		log:         log,
		now:         time.Now,
		sleep:       sleepContext,
		sourceDelay: sourceDelay,
		sendBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(2*time.Second))
		},
	}
}

// Run processes every group once, concurrently. Failures are logged and
// isolated to the source or group they happen in. It returns only the
// context error, if any.
func (s *Scheduler) Run(ctx context.Context, groups []model.Group) error {
	log := s.log.With("run_id", uuid.NewString())
	log.Info("run started", "groups", len(groups))
	start := s.now()

	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			s.runGroup(ctx, log.With("group", g.Key), g)
			return nil
		})
	}
	_ = eg.Wait()

	finished := s.now()
	s.metrics.RecordRunFinished(finished)
	log.Info("run finished", "duration", finished.Sub(start).Round(time.Millisecond))
	return ctx.Err()
}

func (s *Scheduler) runGroup(ctx context.Context, log *slog.Logger, g model.Group) {
	if err := s.poll(ctx, log, g); err != nil {
		log.Error("poll group", "error", err)
	}
	if g.Batched() && ctx.Err() == nil {
		if err := s.FlushDue(ctx, g); err != nil {
			log.Error("flush batch", "error", err)
		}
	}
}

// poll runs one fetch cycle for g if its interval has elapsed.
func (s *Scheduler) poll(ctx context.Context, log *slog.Logger, g model.Group) error {
	cycleStart := s.now()
	state, err := s.store.RunState(ctx, g.Key)
	if err != nil {
		return fmt.Errorf("load run state: %w", err)
	}
	if cycleStart.Sub(state.LastRun) < g.Interval {
		log.Debug("interval not elapsed", "last_run", state.LastRun)
		s.metrics.RecordGroupSkipped(g.Key)
		return nil
	}

	s.cleanup(ctx, log, g, state.LastCleanup, cycleStart)

	checker := dedup.NewChecker(s.store, g.Key)
	for i, source := range g.URLs {
		if i > 0 {
			if err := s.sleep(ctx, s.sourceDelay); err != nil {
				return err
			}
		}
		if err := s.processSource(ctx, log.With("source", source), g, checker, source); err != nil {
			log.Error("process source", "source", source, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := s.store.SetLastRun(ctx, g.Key, cycleStart); err != nil {
		return fmt.Errorf("save last run: %w", err)
	}
	return nil
}

func (s *Scheduler) cleanup(ctx context.Context, log *slog.Logger, g model.Group, last, now time.Time) {
	if g.RetentionDays <= 0 || now.Sub(last) < cleanupEvery {
		return
	}
	cutoff := now.AddDate(0, 0, -g.RetentionDays)
	n, err := s.store.Cleanup(ctx, g.Key, cutoff)
	if err != nil {
		log.Error("cleanup", "error", err)
		return
	}
	if err := s.store.SetLastCleanup(ctx, g.Key, now); err != nil {
		log.Error("save last cleanup", "error", err)
		return
	}
	if n > 0 {
		log.Info("removed old records", "count", n, "cutoff", cutoff)
	}
}

type candidate struct {
	entry model.Entry
	id    string
	hash  string
}

func (s *Scheduler) processSource(ctx context.Context, log *slog.Logger, g model.Group, checker *dedup.Checker, source string) error {
	started := s.now()
	res, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		outcome := metrics.FetchError
		if errors.Is(err, fetcher.ErrNotAvailable) {
			outcome = metrics.FetchUnavailable
		}
		s.metrics.RecordFetch(g.Key, outcome, s.now().Sub(started))
		return fmt.Errorf("fetch: %w", err)
	}
	s.metrics.RecordFetch(g.Key, metrics.FetchOK, s.now().Sub(started))

	var (
		accepted   []candidate
		duplicates int
		filtered   int
	)
	for _, e := range res.Entries {
		c := candidate{entry: e, id: dedup.Identifier(e), hash: dedup.ContentHash(e)}
		dup, err := checker.IsDuplicate(ctx, res.Canonical, c.id, c.hash)
		if err != nil {
			return err
		}
		if dup {
			duplicates++
			continue
		}
		if !filter.Accept(e, g.Policy.Filter) {
			filtered++
			continue
		}
		checker.Mark(res.Canonical, c.id, c.hash)
		accepted = append(accepted, c)
	}
	s.metrics.RecordEntries(g.Key, metrics.EntryDuplicate, duplicates)
	s.metrics.RecordEntries(g.Key, metrics.EntryFiltered, filtered)
	s.metrics.RecordEntries(g.Key, metrics.EntryNew, len(accepted))

	log.Debug("fetched", "mirror", res.URL, "entries", len(res.Entries), "new", len(accepted),
		"duplicates", duplicates, "filtered", filtered)
	if len(accepted) == 0 {
		return nil
	}

	if g.Batched() {
		return s.enqueue(ctx, log, g, checker, res, accepted)
	}
	return s.sendNow(ctx, log, g, checker, res, accepted)
}

// sendNow delivers one notification for the source and records its entries
// only once delivery succeeded.
func (s *Scheduler) sendNow(ctx context.Context, log *slog.Logger, g model.Group, checker *dedup.Checker, res *fetcher.Result, accepted []candidate) error {
	entries := make([]model.Entry, 0, len(accepted))
	for _, c := range accepted {
		entries = append(entries, c.entry)
	}
	text := s.renderer.Entries(ctx, g.Policy, res.Title, entries)
	if err := s.deliver(ctx, g, text); err != nil {
		return err
	}

	now := s.now()
	for _, c := range accepted {
		if err := checker.RecordProcessed(ctx, res.Canonical, c.id, c.hash, now); err != nil {
			return fmt.Errorf("record processed: %w", err)
		}
	}
	log.Info("sent notification", "entries", len(accepted))
	return nil
}

// deliver sends text to the group chat, retrying transient failures.
func (s *Scheduler) deliver(ctx context.Context, g model.Group, text string) error {
	to := dispatch.Target{Token: g.BotToken, ChatID: g.ChatID}
	opts := dispatch.Options{DisablePreview: !g.Policy.Preview}

	err := retry.Do(ctx, s.sendBackoff(), func(ctx context.Context) error {
		err := s.sender.Send(ctx, to, text, opts)
		var tmp *dispatch.TemporaryError
		if !errors.As(err, &tmp) {
			return err
		}
		if tmp.RetryAfter > maxRetryAfter {
			return err
		}
		if tmp.RetryAfter > 0 {
			if err := s.sleep(ctx, tmp.RetryAfter); err != nil {
				return err
			}
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		s.metrics.RecordDelivery(g.Key, metrics.DeliverySent)
	case errors.Is(err, dispatch.ErrFormatRejected):
		s.metrics.RecordDelivery(g.Key, metrics.DeliveryRejected)
	default:
		s.metrics.RecordDelivery(g.Key, metrics.DeliveryFailed)
	}
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
