// Package fetcher downloads feeds, resolving mirror hosts for the aggregator,
// and converts their items into entries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"feedrelay/internal/model"
)

// ErrNotAvailable is returned when no mirror of a source produced a usable response.
var ErrNotAvailable = errors.New("feed not available")

const (
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxBodySize     = 5 * 1024 * 1024
	defaultParallel = 2
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx response from one mirror.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// Result holds a parsed feed.
type Result struct {
	// Canonical is the identity of the source used for persisted state.
	Canonical string
	// URL is the mirror that served the feed.
	URL     string
	Title   string
	Entries []model.Entry
}

// Options configures a Fetcher.
type Options struct {
	// AggregatorHost is the primary host of the mirrored aggregator.
	AggregatorHost string
	// BackupHosts are tried in order before AggregatorHost.
	BackupHosts []string
	// Parallel bounds concurrent requests across every caller. Defaults to 2.
	Parallel int64
	// RetryBase is the first backoff step after a transport error.
	RetryBase time.Duration
	Timeout   time.Duration
}

// Fetcher downloads and parses RSS and Atom feeds. It is safe for concurrent use.
type Fetcher struct {
	client    HTTPClient
	sem       *semaphore.Weighted
	primary   string
	backups   []string
	retryBase time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, opts Options) *Fetcher {
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	backups := make([]string, 0, len(opts.BackupHosts))
	for _, h := range opts.BackupHosts {
		backups = append(backups, strings.ToLower(h))
	}
	return &Fetcher{
		client:    client,
		sem:       semaphore.NewWeighted(opts.Parallel),
		primary:   strings.ToLower(opts.AggregatorHost),
		backups:   backups,
		retryBase: opts.RetryBase,
		timeout:   opts.Timeout,
		now:       time.Now,
	}
}

func (f *Fetcher) isAggregator(u *url.URL) bool {
	if f.primary == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == f.primary || slices.Contains(f.backups, host)
}

// Canonical returns the persisted identity of source. Aggregator sources are
// collapsed onto the primary host; others are returned unchanged.
func (f *Fetcher) Canonical(source string) string {
	u, err := url.Parse(source)
	if err != nil || !f.isAggregator(u) {
		return source
	}
	u.Host = f.primary
	return u.String()
}

// candidates returns the URLs to try for source, in order.
func (f *Fetcher) candidates(source string) []string {
	u, err := url.Parse(source)
	if err != nil || !f.isAggregator(u) {
		return []string{source}
	}
	out := make([]string, 0, len(f.backups)+1)
	for _, host := range append(slices.Clone(f.backups), f.primary) {
		m := *u
		m.Host = host
		out = append(out, m.String())
	}
	return out
}

// Fetch downloads and parses the feed at source, falling back through mirrors.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*Result, error) {
	var lastErr error
	for _, candidate := range f.candidates(source) {
		body, status, err := f.get(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if status < 200 || status > 299 {
			lastErr = &StatusError{URL: candidate, Status: status}
			continue
		}

		feed, err := gofeed.NewParser().ParseString(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse feed: %w", err)
		}
		return &Result{
			Canonical: f.Canonical(source),
			URL:       candidate,
			Title:     feed.Title,
			Entries:   f.entries(feed),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotAvailable, source, lastErr)
}

// get performs one request, retrying once on transport errors. Each attempt
// holds one slot of the shared semaphore.
func (f *Fetcher) get(ctx context.Context, target string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	backoff := retry.WithMaxRetries(1, retry.NewExponential(f.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer f.sem.Release(1)

		var err error
		body, status, err = f.do(ctx, target)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return body, status, err
}

func (f *Fetcher) do(ctx context.Context, target string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) entries(feed *gofeed.Feed) []model.Entry {
	entries := make([]model.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, f.entry(item))
	}
	return entries
}

func (f *Fetcher) entry(item *gofeed.Item) model.Entry {
	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	raw := item.Published
	if raw == "" {
		raw = item.Updated
	}
	return model.Entry{
		Title:        item.Title,
		Link:         item.Link,
		Summary:      summary,
		GUID:         item.GUID,
		Published:    f.published(item),
		PublishedRaw: raw,
	}
}

// published resolves the entry time: published, the Dublin Core date,
// updated, then the current time.
func (f *Fetcher) published(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.DublinCoreExt != nil {
		for _, d := range item.DublinCoreExt.Date {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(d)); err == nil {
				return t.UTC()
			}
		}
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return f.now().UTC()
}
