// Package loader resolves images cache first, falls back to the network
// through the retry handler and drains the preload scheduler.
package loader

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lucasew/imgcache/internal/eviction"
	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/hashutil"
	"github.com/lucasew/imgcache/internal/optimizer"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/queue"
	"github.com/lucasew/imgcache/internal/registry"
	"github.com/lucasew/imgcache/internal/retry"
	"github.com/lucasew/imgcache/internal/store"
)

//go:embed placeholder.svg
var defaultPlaceholder []byte

// ErrCoolingDown is returned for images that recently failed permanently.
var ErrCoolingDown = errors.New("image failed recently")

// Fetcher fetches an image with retries.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, url string, hints fetcher.Hints) (*fetcher.Response, error)
	HandleStorageError(op string, err error) retry.ErrorInfo
}

type Optimizer interface {
	ImageConfig(url string) optimizer.ImageConfig
	ShouldPreload(p registry.Priority) bool
	RecordDataUsage(bytes int64, url string)
}

type Offline interface {
	Online() bool
	AllowSpeculative() bool
	QueueForSync(url string)
}

type Cleaner interface {
	RunAggressive(ctx context.Context) (eviction.Result, error)
}

type Recorder interface {
	Record(e perf.LoadEvent)
}

type Config struct {
	Placeholder     []byte
	PlaceholderType string
	// FailureCooldown suppresses refetching images that failed with a
	// non-retryable error.
	FailureCooldown time.Duration
	CooldownSize    int
	// RateLimit is the fetch rate in requests per second at optimization
	// level zero. Zero disables limiting.
	RateLimit  float64
	Burst      int
	DigestAlgo string
}

func DefaultConfig() Config {
	return Config{
		PlaceholderType: "image/svg+xml",
		FailureCooldown: 5 * time.Minute,
		CooldownSize:    256,
		Burst:           4,
		DigestAlgo:      hashutil.Default,
	}
}

// Result is a resolved image.
type Result struct {
	URL         string      `json:"url"`
	Payload     []byte      `json:"-"`
	ContentType string      `json:"contentType"`
	Digest      string      `json:"digest,omitempty"`
	Source      perf.Source `json:"source"`
	// Err is the failure that led to a placeholder.
	Err error `json:"-"`
}

// Deps are the collaborators of a Loader. Cleaner, Recorder and Offline are
// optional.
type Deps struct {
	Store     store.Store
	Fetcher   Fetcher
	Optimizer Optimizer
	Scheduler *queue.Scheduler
	Offline   Offline
	Cleaner   Cleaner
	Recorder  Recorder
}

type Loader struct {
	Deps
	cfg      Config
	group    singleflight.Group
	failures *expirable.LRU[string, error]
	limiter  *rate.Limiter
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

func New(deps Deps, cfg Config) *Loader {
	d := DefaultConfig()
	if len(cfg.Placeholder) == 0 {
		cfg.Placeholder = defaultPlaceholder
		cfg.PlaceholderType = d.PlaceholderType
	}
	if cfg.PlaceholderType == "" {
		cfg.PlaceholderType = http.DetectContentType(cfg.Placeholder)
	}
	if cfg.CooldownSize <= 0 {
		cfg.CooldownSize = d.CooldownSize
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = d.FailureCooldown
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.DigestAlgo == "" {
		cfg.DigestAlgo = d.DigestAlgo
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Loader{
		Deps:     deps,
		cfg:      cfg,
		failures: expirable.NewLRU[string, error](cfg.CooldownSize, nil, cfg.FailureCooldown),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		now:      time.Now,
	}
}

// SetLevel scales the fetch rate down as the optimization level rises, to
// a quarter of RateLimit at level one.
func (l *Loader) SetLevel(level float64) {
	if l.cfg.RateLimit <= 0 {
		return
	}
	l.limiter.SetLimit(rate.Limit(l.cfg.RateLimit * max(0.25, 1-level*0.75)))
}

// Load resolves img and falls back to the placeholder on failure. The error
// is only set when ctx ends.
func (l *Loader) Load(ctx context.Context, img registry.Image) (*Result, error) {
	start := l.now()
	res, err := l.resolve(ctx, img)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return l.placeholder(img, err, start), nil
}

// Lookup returns a cached image without touching the network.
func (l *Loader) Lookup(ctx context.Context, url string) (*Result, error) {
	img, err := l.Store.Peek(ctx, url)
	if err != nil {
		return nil, err
	}
	return cachedResult(img), nil
}

func cachedResult(img *store.CachedImage) *Result {
	return &Result{
		URL:         img.URL,
		Payload:     img.Payload,
		ContentType: http.DetectContentType(img.Payload),
		Digest:      img.Digest,
		Source:      perf.SourceCache,
	}
}

func (l *Loader) resolve(ctx context.Context, img registry.Image) (*Result, error) {
	start := l.now()
	cached, err := l.Store.Get(ctx, img.URL)
	switch {
	case err == nil:
		res := cachedResult(cached)
		l.record(img.URL, start, int64(len(res.Payload)), perf.SourceCache, nil)
		return res, nil
	case !errors.Is(err, store.ErrNotFound):
		l.Fetcher.HandleStorageError("get", err)
	}

	if cause, ok := l.failures.Get(img.URL); ok {
		return nil, fmt.Errorf("%w: %w", ErrCoolingDown, cause)
	}

	// The fetch is shared by every caller waiting on the URL, so it must not
	// end when the caller that started it goes away. Attempts stay bounded
	// by the retry policy.
	fetchCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(img.URL, func() (any, error) {
		return l.fetch(fetchCtx, img)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		l.record(img.URL, start, int64(len(res.Payload)), perf.SourceNetwork, nil)
		return &res, nil
	}
}

func (l *Loader) fetch(ctx context.Context, img registry.Image) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ic := l.Optimizer.ImageConfig(img.URL)
	resp, err := l.Fetcher.FetchWithRetry(ctx, ic.URL, fetcher.Hints{SaveData: ic.Quality < 1})
	if err != nil {
		if ctx.Err() == nil && permanent(err) {
			l.failures.Add(img.URL, err)
		}
		if l.Offline != nil && !l.Offline.Online() {
			l.Offline.QueueForSync(img.URL)
		}
		return nil, err
	}

	l.Optimizer.RecordDataUsage(int64(len(resp.Body)), img.URL)
	l.store(ctx, img, resp.Body)

	digest, err := hashutil.Sum(l.cfg.DigestAlgo, resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{
		URL:         img.URL,
		Payload:     resp.Body,
		ContentType: resp.ContentType,
		Digest:      digest,
		Source:      perf.SourceNetwork,
	}, nil
}

// permanent reports failures that will not go away on their own, such as
// a missing image.
func permanent(err error) bool {
	var statusErr *fetcher.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusRequestTimeout && statusErr.StatusCode != http.StatusTooManyRequests {
		return true
	}
	return !retry.Classify(err).Retryable()
}

// store writes the payload, running an aggressive cleanup and trying once
// more when the budget is exhausted. A failed write is recorded but does
// not fail the load.
func (l *Loader) store(ctx context.Context, img registry.Image, payload []byte) {
	entry := store.Entry{URL: img.URL, Payload: payload, Section: img.Section, Priority: img.Priority}
	err := l.Store.Put(ctx, entry)
	if errors.Is(err, store.ErrQuotaExceeded) && l.Cleaner != nil {
		if _, cerr := l.Cleaner.RunAggressive(ctx); cerr != nil {
			slog.Warn("Aggressive cleanup failed", "error", cerr)
		}
		err = l.Store.Put(ctx, entry)
	}
	if err != nil {
		l.Fetcher.HandleStorageError("put", err)
		slog.Warn("Failed to cache image", "url", img.URL, "error", err)
		return
	}
	slog.Debug("Stored image", "url", img.URL, "size", len(payload))
}

func (l *Loader) placeholder(img registry.Image, cause error, start time.Time) *Result {
	slog.Warn("Serving placeholder", "url", img.URL, "error", cause)
	l.record(img.URL, start, int64(len(l.cfg.Placeholder)), perf.SourcePlaceholder, cause)
	return &Result{
		URL:         img.URL,
		Payload:     l.cfg.Placeholder,
		ContentType: l.cfg.PlaceholderType,
		Source:      perf.SourcePlaceholder,
		Err:         cause,
	}
}

func (l *Loader) record(url string, start time.Time, size int64, src perf.Source, err error) {
	if l.Recorder == nil {
		return
	}
	e := perf.LoadEvent{
		URL:       url,
		StartTime: start,
		EndTime:   l.now(),
		Size:      size,
		Source:    src,
		Success:   err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.Recorder.Record(e)
}

// PreloadStats counts the outcome of a Preload call.
type PreloadStats struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// Preload enqueues the images the optimizer and the offline state allow.
// Images already cached are skipped. A non-nil priority overrides the
// priority of every image.
func (l *Loader) Preload(ctx context.Context, imgs []registry.Image, priority *registry.Priority) PreloadStats {
	var st PreloadStats
	for _, img := range imgs {
		p := img.Priority
		if priority != nil {
			p = *priority
		}
		if !l.allowed(p) {
			st.Skipped++
			continue
		}
		if _, err := l.Store.Peek(ctx, img.URL); err == nil {
			st.Skipped++
			continue
		}
		l.Scheduler.Enqueue(queue.Task{
			URL:         img.URL,
			Section:     img.Section,
			Description: img.Description,
			Priority:    p,
			Size:        img.Size,
		})
		st.Queued++
	}
	slog.Info("Preload queued", "queued", st.Queued, "skipped", st.Skipped)
	return st
}

func (l *Loader) allowed(p registry.Priority) bool {
	if l.Offline != nil && !l.Offline.AllowSpeculative() {
		return false
	}
	return l.Optimizer.ShouldPreload(p)
}

type Status string

const (
	StatusLoaded   Status = "loaded"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"
)

type Progress struct {
	URL     string `json:"url"`
	Status  Status `json:"status"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Process drains the scheduler until nothing is pending, processing or
// waiting for a retry. progress may be nil.
func (l *Loader) Process(ctx context.Context, progress func(Progress)) (Summary, error) {
	return l.drain(ctx, progress, true)
}

// Run processes scheduled work as it arrives until ctx is done.
func (l *Loader) Run(ctx context.Context) error {
	_, err := l.drain(ctx, nil, false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Loader) drain(ctx context.Context, progress func(Progress), stopWhenIdle bool) (Summary, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return Summary{}, errors.New("loader is already processing")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	var (
		mu      sync.Mutex
		summary Summary
	)
	report := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for {
		for l.Scheduler.CanProcessMore() {
			item, ok := l.Scheduler.Dequeue()
			if !ok {
				break
			}
			g.Go(func() error {
				img := registry.Image{URL: item.URL, Section: item.Section, Priority: item.Priority, Description: item.Description, Size: item.Size}
				_, err := l.resolve(gctx, img)
				if err != nil && gctx.Err() != nil {
					l.Scheduler.MarkFailed(item.ID)
					return gctx.Err()
				}

				mu.Lock()
				defer mu.Unlock()
				p := Progress{URL: item.URL}
				switch {
				case err == nil:
					l.Scheduler.MarkCompleted(item.ID)
					summary.Success++
					p.Status = StatusLoaded
				case l.Scheduler.MarkFailed(item.ID):
					p.Status = StatusRetrying
				default:
					summary.Failed++
					p.Status = StatusFailed
				}
				p.Current = summary.Success + summary.Failed
				p.Total = p.Current + l.Scheduler.Stats().Total
				report(p)
				return nil
			})
		}

		if stopWhenIdle && l.Scheduler.Idle() {
			break
		}
		select {
		case <-gctx.Done():
			err := g.Wait()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				err = gctx.Err()
			}
			summary.Total = summary.Success + summary.Failed
			return summary, err
		case <-l.Scheduler.Ready():
		}
	}

	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	summary.Total = summary.Success + summary.Failed
	return summary, err
}
