package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasew/imgcache/internal/errutil"
	"github.com/lucasew/imgcache/internal/eviction"
	_ "github.com/lucasew/imgcache/internal/eviction/fifo"
	_ "github.com/lucasew/imgcache/internal/eviction/lru"
	"github.com/lucasew/imgcache/internal/eviction/policy"
	"github.com/lucasew/imgcache/internal/eviction/policy/minfree"
	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/handler"
	"github.com/lucasew/imgcache/internal/httpclient"
	"github.com/lucasew/imgcache/internal/loader"
	"github.com/lucasew/imgcache/internal/offline"
	"github.com/lucasew/imgcache/internal/optimizer"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/platform"
	"github.com/lucasew/imgcache/internal/proxy"
	"github.com/lucasew/imgcache/internal/queue"
	"github.com/lucasew/imgcache/internal/registry"
	"github.com/lucasew/imgcache/internal/retry"
	"github.com/lucasew/imgcache/internal/store"
	"github.com/lucasew/imgcache/internal/worker"
)

type Config struct {
	Port     int
	CacheDir string
	// Driver selects the store driver, "sqlite" or "memory".
	Driver           string
	MaxCacheSize     int64
	DefaultTTL       time.Duration
	MinFreeSpace     int64
	MaxAge           time.Duration
	CleanupInterval  time.Duration
	EvictionStrategy string
	Upstreams        []string
	MaxImageSize     int64

	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxConcurrent int
	QueueAging    time.Duration
	RateLimit     float64

	MaxDataUsage         int64
	PoorNetworkThreshold float64
	LowBatteryThreshold  float64
	CDNHints             bool

	OfflineEnabled bool
	OfflineMaxSize int64
	ProbeURL       string
	ProbeInterval  time.Duration

	PerfThreshold int

	RegistryFile    string
	BaseURL         string
	PlaceholderPath string
	PreloadOnStart  bool

	CA proxy.CA
}

func DefaultConfig() Config {
	return Config{
		Port:                 8080,
		CacheDir:             "./cache",
		Driver:               "sqlite",
		MaxCacheSize:         store.DefaultMaxBytes,
		DefaultTTL:           store.DefaultTTL,
		CleanupInterval:      time.Hour,
		EvictionStrategy:     "lru",
		MaxRetries:           3,
		RetryDelay:           time.Second,
		MaxRetryDelay:        30 * time.Second,
		MaxConcurrent:        3,
		MaxDataUsage:         100 << 20,
		PoorNetworkThreshold: 2,
		LowBatteryThreshold:  0.2,
		OfflineEnabled:       true,
		OfflineMaxSize:       20 << 20,
		ProbeInterval:        30 * time.Second,
		PerfThreshold:        80,
	}
}

// App owns every component and the wiring between them.
type App struct {
	Config    Config
	Registry  *registry.Registry
	Store     store.Store
	Bus       *platform.Bus
	Platform  *platform.Static
	Scheduler *queue.Scheduler
	Retry     *retry.Handler
	Optimizer *optimizer.Optimizer
	Cleanup   *eviction.Manager
	Offline   *offline.Manager
	Perf      *perf.Monitor
	Loader    *loader.Loader
	Worker    *worker.Worker
	Metrics   *prometheus.Registry
	Client    *http.Client
	// CA intercepts HTTPS in the proxy, nil when not configured.
	CA *tls.Certificate

	probe platform.ConnectivityProbe
	wg    sync.WaitGroup
}

// New builds the components described by cfg. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg Config) (*App, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	ca, err := cfg.CA.Load()
	if err != nil {
		return nil, err
	}

	storeOpts := store.Options{MaxBytes: cfg.MaxCacheSize, DefaultTTL: cfg.DefaultTTL}
	if cfg.Driver == "sqlite" {
		storeOpts.Path = filepath.Join(cfg.CacheDir, "images.db")
	}
	st, err := store.Open(ctx, cfg.Driver, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}

	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		errutil.LogMsg(st.Close(), "Failed to close store")
		return nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	a := &App{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Bus:      platform.NewBus(),
		Metrics:  prometheus.NewRegistry(),
		Client:   httpclient.New(httpclient.Options{CA: ca}),
		CA:       ca,
	}
	a.Platform = platform.NewStatic(a.Bus)
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := fetcher.NewFetcher(a.Client, cfg.Upstreams)
	f.MaxBytes = cfg.MaxImageSize

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	retryCfg.BaseDelay = cfg.RetryDelay
	retryCfg.MaxDelay = cfg.MaxRetryDelay
	a.Retry = retry.New(f, retryCfg)

	queueCfg := queue.DefaultConfig()
	queueCfg.MaxConcurrent = cfg.MaxConcurrent
	queueCfg.MaxRetries = cfg.MaxRetries
	queueCfg.AgingThreshold = cfg.QueueAging
	a.Scheduler = queue.New(queueCfg)

	optCfg := optimizer.DefaultConfig()
	optCfg.MaxDataUsage = cfg.MaxDataUsage
	optCfg.PoorNetworkThreshold = cfg.PoorNetworkThreshold
	optCfg.LowBatteryThreshold = cfg.LowBatteryThreshold
	optCfg.CDNHints = cfg.CDNHints
	a.Optimizer = optimizer.New(optCfg)

	// The size budget is enforced by the manager itself.
	var policies []policy.Policy
	var estimator platform.StorageEstimator = platform.Unsupported{}
	if cfg.Driver == "sqlite" {
		estimator = platform.DiskEstimator{Path: cfg.CacheDir}
		if cfg.MinFreeSpace > 0 {
			slog.Info("Adding MinFreeSpace policy", "min_free", cfg.MinFreeSpace)
			policies = append(policies, &minfree.Policy{Estimator: estimator, MinFreeBytes: cfg.MinFreeSpace})
		}
	}
	cleanupCfg := eviction.DefaultConfig()
	cleanupCfg.MaxSize = cfg.MaxCacheSize
	cleanupCfg.MaxAge = cfg.MaxAge
	cleanupCfg.Interval = cfg.CleanupInterval
	a.Cleanup = eviction.NewManager(st, cleanupCfg, strat,
		eviction.WithPolicies(policies...),
		eviction.WithEstimator(estimator),
	)

	offCfg := offline.DefaultConfig()
	offCfg.Enabled = cfg.OfflineEnabled
	offCfg.MaxCacheSize = cfg.OfflineMaxSize
	a.Offline = offline.New(st, a.Retry, offCfg)
	a.probe = a.Platform
	if cfg.ProbeURL != "" {
		a.probe = &platform.HTTPProbe{Client: a.Client, URL: cfg.ProbeURL, Interval: cfg.ProbeInterval, Bus: a.Bus}
	}

	perfCfg := perf.DefaultConfig()
	perfCfg.Threshold = cfg.PerfThreshold
	a.Perf = perf.New(perfCfg, perf.WithTuner(a.Optimizer), perf.WithRegisterer(a.Metrics))

	loaderCfg := loader.DefaultConfig()
	loaderCfg.RateLimit = cfg.RateLimit
	if cfg.PlaceholderPath != "" {
		data, err := os.ReadFile(cfg.PlaceholderPath)
		if err != nil {
			errutil.LogMsg(st.Close(), "Failed to close store")
			return nil, fmt.Errorf("failed to read placeholder: %w", err)
		}
		loaderCfg.Placeholder = data
		loaderCfg.PlaceholderType = ""
	}
	a.Loader = loader.New(loader.Deps{
		Store:     st,
		Fetcher:   a.Retry,
		Optimizer: a.Optimizer,
		Scheduler: a.Scheduler,
		Offline:   a.Offline,
		Cleaner:   a.Cleanup,
		Recorder:  a.Perf,
	}, loaderCfg)
	a.Optimizer.OnChange(a.Loader.SetLevel)

	a.Worker = worker.New(a.Loader, st, reg)
	return a, nil
}

func loadRegistry(cfg Config) (*registry.Registry, error) {
	reg := registry.Default()
	if cfg.RegistryFile != "" {
		f, err := os.Open(cfg.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry: %w", err)
		}
		defer func() { errutil.LogMsg(f.Close(), "Failed to close registry file") }()
		if reg, err = registry.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load registry %s: %w", cfg.RegistryFile, err)
		}
	}
	if cfg.BaseURL == "" {
		return reg, nil
	}
	return reg.Resolve(cfg.BaseURL)
}

// Start reads the initial platform state and runs the background loops
// until ctx is done.
func (a *App) Start(ctx context.Context) {
	errutil.LogMsg(a.Optimizer.Init(ctx, a.Platform, a.Platform), "Failed to read platform state")
	a.Offline.Init(ctx, a.probe)

	a.watch(ctx, a.Retry.Watch)
	a.watch(ctx, a.Optimizer.Watch)
	a.watch(ctx, a.Offline.Watch)
	a.watch(ctx, a.Cleanup.Watch)

	if p, ok := a.probe.(*platform.HTTPProbe); ok {
		a.goBackground(func() { p.Run(ctx) })
	}
	if a.Cleanup.Config().AutoCleanup {
		a.goBackground(func() { a.Cleanup.Start(ctx) })
	}
	if a.Config.PreloadOnStart {
		a.goBackground(func() { a.preload(ctx) })
	}
}

func (a *App) watch(ctx context.Context, fn func(context.Context, <-chan platform.Event)) {
	events, unsubscribe := a.Bus.Subscribe(16)
	a.goBackground(func() {
		defer unsubscribe()
		fn(ctx, events)
	})
}

func (a *App) goBackground(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// preload caches the critical images for offline use and then queues the
// whole catalog.
func (a *App) preload(ctx context.Context) {
	a.Offline.CacheCriticalImages(ctx, a.Registry)

	var urls []string
	for _, img := range a.Registry.ForProgressiveLoading() {
		urls = append(urls, img.URL)
	}
	err := a.Worker.Handle(ctx, worker.Request{Type: worker.PreloadImages, Images: urls}, func(r worker.Response) {
		if r.Type == worker.PreloadComplete {
			slog.Info("Startup preload complete", "success", r.Complete.Success, "failed", r.Complete.Failed, "skipped", r.Complete.Skipped)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		errutil.ReportError(err, "Startup preload failed")
	}
}

// Handler serves the image endpoint, the API and the metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/images", handler.NewImageHandler(a.Loader, a.Registry, a.Platform))
	a.API().Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
	return mux
}

// API exposes the component state and maintenance operations.
func (a *App) API() *handler.API {
	return &handler.API{
		Store:     a.Store,
		Scheduler: a.Scheduler,
		Errors:    a.Retry,
		Optimizer: a.Optimizer,
		Offline:   a.Offline,
		Perf:      a.Perf,
		Cleaner:   a.Cleanup,
		Worker:    a.Worker,
	}
}

// Rules are the proxy rules: catalog images first, then anything that
// looks like an image.
func (a *App) Rules() []proxy.Rule {
	return []proxy.Rule{
		proxy.NewCatalogRule(a.Registry),
		proxy.NewExtensionRule(registry.Medium),
	}
}

// Close waits for the background loops, which must have been stopped by
// cancelling the Start context, and releases the store.
func (a *App) Close() error {
	a.Scheduler.Close()
	a.wg.Wait()
	return a.Store.Close()
}
