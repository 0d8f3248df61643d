// Package engine is the composition root: it wires the counter store, the
// request and outcome queues, the fetcher, the spider manager and the
// progress hub, and runs a set of spiders to completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/fetcher"
	"github.com/JakeFAU/crawlengine/internal/manager"
	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
	"github.com/JakeFAU/crawlengine/internal/queue/memory"
	"github.com/JakeFAU/crawlengine/internal/spider"
	"github.com/JakeFAU/crawlengine/internal/state"
)

const defaultShutdownTimeout = 30 * time.Second

// Config sizes the engine.
type Config struct {
	PollInterval     time.Duration
	SpiderQueueSize  int
	RequestQueueSize int
	OutcomeQueueSize int
	MaxInFlight      int
	Progress         ProgressConfig
}

// ProgressConfig controls the progress hub. A disabled hub means no metrics
// and no per-spider stats.
type ProgressConfig struct {
	Enabled        bool
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
}

// FromConfig maps the loaded service configuration onto an engine Config.
func FromConfig(cfg config.Config) Config {
	return Config{
		PollInterval:     cfg.Engine.PollInterval,
		SpiderQueueSize:  cfg.Engine.SpiderQueueSize,
		RequestQueueSize: cfg.Engine.RequestQueueSize,
		OutcomeQueueSize: cfg.Engine.OutcomeQueueSize,
		MaxInFlight:      cfg.Engine.MaxInFlight,
		Progress: ProgressConfig{
			Enabled:        cfg.Progress.Enabled,
			BufferSize:     cfg.Progress.BufferSize,
			MaxBatchEvents: cfg.Progress.MaxBatchEvents,
			MaxBatchWait:   cfg.Progress.MaxBatchWait,
		},
	}
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	registry        *prometheus.Registry
	sinks           []progress.Sink
	clock           crawler.Clock
	ids             crawler.IDGenerator
	shutdownTimeout time.Duration
}

// WithRegistry registers the engine's collectors on reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithSinks adds progress sinks next to the built-in log, metrics and stats
// sinks.
func WithSinks(extra ...progress.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, extra...)
	}
}

// WithClock overrides the clock used for lifecycle timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithIDGenerator overrides how request IDs are assigned.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *options) {
		o.ids = ids
	}
}

// WithShutdownTimeout bounds teardown once Run stops waiting on spiders.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// Engine owns one crawl's moving parts.
type Engine struct {
	logger          *zap.Logger
	store           *state.Store
	requests        *memory.Queue[*crawler.Request]
	outcomes        *memory.Queue[crawler.Outcome]
	fetcher         *fetcher.Fetcher
	manager         *manager.Manager
	hub             *progress.Hub
	stats           *sinks.StatsSink
	registry        *prometheus.Registry
	shutdownTimeout time.Duration
}

// New builds an Engine that fetches through transport.
func New(cfg Config, transport crawler.Transport, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	e := &Engine{
		logger:          logger,
		store:           state.New(),
		requests:        memory.NewQueue[*crawler.Request](cfg.RequestQueueSize),
		outcomes:        memory.NewQueue[crawler.Outcome](cfg.OutcomeQueueSize),
		registry:        o.registry,
		shutdownTimeout: o.shutdownTimeout,
	}

	var emitter progress.Emitter = progress.Nop{}
	if cfg.Progress.Enabled {
		metrics, err := sinks.NewPrometheusSink(o.registry)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.stats = sinks.NewStatsSink(e.store)
		all := append([]progress.Sink{
			sinks.NewLogSink(logger.Named("progress")),
			metrics,
			e.stats,
		}, o.sinks...)
		e.hub = progress.NewHub(progress.Config{
			BufferSize:     cfg.Progress.BufferSize,
			MaxBatchEvents: cfg.Progress.MaxBatchEvents,
			MaxBatchWait:   cfg.Progress.MaxBatchWait,
			Logger:         logger.Named("progress"),
		}, all...)
		emitter = e.hub
	}

	e.fetcher = fetcher.New(e.requests, e.outcomes, transport,
		fetcher.WithLogger(logger.Named("fetcher")),
		fetcher.WithMaxInFlight(cfg.MaxInFlight),
		fetcher.WithEmitter(emitter),
	)
	mopts := []manager.Option{
		manager.WithLogger(logger.Named("manager")),
		manager.WithPollInterval(cfg.PollInterval),
		manager.WithQueueSize(cfg.SpiderQueueSize),
		manager.WithEmitter(emitter),
	}
	if o.clock != nil {
		mopts = append(mopts, manager.WithClock(o.clock))
	}
	if o.ids != nil {
		mopts = append(mopts, manager.WithIDGenerator(o.ids))
	}
	e.manager = manager.New(e.store, e.requests, e.outcomes, mopts...)
	return e, nil
}

// Run starts the fetcher and the manager, adds spiders and blocks until all
// of them are torn down or ctx ends. Everything is shut down before Run
// returns. The first Add error stops further adds; spiders already added
// still run to completion.
func (e *Engine) Run(ctx context.Context, spiders ...spider.Spider) error {
	if err := e.fetcher.Start(ctx); err != nil {
		return fmt.Errorf("start fetcher: %w", err)
	}
	if err := e.manager.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start manager: %w", err), e.shutdown(ctx))
	}

	var addErr error
	names := make([]string, 0, len(spiders))
	for _, sp := range spiders {
		if err := e.manager.Add(ctx, sp); err != nil {
			addErr = err
			break
		}
		names = append(names, sp.Name())
	}
	e.logger.Info("crawl started", zap.Strings("spiders", names))

	var joinErr error
	if len(names) > 0 {
		joinErr = e.manager.Join(ctx, names...)
	}
	return errors.Join(addErr, joinErr, e.shutdown(ctx))
}

// shutdown removes what is still live, stops the fetcher and flushes
// progress. It runs even when ctx has already ended.
func (e *Engine) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := e.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}
	if err := e.fetcher.Teardown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("teardown fetcher: %w", err))
	}
	e.requests.Close()
	e.outcomes.Close()
	if err := e.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	e.logger.Info("crawl finished")
	return errors.Join(errs...)
}

// Manager exposes the spider manager to the status API.
func (e *Engine) Manager() *manager.Manager {
	return e.manager
}

// Registry returns the registry holding the engine's collectors.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Stats returns the progress-derived totals for spider. They are zero when
// progress is disabled.
func (e *Engine) Stats(spider string) sinks.SpiderStats {
	if e.stats == nil {
		return sinks.SpiderStats{}
	}
	return e.stats.Stats(spider)
}
