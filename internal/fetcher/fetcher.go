// Package fetcher drains the shared request queue, fetches each request on
// its own goroutine through a crawler.Transport, and publishes the outcome to
// the shared outcome queue.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/progress"
)

var (
	// ErrAlreadyRunning is returned by Start when the dequeue loop is active.
	ErrAlreadyRunning = errors.New("fetcher already running")
	// ErrNilResponse marks a transport that returned neither a response nor an error.
	ErrNilResponse = errors.New("transport returned nil response")
)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMaxInFlight bounds concurrent fetches. Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxInFlight = n
		}
	}
}

// WithEmitter publishes FETCH_DONE and FETCH_ERROR progress events.
func WithEmitter(emitter progress.Emitter) Option {
	return func(f *Fetcher) {
		if emitter != nil {
			f.emitter = emitter
		}
	}
}

// Fetcher turns requests into outcomes.
type Fetcher struct {
	in          crawler.Queue[*crawler.Request]
	out         crawler.Queue[crawler.Outcome]
	transport   crawler.Transport
	logger      *zap.Logger
	emitter     progress.Emitter
	maxInFlight int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a Fetcher between the inbound request queue and the outbound
// outcome queue.
func New(
	in crawler.Queue[*crawler.Request],
	out crawler.Queue[crawler.Outcome],
	transport crawler.Transport,
	opts ...Option,
) *Fetcher {
	f := &Fetcher{
		in:        in,
		out:       out,
		transport: transport,
		logger:    zap.NewNop(),
		emitter:   progress.Nop{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches the dequeue loop. Fetches inherit a context derived from
// ctx, so canceling ctx also stops the fetcher.
func (f *Fetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(loopCtx, f.done)
	f.logger.Info("fetcher started", zap.Int("max_in_flight", f.maxInFlight))
	return nil
}

// Teardown cancels the loop and every fetch it started, then waits for all
// of them to exit. It is a no-op when the fetcher is not running.
func (f *Fetcher) Teardown(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		f.logger.Info("fetcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fetcher teardown wait: %w", ctx.Err())
	}
}

func (f *Fetcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var g errgroup.Group
	if f.maxInFlight > 0 {
		g.SetLimit(f.maxInFlight)
	}
	for {
		req, err := f.in.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("request queue closed", zap.Error(err))
			}
			break
		}
		if req == nil {
			continue
		}
		g.Go(func() error {
			f.fetch(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Fetcher) fetch(ctx context.Context, req *crawler.Request) {
	start := time.Now()
	resp, err := f.transport.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = ErrNilResponse
	}
	dur := time.Since(start)
	site := progress.SiteOf(req.URL)

	outcome := crawler.Outcome{Request: req}
	if err != nil {
		outcome.Err = err
		f.logger.Warn("fetch failed",
			zap.String("url", req.URL),
			zap.String("spider", req.Spider()),
			zap.Error(err),
		)
		f.emitter.Emit(progress.Event{
			Spider: req.Spider(),
			Stage:  progress.StageFetchError,
			Site:   site,
			URL:    req.URL,
			Dur:    dur,
			Note:   err.Error(),
		})
	} else {
		if resp.Request == nil {
			resp.Request = req
		}
		if resp.Meta == nil {
			resp.Meta = req.Meta.Clone()
		}
		if resp.Duration == 0 {
			resp.Duration = dur
		}
		outcome.Response = resp
		f.logger.Debug("fetched",
			zap.String("url", req.URL),
			zap.String("spider", req.Spider()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("dur", dur),
		)
		f.emitter.Emit(progress.Event{
			Spider:      req.Spider(),
			Stage:       progress.StageFetchDone,
			Site:        site,
			URL:         req.URL,
			Bytes:       int64(len(resp.Body)),
			StatusClass: progress.ClassifyStatus(resp.StatusCode),
			Dur:         dur,
		})
	}

	if err := f.out.Enqueue(ctx, outcome); err != nil {
		f.logger.Warn("dropping outcome",
			zap.String("url", req.URL),
			zap.String("spider", req.Spider()),
			zap.Error(err),
		)
	}
}
