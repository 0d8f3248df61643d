// Package watcher implements a periodic condition checker that dispatches
// callbacks whenever the condition evaluates true.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start when the poll loop is active.
var ErrAlreadyRunning = errors.New("watcher already running")

const defaultInterval = 100 * time.Millisecond

// Checker evaluates the watched condition. It may block on ctx.
type Checker func(ctx context.Context) (bool, error)

// Callback is invoked on the poll goroutine each time the checker returns true.
// Callbacks must not call Stop on their own watcher.
type Callback func(ctx context.Context)

// Registration identifies a registered callback.
type Registration uint64

type entry struct {
	id Registration
	fn Callback
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for checker and callback failures.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithName labels log lines emitted by the watcher.
func WithName(name string) Option {
	return func(w *Watcher) {
		w.name = name
	}
}

// Watcher polls a Checker every interval. It is level-triggered: every poll
// that evaluates true fires every registered callback.
type Watcher struct {
	checker  Checker
	interval time.Duration
	logger   *zap.Logger
	name     string

	mu        sync.Mutex
	callbacks []entry
	nextID    Registration
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a stopped Watcher. A non-positive interval falls back to 100ms.
func New(checker Checker, interval time.Duration, opts ...Option) *Watcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	w := &Watcher{
		checker:  checker,
		interval: interval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "" {
		w.logger = w.logger.With(zap.String("watcher", w.name))
	}
	return w
}

// Start launches the poll loop. The loop also ends when ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(loopCtx, w.done)
	return nil
}

// Stop cancels the poll loop and waits for it to exit. Once Stop returns nil
// no callback fires until the watcher is started again.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watcher stop wait: %w", ctx.Err())
	}
}

// Running reports whether the poll loop has been started and not stopped.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Register adds a callback and returns its handle.
func (w *Watcher) Register(cb Callback) Registration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registerLocked(cb)
}

// Unregister removes a callback. Unknown handles are ignored.
func (w *Watcher) Unregister(id Registration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.callbacks {
		if e.id == id {
			w.callbacks = append(w.callbacks[:i:i], w.callbacks[i+1:]...)
			return
		}
	}
}

// Join blocks until the next poll on which the checker evaluates true, or
// until ctx ends.
func (w *Watcher) Join(ctx context.Context) error {
	fired := make(chan struct{})
	var once sync.Once

	w.mu.Lock()
	var id Registration
	id = w.registerLocked(func(context.Context) {
		once.Do(func() {
			close(fired)
			w.Unregister(id)
		})
	})
	w.mu.Unlock()
	defer w.Unregister(id)

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watcher join: %w", ctx.Err())
	}
}

func (w *Watcher) registerLocked(cb Callback) Registration {
	w.nextID++
	id := w.nextID
	w.callbacks = append(w.callbacks, entry{id: id, fn: cb})
	return id
}

func (w *Watcher) snapshot() []entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]entry(nil), w.callbacks...)
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	if !w.check(ctx) {
		return
	}
	for _, e := range w.snapshot() {
		if ctx.Err() != nil {
			return
		}
		w.invoke(ctx, e)
	}
}

func (w *Watcher) check(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher checker panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	if w.checker == nil {
		return false
	}
	ok, err := w.checker(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("watcher checker failed", zap.Error(err))
		}
		return false
	}
	return ok
}

func (w *Watcher) invoke(ctx context.Context, e entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher callback panicked",
				zap.Uint64("callback", uint64(e.id)),
				zap.Any("panic", r),
			)
		}
	}()
	e.fn(ctx)
}
