// Package manager runs spiders. It owns each spider's lifecycle, routes
// fetch outcomes to the spider that sent the request, and detects when a
// spider has no outstanding work so it can be torn down.
//
// Every spider has two counters in the shared state.Store: requests sent but
// not yet dispatched back, and actions (hook invocations) in progress. A
// spider is finished once both are zero. Dispatching an outcome raises the
// action counter before lowering the request counter, so the pair is never
// observed at zero while work is pending.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/clock/system"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/id/uuid"
	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/queue/memory"
	"github.com/JakeFAU/crawlengine/internal/spider"
	"github.com/JakeFAU/crawlengine/internal/state"
	"github.com/JakeFAU/crawlengine/internal/watcher"
)

var (
	// ErrDuplicateSpider is returned by Add when a spider with the same name is live.
	ErrDuplicateSpider = errors.New("spider already running")
	// ErrUnknownSpider is returned by Remove when no live spider has the name.
	ErrUnknownSpider = errors.New("unknown spider")
	// ErrInvalidSpider is returned by Add for a nil spider or an empty name.
	ErrInvalidSpider = errors.New("invalid spider")
	// ErrUnknownCallback marks a response whose request names a callback the
	// spider does not register.
	ErrUnknownCallback = errors.New("unknown callback")
	// ErrAlreadyStarted is returned by Start when the demultiplexer is running.
	ErrAlreadyStarted = errors.New("manager already started")
	// ErrNotStarted is returned by Add before Start or after Close.
	ErrNotStarted = errors.New("manager not started")
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultQueueSize    = 128
)

// Phase is a spider's position in its lifecycle.
type Phase string

// Lifecycle phases.
const (
	PhaseAdded    Phase = "added"
	PhaseRunning  Phase = "running"
	PhaseDraining Phase = "draining"
	PhaseTornDown Phase = "torn_down"
)

// SpiderStatus is a point-in-time view of one live spider.
type SpiderStatus struct {
	Name      string    `json:"name"`
	Phase     Phase     `json:"phase"`
	Requests  int64     `json:"requests"`
	Actions   int64     `json:"actions"`
	StartedAt time.Time `json:"started_at"`
	SetupErr  string    `json:"setup_error,omitempty"`
}

// RequestsKey is the store key counting requests sent but not yet dispatched.
func RequestsKey(name string) string { return "requests:" + name }

// ActionsKey is the store key counting in-progress hook invocations.
func ActionsKey(name string) string { return "actions:" + name }

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPollInterval sets how often each spider checks for quiescence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithQueueSize sets the capacity of each spider's private outcome queue.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithEmitter publishes spider lifecycle progress events.
func WithEmitter(emitter progress.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithIDGenerator overrides how request IDs are assigned.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(m *Manager) {
		if ids != nil {
			m.ids = ids
		}
	}
}

// WithClock overrides the clock used for lifecycle timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager owns the live spiders.
type Manager struct {
	store        *state.Store
	requests     crawler.Queue[*crawler.Request]
	outcomes     crawler.Queue[crawler.Outcome]
	logger       *zap.Logger
	emitter      progress.Emitter
	ids          crawler.IDGenerator
	clock        crawler.Clock
	pollInterval time.Duration
	queueSize    int

	mu          sync.Mutex
	spiders     map[string]*entry
	base        context.Context
	demuxCancel context.CancelFunc
	demuxDone   chan struct{}
}

// New builds a Manager that sends requests to requests and reads outcomes
// from outcomes. Counters live in store.
func New(
	store *state.Store,
	requests crawler.Queue[*crawler.Request],
	outcomes crawler.Queue[crawler.Outcome],
	opts ...Option,
) *Manager {
	if store == nil {
		store = state.New()
	}
	m := &Manager{
		store:        store,
		requests:     requests,
		outcomes:     outcomes,
		logger:       zap.NewNop(),
		emitter:      progress.Nop{},
		ids:          uuid.New(),
		clock:        system.New(),
		pollInterval: defaultPollInterval,
		queueSize:    defaultQueueSize,
		spiders:      make(map[string]*entry),
		base:         context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the outcome demultiplexer. Spiders added afterwards derive
// their lifecycle context from ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.demuxDone != nil {
		return ErrAlreadyStarted
	}
	demuxCtx, cancel := context.WithCancel(ctx)
	m.base = ctx
	m.demuxCancel = cancel
	m.demuxDone = make(chan struct{})
	go m.demux(demuxCtx, m.demuxDone)
	return nil
}

// Add registers sp and starts its lifecycle. Start must have been called
// first. The first spider with a given name is unaffected by a rejected
// duplicate.
func (m *Manager) Add(_ context.Context, sp spider.Spider) error {
	if sp == nil {
		return fmt.Errorf("nil spider: %w", ErrInvalidSpider)
	}
	name := sp.Name()
	if name == "" {
		return fmt.Errorf("empty spider name: %w", ErrInvalidSpider)
	}

	m.mu.Lock()
	if m.demuxDone == nil {
		m.mu.Unlock()
		return fmt.Errorf("add %q: %w", name, ErrNotStarted)
	}
	if _, ok := m.spiders[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("add %q: %w", name, ErrDuplicateSpider)
	}
	e := newEntry(m.base, sp, m.queueSize, m.logger, m.clock.Now())
	m.spiders[name] = e
	// Requests still in flight under this name, sent by another spider or
	// by a removed predecessor, stay counted.
	for _, key := range []string{RequestsKey(name), ActionsKey(name)} {
		m.store.Update(key, func(old any, ok bool) (any, bool) {
			if ok {
				return old, true
			}
			return int64(0), true
		})
	}
	m.mu.Unlock()

	e.logger.Info("spider added")
	go m.lifecycle(e)
	return nil
}

// Remove forcibly stops the named spider: in-flight hooks see their context
// canceled, and Remove waits until teardown has run.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.spiders[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove %q: %w", name, ErrUnknownSpider)
	}
	e.logger.Info("removing spider")
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("remove %q: %w", name, ctx.Err())
	}
}

// Join waits until every named spider has been torn down, or until no
// spiders remain when names is empty.
func (m *Manager) Join(ctx context.Context, names ...string) error {
	w := watcher.New(func(context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(names) == 0 {
			return len(m.spiders) == 0, nil
		}
		for _, name := range names {
			if _, ok := m.spiders[name]; ok {
				return false, nil
			}
		}
		return true, nil
	}, m.pollInterval, watcher.WithLogger(m.logger), watcher.WithName("join"))
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer func() { _ = w.Stop(context.Background()) }()
	if err := w.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

// Snapshot reports every live spider, sorted by name.
func (m *Manager) Snapshot() []SpiderStatus {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.spiders))
	for _, e := range m.spiders {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]SpiderStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.status(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status reports one live spider.
func (m *Manager) Status(name string) (SpiderStatus, error) {
	m.mu.Lock()
	e, ok := m.spiders[name]
	m.mu.Unlock()
	if !ok {
		return SpiderStatus{}, fmt.Errorf("status %q: %w", name, ErrUnknownSpider)
	}
	return m.status(e), nil
}

func (m *Manager) status(e *entry) SpiderStatus {
	st := SpiderStatus{Name: e.name, StartedAt: e.startedAt}
	if counts, err := m.store.Counters(RequestsKey(e.name), ActionsKey(e.name)); err == nil {
		st.Requests, st.Actions = counts[0], counts[1]
	}
	st.Phase, st.SetupErr = e.snapshot()
	return st
}

// Close removes every live spider and stops the demultiplexer.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.spiders))
	for name := range m.spiders {
		names = append(names, name)
	}
	cancel, done := m.demuxCancel, m.demuxDone
	m.demuxCancel, m.demuxDone = nil, nil
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Remove(ctx, name); err != nil && !errors.Is(err, ErrUnknownSpider) {
			errs = append(errs, err)
		}
	}
	if done != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("demux stop: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.spiders[name]
	return e, ok
}

// retire forgets e. Every action has finished by now, but requests counted
// under the name may still be at the fetcher after a forced removal; that
// count is kept so a successor with the same name, or the unroutable path,
// releases it later.
func (m *Manager) retire(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.spiders[e.name]; !ok || cur != e {
		return
	}
	delete(m.spiders, e.name)
	m.store.Delete(ActionsKey(e.name))
	left := m.store.Update(RequestsKey(e.name), func(old any, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		n, isInt := state.AsInt64(old)
		return old, isInt && n > 0
	})
	if n, ok := state.AsInt64(left); ok {
		e.logger.Info("spider retired with requests in flight", zap.Int64("requests", n))
	}
}

// incr adjusts a manager-owned counter. A non-integer value under one of
// these keys means some caller overwrote it, which is unrecoverable.
func (m *Manager) incr(key string, n int64) int64 {
	v, err := m.store.Incr(key, n)
	if err != nil {
		panic(fmt.Sprintf("manager counter %q corrupted: %v", key, err))
	}
	return v
}

// quiescent reports whether name has no pending requests and no running
// actions. Both counters are read in one snapshot: dispatch and send each
// move the pair in an order that is only safe against a consistent read.
func (m *Manager) quiescent(name string) (bool, error) {
	counts, err := m.store.Counters(RequestsKey(name), ActionsKey(name))
	if err != nil {
		return false, err
	}
	return counts[0] == 0 && counts[1] == 0, nil
}

// entry is the manager's record of one spider.
type entry struct {
	name      string
	spider    spider.Spider
	logger    *zap.Logger
	queue     *memory.Queue[crawler.Outcome]
	startedAt time.Time

	// ctx ends on forced removal; loopCtx ends when the spider drains.
	ctx        context.Context
	cancel     context.CancelFunc
	loopCtx    context.Context
	loopCancel context.CancelFunc
	done       chan struct{}
	actions    sync.WaitGroup

	mu       sync.Mutex
	phase    Phase
	setupErr string
}

func newEntry(
	base context.Context,
	sp spider.Spider,
	queueSize int,
	logger *zap.Logger,
	now time.Time,
) *entry {
	ctx, cancel := context.WithCancel(base)
	loopCtx, loopCancel := context.WithCancel(ctx)
	name := sp.Name()
	return &entry{
		name:       name,
		spider:     sp,
		logger:     logger.With(zap.String("spider", name)),
		queue:      memory.NewQueue[crawler.Outcome](queueSize),
		startedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		done:       make(chan struct{}),
		phase:      PhaseAdded,
	}
}

func (e *entry) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *entry) snapshot() (Phase, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase, e.setupErr
}
