package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/spider"
	"github.com/JakeFAU/crawlengine/internal/state"
	"github.com/JakeFAU/crawlengine/internal/watcher"
)

// lifecycle drives one spider from setup to teardown. Teardown runs exactly
// once, whatever happened before it.
func (m *Manager) lifecycle(e *entry) {
	defer close(e.done)
	defer e.cancel()

	e.setPhase(PhaseRunning)
	m.emit(e, progress.StageSpiderStart, "")

	setupErr := m.hook(e, "setup", func(ctx context.Context) error {
		return e.spider.Setup(ctx)
	})
	if setupErr != nil {
		e.mu.Lock()
		e.setupErr = setupErr.Error()
		e.mu.Unlock()
		e.loopCancel()
		e.logger.Error("spider setup failed; skipping to teardown", zap.Error(setupErr))
	} else {
		m.crawl(e)
	}
	m.closeQueue(e)

	// Teardown must run even after a forced removal canceled e.ctx.
	teardownErr := m.hook(e, "teardown", func(ctx context.Context) error {
		return e.spider.Teardown(context.WithoutCancel(ctx))
	})
	if teardownErr != nil {
		e.logger.Error("spider teardown failed", zap.Error(teardownErr))
	}

	e.setPhase(PhaseTornDown)
	if err := errors.Join(setupErr, teardownErr); err != nil {
		m.emit(e, progress.StageSpiderError, err.Error())
	} else {
		m.emit(e, progress.StageSpiderDone, "")
	}
	e.logger.Info("spider torn down", zap.Duration("lifetime", m.clock.Since(e.startedAt)))

	m.retire(e)
}

// closeQueue closes e's private queue and drops whatever the demultiplexer
// delivered after the dispatch loop stopped, releasing those request counts.
// e.loopCtx is already canceled, so no enqueue is left blocked on the queue.
func (m *Manager) closeQueue(e *entry) {
	e.queue.Close()
	for {
		o, err := e.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		m.unroutable(o, e.name, "spider is draining")
	}
}

// crawl runs the start_requests action and the dispatch loop until the
// spider drains or is removed.
func (m *Manager) crawl(e *entry) {
	startDone := make(chan struct{})
	m.incr(ActionsKey(e.name), 1)
	go func() {
		defer close(startDone)
		defer m.incr(ActionsKey(e.name), -1)
		m.action(e, "start_requests", func(ctx context.Context) spider.Requests {
			return e.spider.StartRequests(ctx)
		})
	}()

	w := watcher.New(func(context.Context) (bool, error) {
		return m.quiescent(e.name)
	}, m.pollInterval, watcher.WithLogger(e.logger), watcher.WithName("quiescence"))
	w.Register(func(context.Context) {
		e.loopCancel()
	})
	if err := w.Start(e.ctx); err != nil {
		e.logger.Error("quiescence watcher failed to start", zap.Error(err))
		e.loopCancel()
	}

	for {
		outcome, err := e.queue.Dequeue(e.loopCtx)
		if err != nil {
			break
		}
		m.dispatch(e, outcome)
	}

	e.setPhase(PhaseDraining)
	if e.ctx.Err() != nil {
		e.logger.Info("spider removed; draining")
	} else {
		e.logger.Info("spider idle; draining")
	}
	m.emit(e, progress.StageSpiderDrain, "")

	<-startDone
	if err := w.Stop(context.Background()); err != nil {
		e.logger.Warn("quiescence watcher stop failed", zap.Error(err))
	}
	e.actions.Wait()
}

// dispatch turns an outcome into an action running on its own goroutine.
func (m *Manager) dispatch(e *entry, o crawler.Outcome) {
	m.incr(ActionsKey(e.name), 1)
	m.incr(RequestsKey(e.name), -1)
	e.actions.Add(1)
	go func() {
		defer e.actions.Done()
		defer m.incr(ActionsKey(e.name), -1)
		switch {
		case o.Failed():
			m.action(e, "handle_error", func(ctx context.Context) spider.Requests {
				return e.spider.HandleError(ctx, o.Err, o.Request)
			})
		case o.Request.Meta.Callback() != "":
			name := o.Request.Meta.Callback()
			fn, ok := resolveCallback(e.spider, name)
			if !ok {
				e.logger.Error("spider action failed",
					zap.String("hook", "callback"),
					zap.String("url", o.Request.URL),
					zap.Error(fmt.Errorf("%q: %w", name, ErrUnknownCallback)),
				)
				return
			}
			m.action(e, "callback:"+name, func(ctx context.Context) spider.Requests {
				return fn(ctx, o.Response, o.Request)
			})
		default:
			m.action(e, "handle_response", func(ctx context.Context) spider.Requests {
				return e.spider.HandleResponse(ctx, o.Response, o.Request)
			})
		}
	}()
}

func resolveCallback(sp spider.Spider, name string) (spider.ResponseFunc, bool) {
	provider, ok := sp.(spider.CallbackProvider)
	if !ok {
		return nil, false
	}
	return provider.Callback(name)
}

// action invokes a hook and sends every request it yields. Failures and
// panics are logged and end the action without affecting the spider.
func (m *Manager) action(e *entry, hook string, produce func(ctx context.Context) spider.Requests) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("spider action panicked", zap.String("hook", hook), zap.Any("panic", r))
		}
	}()
	ctx := e.ctx
	reqs := produce(ctx)
	sent := 0
	err := reqs.Each(ctx, func(req *crawler.Request) bool {
		if err := m.send(ctx, e, req); err != nil {
			e.logger.Warn("dropping request",
				zap.String("hook", hook),
				zap.String("url", req.URL),
				zap.Error(err),
			)
			return ctx.Err() == nil
		}
		sent++
		return true
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("spider action failed", zap.String("hook", hook), zap.Error(err))
	}
	e.logger.Debug("spider action done", zap.String("hook", hook), zap.Int("sent", sent))
}

// hook runs a lifecycle hook, converting a panic into an error.
func (m *Manager) hook(e *entry, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	if err := fn(e.ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// send stamps, counts and enqueues one request. A request that names another
// spider is counted against that spider.
func (m *Manager) send(ctx context.Context, e *entry, req *crawler.Request) error {
	if req.Meta == nil {
		req.Meta = crawler.Meta{}
	}
	if req.Meta.Spider() == "" {
		req.Meta[crawler.MetaSpider] = e.name
	}
	if req.ID == "" {
		id, err := m.ids.NewID()
		if err != nil {
			return fmt.Errorf("assign request id: %w", err)
		}
		req.ID = id
	}
	if err := req.Validate(); err != nil {
		return err
	}
	key := RequestsKey(req.Meta.Spider())
	m.incr(key, 1)
	if err := m.requests.Enqueue(ctx, req); err != nil {
		m.incr(key, -1)
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

// demux routes outcomes from the shared queue to each spider's private
// queue until ctx ends or the shared queue closes.
func (m *Manager) demux(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		outcome, err := m.outcomes.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("outcome queue closed", zap.Error(err))
			}
			return
		}
		m.route(outcome)
	}
}

func (m *Manager) route(o crawler.Outcome) {
	name := o.Spider()
	if o.Request == nil {
		m.unroutable(o, name, "outcome has no request")
		return
	}
	e, ok := m.lookup(name)
	if !ok {
		m.unroutable(o, name, "no live spider")
		return
	}
	if e.loopCtx.Err() != nil {
		m.unroutable(o, name, "spider is draining")
		return
	}
	if err := e.queue.Enqueue(e.loopCtx, o); err != nil {
		m.unroutable(o, name, err.Error())
	}
}

// unroutable drops o, releasing its request count if one is held. The
// counter of a spider that is not live is deleted once it reaches zero.
func (m *Manager) unroutable(o crawler.Outcome, name, reason string) {
	if name != "" {
		_, live := m.lookup(name)
		m.store.Update(RequestsKey(name), func(old any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			n, isInt := state.AsInt64(old)
			if !isInt {
				return old, true
			}
			if n > 0 {
				n--
			}
			return n, n > 0 || live
		})
	}
	url := ""
	if o.Request != nil {
		url = o.Request.URL
	}
	m.logger.Warn("dropping unroutable outcome",
		zap.String("spider", name),
		zap.String("url", url),
		zap.String("reason", reason),
	)
	m.emitter.Emit(progress.Event{
		Spider: name,
		TS:     m.clock.Now(),
		Stage:  progress.StageUnroutable,
		URL:    url,
		Note:   reason,
	})
}

func (m *Manager) emit(e *entry, stage progress.Stage, note string) {
	evt := progress.Event{
		Spider: e.name,
		TS:     m.clock.Now(),
		Stage:  stage,
		Note:   note,
	}
	if stage == progress.StageSpiderDone || stage == progress.StageSpiderError {
		evt.Dur = m.clock.Since(e.startedAt)
	}
	m.emitter.Emit(evt)
}
