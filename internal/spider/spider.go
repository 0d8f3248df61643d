// Package spider defines the user-supplied crawl unit: lifecycle hooks the
// manager invokes, the lazy Requests sequence those hooks return, and a Base
// type with no-op hooks and a named-callback registry.
package spider

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Spider is a named crawl unit driven by the manager. Setup and Teardown run
// exactly once per lifetime; the remaining hooks may run concurrently.
type Spider interface {
	Name() string
	Setup(ctx context.Context) error
	StartRequests(ctx context.Context) Requests
	HandleResponse(ctx context.Context, resp *crawler.Response, req *crawler.Request) Requests
	HandleError(ctx context.Context, err error, req *crawler.Request) Requests
	Teardown(ctx context.Context) error
}

// ResponseFunc handles a response routed to a named callback.
type ResponseFunc func(ctx context.Context, resp *crawler.Response, req *crawler.Request) Requests

// CallbackProvider resolves callback names carried in request meta.
type CallbackProvider interface {
	Callback(name string) (ResponseFunc, bool)
}

// Base supplies no-op hooks. Embed it and override what you need.
type Base struct {
	SpiderName string

	mu        sync.RWMutex
	callbacks map[string]ResponseFunc
}

// Name returns SpiderName.
func (b *Base) Name() string {
	return b.SpiderName
}

// Setup does nothing.
func (b *Base) Setup(context.Context) error {
	return nil
}

// StartRequests yields nothing.
func (b *Base) StartRequests(context.Context) Requests {
	return None()
}

// HandleResponse yields nothing.
func (b *Base) HandleResponse(context.Context, *crawler.Response, *crawler.Request) Requests {
	return None()
}

// HandleError yields nothing.
func (b *Base) HandleError(context.Context, error, *crawler.Request) Requests {
	return None()
}

// Teardown does nothing.
func (b *Base) Teardown(context.Context) error {
	return nil
}

// Handle registers fn under name, replacing any previous registration.
func (b *Base) Handle(name string, fn ResponseFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callbacks == nil {
		b.callbacks = make(map[string]ResponseFunc)
	}
	b.callbacks[name] = fn
}

// Callback implements CallbackProvider.
func (b *Base) Callback(name string) (ResponseFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.callbacks[name]
	return fn, ok && fn != nil
}

var (
	_ Spider           = (*Base)(nil)
	_ CallbackProvider = (*Base)(nil)
)
