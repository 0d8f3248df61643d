package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrNotConfigured is returned by Noop for every request.
var ErrNotConfigured = errors.New("headless transport not configured")

// Noop stands in for the browser transport when headless fetching is
// disabled. Every fetch fails, which routes the request to HandleError.
type Noop struct{}

// NewNoop creates a new Noop transport.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrNotConfigured.
func (Noop) Fetch(_ context.Context, _ *crawler.Request) (*crawler.Response, error) {
	return nil, ErrNotConfigured
}
