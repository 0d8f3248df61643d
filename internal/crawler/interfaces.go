package crawler

import (
	"context"
	"time"
)

// Transport turns a Request into a Response or a failure.
type Transport interface {
	Fetch(ctx context.Context, request *Request) (*Response, error)
}

// Queue provides context-aware enqueue/dequeue semantics.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}

// Clock reports wall time for lifecycle timestamps and durations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
