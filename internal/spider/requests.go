package spider

import (
	"context"
	"errors"
	"iter"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrStopped is returned by a Generate emit function once the consumer has
// stopped pulling requests. Producers should return it unchanged.
var ErrStopped = errors.New("request sequence stopped")

// Requests is a lazy, possibly infinite sequence of requests. The consumer
// pulls by passing yield; the producer must stop as soon as yield returns
// false or ctx ends. A nil Requests yields nothing.
type Requests func(ctx context.Context, yield func(*crawler.Request) bool) error

// Each drains r into fn. It is safe to call on a nil Requests.
func (r Requests) Each(ctx context.Context, fn func(*crawler.Request) bool) error {
	if r == nil {
		return nil
	}
	return r(ctx, fn)
}

// None yields nothing.
func None() Requests {
	return nil
}

// Of yields the given requests in order, skipping nils.
func Of(reqs ...*crawler.Request) Requests {
	if len(reqs) == 0 {
		return nil
	}
	return func(ctx context.Context, yield func(*crawler.Request) bool) error {
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if req == nil {
				continue
			}
			if !yield(req) {
				return nil
			}
		}
		return nil
	}
}

// FromSeq adapts an iterator. The iterator is abandoned when ctx ends.
func FromSeq(seq iter.Seq[*crawler.Request]) Requests {
	if seq == nil {
		return nil
	}
	return func(ctx context.Context, yield func(*crawler.Request) bool) error {
		for req := range seq {
			if err := ctx.Err(); err != nil {
				return err
			}
			if req == nil {
				continue
			}
			if !yield(req) {
				return nil
			}
		}
		return nil
	}
}

// FromChan yields requests received on ch until it is closed or ctx ends.
func FromChan(ch <-chan *crawler.Request) Requests {
	if ch == nil {
		return nil
	}
	return func(ctx context.Context, yield func(*crawler.Request) bool) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req, ok := <-ch:
				if !ok {
					return nil
				}
				if req == nil {
					continue
				}
				if !yield(req) {
					return nil
				}
			}
		}
	}
}

// Generate turns a producer function into Requests. emit returns ErrStopped
// once the consumer stops and ctx.Err() once ctx ends; ErrStopped is not
// reported as a failure.
func Generate(fn func(ctx context.Context, emit func(*crawler.Request) error) error) Requests {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, yield func(*crawler.Request) bool) error {
		stopped := false
		err := fn(ctx, func(req *crawler.Request) error {
			if stopped {
				return ErrStopped
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if req == nil {
				return nil
			}
			if !yield(req) {
				stopped = true
				return ErrStopped
			}
			return nil
		})
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
}
