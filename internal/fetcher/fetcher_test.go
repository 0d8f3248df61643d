package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/queue/memory"
)

type transportFunc func(ctx context.Context, req *crawler.Request) (*crawler.Response, error)

func (fn transportFunc) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	return fn(ctx, req)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func newQueues() (*memory.Queue[*crawler.Request], *memory.Queue[crawler.Outcome]) {
	return memory.NewQueue[*crawler.Request](16), memory.NewQueue[crawler.Outcome](16)
}

func TestFetcherPublishesOutcomes(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	boom := errors.New("boom")
	transport := transportFunc(func(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
		if req.URL == "https://fail.test" {
			return nil, boom
		}
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("hello")}, nil
	})
	emitter := &recordingEmitter{}
	f := New(in, out, transport, WithEmitter(emitter))
	require.NoError(t, f.Start(context.Background()))
	defer func() { require.NoError(t, f.Teardown(context.Background())) }()

	ctx := context.Background()
	ok := crawler.NewRequest("alpha", "https://ok.test")
	bad := crawler.NewRequest("alpha", "https://fail.test")
	require.NoError(t, in.Enqueue(ctx, ok))
	require.NoError(t, in.Enqueue(ctx, bad))

	got := map[string]crawler.Outcome{}
	for range 2 {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		o, err := out.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		got[o.Request.URL] = o
	}

	success := got["https://ok.test"]
	require.False(t, success.Failed())
	require.Same(t, ok, success.Response.Request)
	require.Equal(t, "alpha", success.Response.Meta.Spider())
	require.Equal(t, "alpha", success.Spider())

	failure := got["https://fail.test"]
	require.True(t, failure.Failed())
	require.ErrorIs(t, failure.Err, boom)

	require.Eventually(t, func() bool {
		return len(emitter.Stages()) == 2
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []progress.Stage{progress.StageFetchDone, progress.StageFetchError}, emitter.Stages())
}

func TestFetcherNilResponseIsFailure(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	f := New(in, out, transportFunc(func(context.Context, *crawler.Request) (*crawler.Response, error) {
		return nil, nil
	}))
	require.NoError(t, f.Start(context.Background()))
	defer func() { require.NoError(t, f.Teardown(context.Background())) }()

	require.NoError(t, in.Enqueue(context.Background(), crawler.NewRequest("alpha", "https://x.test")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o, err := out.Dequeue(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, ErrNilResponse)
}

func TestFetcherDoesNotSerializeFetches(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	release := make(chan struct{})
	var started atomic.Int32
	transport := transportFunc(func(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	f := New(in, out, transport)
	require.NoError(t, f.Start(context.Background()))
	defer func() { require.NoError(t, f.Teardown(context.Background())) }()

	for range 3 {
		require.NoError(t, in.Enqueue(context.Background(), crawler.NewRequest("alpha", "https://slow.test")))
	}
	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return out.Len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestFetcherMaxInFlight(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	transport := transportFunc(func(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	f := New(in, out, transport, WithMaxInFlight(2))
	require.NoError(t, f.Start(context.Background()))
	defer func() { require.NoError(t, f.Teardown(context.Background())) }()

	for range 4 {
		require.NoError(t, in.Enqueue(context.Background(), crawler.NewRequest("alpha", "https://slow.test")))
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), peak.Load())
	close(release)
	require.Eventually(t, func() bool { return out.Len() == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), peak.Load())
}

func TestFetcherTeardownCancelsInFlight(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	var canceled atomic.Bool
	started := make(chan struct{})
	transport := transportFunc(func(ctx context.Context, _ *crawler.Request) (*crawler.Response, error) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return nil, ctx.Err()
	})
	f := New(in, out, transport)
	require.NoError(t, f.Start(context.Background()))
	require.ErrorIs(t, f.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, in.Enqueue(context.Background(), crawler.NewRequest("alpha", "https://hang.test")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Teardown(ctx))
	require.True(t, canceled.Load(), "teardown must wait for in-flight fetches")
	require.NoError(t, f.Teardown(ctx))
}
