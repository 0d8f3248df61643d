package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/manager"
	"github.com/JakeFAU/crawlengine/internal/spider"
)

type transportFunc func(ctx context.Context, req *crawler.Request) (*crawler.Response, error)

func (fn transportFunc) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	return fn(ctx, req)
}

func okTransport() crawler.Transport {
	return transportFunc(func(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("hello")}, nil
	})
}

func testConfig() Config {
	return Config{
		PollInterval:     5 * time.Millisecond,
		SpiderQueueSize:  8,
		RequestQueueSize: 8,
		OutcomeQueueSize: 8,
		MaxInFlight:      4,
		Progress: ProgressConfig{
			Enabled:        true,
			MaxBatchEvents: 4,
			MaxBatchWait:   5 * time.Millisecond,
		},
	}
}

// pagesSpider fetches n pages and counts the responses it sees.
type pagesSpider struct {
	spider.Base
	n         int
	seen      atomic.Int32
	tornDown  atomic.Bool
	startHang bool
}

func (s *pagesSpider) StartRequests(ctx context.Context) spider.Requests {
	if s.startHang {
		return func(ctx context.Context, _ func(*crawler.Request) bool) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	reqs := make([]*crawler.Request, 0, s.n)
	for i := range s.n {
		reqs = append(reqs, crawler.NewRequest(s.Name(), fmt.Sprintf("https://example.com/%d", i)))
	}
	return spider.Of(reqs...)
}

func (s *pagesSpider) HandleResponse(context.Context, *crawler.Response, *crawler.Request) spider.Requests {
	s.seen.Add(1)
	return spider.None()
}

func (s *pagesSpider) Teardown(context.Context) error {
	s.tornDown.Store(true)
	return nil
}

func TestRunCrawlsToCompletion(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	eng, err := New(testConfig(), okTransport(), zaptest.NewLogger(t), WithRegistry(reg))
	require.NoError(t, err)

	sp := &pagesSpider{Base: spider.Base{SpiderName: "pages"}, n: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, eng.Run(ctx, sp))
	require.EqualValues(t, 3, sp.seen.Load())
	require.True(t, sp.tornDown.Load())
	require.Empty(t, eng.Manager().Snapshot())

	stats := eng.Stats("pages")
	require.EqualValues(t, 3, stats.Fetched)
	require.EqualValues(t, 15, stats.Bytes)

	count, err := testutil.GatherAndCount(reg, "crawlengine_fetch_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, reg, eng.Registry())
}

func TestRunReportsDuplicateAndFinishesFirst(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), okTransport(), zaptest.NewLogger(t))
	require.NoError(t, err)

	first := &pagesSpider{Base: spider.Base{SpiderName: "dup"}, n: 2}
	second := &pagesSpider{Base: spider.Base{SpiderName: "dup"}, n: 5}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = eng.Run(ctx, first, second)
	require.ErrorIs(t, err, manager.ErrDuplicateSpider)
	require.EqualValues(t, 2, first.seen.Load())
	require.Zero(t, second.seen.Load())
	require.True(t, first.tornDown.Load())
}

func TestRunCancelTearsDownSpiders(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), okTransport(), zaptest.NewLogger(t))
	require.NoError(t, err)

	sp := &pagesSpider{Base: spider.Base{SpiderName: "forever"}, startHang: true}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err = eng.Run(ctx, sp)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, sp.tornDown.Load())
}

func TestRunWithoutProgress(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Progress.Enabled = false
	eng, err := New(cfg, okTransport(), nil)
	require.NoError(t, err)

	sp := &pagesSpider{Base: spider.Base{SpiderName: "quiet"}, n: 1}
	require.NoError(t, eng.Run(context.Background(), sp))
	require.Equal(t, 1, int(sp.seen.Load()))
	require.Zero(t, eng.Stats("quiet").Fetched)
}

func TestNewRequiresTransport(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), nil, nil)
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Engine.PollInterval = time.Second
	cfg.Engine.MaxInFlight = 7
	cfg.Progress.Enabled = true
	cfg.Progress.BufferSize = 10

	got := FromConfig(cfg)
	require.Equal(t, time.Second, got.PollInterval)
	require.Equal(t, 7, got.MaxInFlight)
	require.True(t, got.Progress.Enabled)
	require.Equal(t, 10, got.Progress.BufferSize)
}
