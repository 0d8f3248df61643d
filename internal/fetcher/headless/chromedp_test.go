package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	tr, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, 2, cap(tr.limiter))
}

func TestTransportNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	tr := &Transport{}
	require.Equal(t, defaultNavTimeout, tr.navTimeout())
	tr.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, tr.navTimeout())
}

func TestTransportRejectsPost(t *testing.T) {
	t.Parallel()

	tr, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer tr.Close()

	req := crawler.NewRequest("alpha", "https://example.com")
	req.Method = http.MethodPost
	_, err = tr.Fetch(context.Background(), req)
	require.ErrorIs(t, err, ErrMethodNotSupported)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	tr := &Transport{limiter: make(chan struct{}, 1)}
	require.NoError(t, tr.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.acquire(ctx), context.Canceled)
	tr.release()
	require.NoError(t, tr.acquire(context.Background()))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	v, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok, "expected []string, got %T", netHeaders["X-Test"])
	require.Len(t, v, 2)
}

func TestRequestHeadersFoldsCookies(t *testing.T) {
	t.Parallel()

	req := crawler.NewRequest("alpha", "https://example.com")
	req.Header = http.Header{"X-Trace": {"yes"}}
	req.Cookies = []*http.Cookie{{Name: "token", Value: "t1"}, nil}
	h := requestHeaders(req)
	require.Equal(t, "yes", h.Get("X-Trace"))
	require.Equal(t, "token=t1", h.Get("Cookie"))
	require.Empty(t, req.Header.Get("Cookie"))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventRequestWillBeSent{
		Type:             network.ResourceTypeDocument,
		RedirectResponse: &network.Response{Status: 301, URL: "https://example.com/old"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)
	require.Equal(t, []string{"https://example.com/old"}, meta.history(url))

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
	require.Nil(t, meta.history(url))
}

func TestNoopTransportError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), crawler.NewRequest("alpha", "https://example.com"))
	require.ErrorIs(t, err, ErrNotConfigured)
}
