// Package headless implements crawler.Transport with a headless browser so
// spiders can fetch pages that need JavaScript to render.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrMethodNotSupported is returned for requests a browser navigation cannot
// express, such as POST.
var ErrMethodNotSupported = errors.New("headless transport supports GET only")

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Transport renders pages in headless Chrome via chromedp.
type Transport struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless transport. The browser starts lazily on the
// first fetch.
func NewChromedp(cfg Config) (*Transport, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Transport{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down. Call it after the fetcher using this
// transport has been torn down.
func (tr *Transport) Close() {
	tr.allocCancel()
}

// Fetch navigates to req.URL and returns the rendered DOM. Redirects the
// browser followed are reported in History.
func (tr *Transport) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if req.HTTPMethod() != http.MethodGet {
		return nil, fmt.Errorf("%s %s: %w", req.HTTPMethod(), req.URL, ErrMethodNotSupported)
	}
	if err := tr.acquire(ctx); err != nil {
		return nil, err
	}
	defer tr.release()

	taskCtx, taskCancel := chromedp.NewContext(tr.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, tr.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := tr.runHeadless(taskCtx, req)
	if err != nil {
		return nil, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return &crawler.Response{
		URL:        responseURL,
		StatusCode: status,
		Body:       []byte(html),
		Encoding:   "utf-8",
		Header:     headers,
		Cookies:    (&http.Response{Header: headers}).Cookies(),
		History:    meta.history(responseURL),
		Meta:       req.Meta.Clone(),
		Request:    req,
		Duration:   time.Since(start),
	}, nil
}

func (tr *Transport) runHeadless(ctx context.Context, req *crawler.Request) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		tr.networkSetupAction(requestHeaders(req)),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (tr *Transport) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if tr.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(tr.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (tr *Transport) acquire(ctx context.Context) error {
	if tr.limiter == nil {
		return nil
	}
	select {
	case tr.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (tr *Transport) release() {
	if tr.limiter == nil {
		return
	}
	select {
	case <-tr.limiter:
	default:
	}
}

type responseMeta struct {
	mu        sync.RWMutex
	status    int
	headers   http.Header
	url       string
	redirects []string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) captureRedirect(event *network.EventRequestWillBeSent) {
	if event.Type != network.ResourceTypeDocument || event.RedirectResponse == nil {
		return
	}
	m.mu.Lock()
	m.redirects = append(m.redirects, event.RedirectResponse.URL)
	m.mu.Unlock()
}

func (m *responseMeta) history(final string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.redirects))
	for _, u := range m.redirects {
		if u != final {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *network.EventRequestWillBeSent:
		m.captureRedirect(e)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (tr *Transport) navTimeout() time.Duration {
	if tr.cfg.NavigationTimeout > 0 {
		return tr.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// requestHeaders folds request cookies into a Cookie header, since the
// browser has no per-request cookie argument.
func requestHeaders(req *crawler.Request) http.Header {
	h := cloneHeader(req.Header)
	if h == nil {
		h = http.Header{}
	}
	for _, c := range req.Cookies {
		if c == nil || c.Name == "" {
			continue
		}
		h.Add("Cookie", (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return h
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
