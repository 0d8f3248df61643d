// Package collyfetcher implements crawler.Transport using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Transport fetches requests with a collector cloned per call. The clones
// share one HTTP backend, so connection pooling spans requests.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&historyTransport{base: newHTTPTransport()})
	c.SetRequestTimeout(cfg.Timeout)

	return &Transport{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch performs req and returns the final response. Non-2xx statuses are
// responses, not errors.
func (t *Transport) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	var (
		result   *crawler.Response
		fetchErr error
	)
	rec := &redirectLog{}
	ctx = withRedirectLog(ctx, rec)

	collector := t.baseCollector.Clone()
	collector.Context = ctx
	start := time.Now()
	configureCollectorHooks(collector, req, start, &result, &fetchErr)

	if err := runCollector(ctx, collector, req, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("colly fetch %s: no response", req.URL)
	}
	result.History = rec.history(result.URL)
	return result, nil
}

func configureCollectorHooks(
	hooks collectorHooks,
	req *crawler.Request,
	start time.Time,
	result **crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		finalURL := req.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = &crawler.Response{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Encoding:   charsetOf(header),
			Header:     header,
			Cookies:    (&http.Response{Header: header}).Cookies(),
			Meta:       req.Meta.Clone(),
			Request:    req,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, req *crawler.Request, fetchErr *error) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hdr := requestHeader(req)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.HTTPMethod(), req.URL, body, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// requestHeader merges explicit headers and cookies. Cookies travel as a
// header so they never land in the shared cookie jar.
func requestHeader(req *crawler.Request) http.Header {
	hdr := http.Header{}
	for key, values := range req.Header {
		for _, v := range values {
			hdr.Add(key, v)
		}
	}
	if len(req.Cookies) > 0 {
		parts := make([]string, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			if c == nil || c.Name == "" {
				continue
			}
			parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
		}
		if len(parts) > 0 {
			hdr.Add("Cookie", strings.Join(parts, "; "))
		}
	}
	return hdr
}

func charsetOf(header http.Header) string {
	if header == nil {
		return "utf-8"
	}
	_, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || params["charset"] == "" {
		return "utf-8"
	}
	return strings.ToLower(params["charset"])
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
