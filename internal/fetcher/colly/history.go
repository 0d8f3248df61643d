package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

type redirectLogKey struct{}

// redirectLog records every URL a single fetch requested.
type redirectLog struct {
	mu   sync.Mutex
	urls []string
}

func withRedirectLog(ctx context.Context, rec *redirectLog) context.Context {
	return context.WithValue(ctx, redirectLogKey{}, rec)
}

func redirectLogFrom(ctx context.Context) *redirectLog {
	rec, _ := ctx.Value(redirectLogKey{}).(*redirectLog)
	return rec
}

func (r *redirectLog) add(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, u)
}

// history returns the URLs visited before final, oldest first.
func (r *redirectLog) history(final string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.urls)
	if n > 0 && r.urls[n-1] == final {
		n--
	}
	if n == 0 {
		return nil
	}
	return append([]string(nil), r.urls[:n]...)
}

// historyTransport notes each hop of a redirect chain in the redirectLog
// carried by the request context.
type historyTransport struct {
	base http.RoundTripper
}

func (t *historyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("history transport received nil request")
	}
	if rec := redirectLogFrom(req.Context()); rec != nil && !isRobotsTxtRequest(req) {
		rec.add(req.URL.String())
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("history transport roundtrip: %w", err)
	}
	return resp, nil
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}
