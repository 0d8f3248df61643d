// Package links provides a spider that follows a[href] links from a set of
// seed pages, breadth-limited by depth and restricted to allowed domains.
package links

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/spider"
)

const (
	pageCallback        = "page"
	defaultMaxLinksPage = 200
)

// Config describes one link-following crawl.
//   - Name: spider name (required).
//   - Seeds: absolute http(s) URLs fetched at depth 0 (at least one).
//   - MaxDepth: links found at this depth are not followed.
//   - AllowedDomains: hosts (and their subdomains) that may be followed.
//     Empty means the seeds' hosts.
//   - MaxLinksPerPage: cap on links taken from one page (default 200).
type Config struct {
	Name            string
	Seeds           []string
	MaxDepth        int
	AllowedDomains  []string
	MaxLinksPerPage int
	Logger          *zap.Logger
}

// Counts summarizes what the spider saw.
type Counts struct {
	Fetched int64
	Failed  int64
	Skipped int64
}

// Spider follows links breadth-first up to MaxDepth.
type Spider struct {
	spider.Base

	cfg     Config
	seeds   []*url.URL
	allowed []string
	logger  *zap.Logger

	mu      sync.Mutex
	visited map[string]struct{}

	fetched atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// New validates cfg and builds a Spider.
func New(cfg Config) (*Spider, error) {
	if cfg.Name == "" {
		return nil, errors.New("links: name is required")
	}
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("links: at least one seed is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, errors.New("links: max depth must be >= 0")
	}
	if cfg.MaxLinksPerPage <= 0 {
		cfg.MaxLinksPerPage = defaultMaxLinksPage
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Spider{
		Base:    spider.Base{SpiderName: cfg.Name},
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("spider", cfg.Name)),
		visited: make(map[string]struct{}),
	}
	for _, raw := range cfg.Seeds {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" || !isHTTP(u) {
			return nil, fmt.Errorf("links: seed %q is not an absolute http(s) URL", raw)
		}
		u.Fragment = ""
		s.seeds = append(s.seeds, u)
	}
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			s.allowed = append(s.allowed, d)
		}
	}
	if len(s.allowed) == 0 {
		for _, u := range s.seeds {
			s.allowed = append(s.allowed, strings.ToLower(u.Hostname()))
		}
	}
	s.Handle(pageCallback, s.parsePage)
	return s, nil
}

// Setup resets the visited set so a reused Spider starts fresh.
func (s *Spider) Setup(context.Context) error {
	s.mu.Lock()
	s.visited = make(map[string]struct{})
	s.mu.Unlock()
	s.fetched.Store(0)
	s.failed.Store(0)
	s.skipped.Store(0)
	s.logger.Info("link crawl starting",
		zap.Int("seeds", len(s.seeds)),
		zap.Int("max_depth", s.cfg.MaxDepth),
		zap.Strings("allowed_domains", s.allowed),
	)
	return nil
}

// StartRequests yields each unvisited seed at depth 0.
func (s *Spider) StartRequests(context.Context) spider.Requests {
	reqs := make([]*crawler.Request, 0, len(s.seeds))
	for _, u := range s.seeds {
		if req := s.follow(u, 0); req != nil {
			reqs = append(reqs, req)
		}
	}
	return spider.Of(reqs...)
}

// HandleError counts and logs a transport failure.
func (s *Spider) HandleError(_ context.Context, err error, req *crawler.Request) spider.Requests {
	s.failed.Add(1)
	s.logger.Warn("page fetch failed", zap.String("url", req.URL), zap.Error(err))
	return spider.None()
}

// Teardown reports the crawl totals.
func (s *Spider) Teardown(context.Context) error {
	c := s.Counts()
	s.logger.Info("link crawl finished",
		zap.Int64("fetched", c.Fetched),
		zap.Int64("failed", c.Failed),
		zap.Int64("skipped", c.Skipped),
	)
	return nil
}

// Counts returns the totals so far.
func (s *Spider) Counts() Counts {
	return Counts{
		Fetched: s.fetched.Load(),
		Failed:  s.failed.Load(),
		Skipped: s.skipped.Load(),
	}
}

func (s *Spider) parsePage(_ context.Context, resp *crawler.Response, req *crawler.Request) spider.Requests {
	s.fetched.Add(1)
	depth := req.Meta.Int(crawler.MetaDepth)
	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Debug("not following error page", zap.String("url", req.URL), zap.Int("status", resp.StatusCode))
		return spider.None()
	}
	if depth >= s.cfg.MaxDepth || !isHTML(resp) {
		return spider.None()
	}

	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base, err = url.Parse(req.URL)
		if err != nil {
			return spider.None()
		}
	}
	links, err := s.extractLinks(base, resp.Body)
	if err != nil {
		s.logger.Debug("link extraction failed", zap.String("url", req.URL), zap.Error(err))
		return spider.None()
	}

	next := make([]*crawler.Request, 0, len(links))
	for _, u := range links {
		if r := s.follow(u, depth+1); r != nil {
			next = append(next, r)
		}
	}
	s.logger.Debug("page parsed",
		zap.String("url", req.URL),
		zap.Int("depth", depth),
		zap.Int("links", len(links)),
		zap.Int("following", len(next)),
	)
	return spider.Of(next...)
}

func (s *Spider) extractLinks(base *url.URL, body []byte) ([]*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	seen := make(map[string]struct{})
	links := make([]*url.URL, 0)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		if !isHTTP(u) || !s.allowedHost(u.Hostname()) {
			s.skipped.Add(1)
			return true
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < s.cfg.MaxLinksPerPage
	})
	return links, nil
}

// follow marks u visited and returns its request, or nil when u was already
// visited.
func (s *Spider) follow(u *url.URL, depth int) *crawler.Request {
	key := canonical(u)
	s.mu.Lock()
	_, seen := s.visited[key]
	if !seen {
		s.visited[key] = struct{}{}
	}
	s.mu.Unlock()
	if seen {
		return nil
	}
	req := crawler.NewRequest(s.Name(), key).WithCallback(pageCallback)
	req.Meta[crawler.MetaDepth] = depth
	return req
}

func (s *Spider) allowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, d := range s.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// canonical lowercases scheme and host, drops default ports and the
// fragment, and sorts the query so equivalent URLs share a visited key.
func canonical(u *url.URL) string {
	cp := *u
	cp.Scheme = strings.ToLower(cp.Scheme)
	cp.Host = strings.ToLower(cp.Host)
	switch {
	case cp.Scheme == "http" && strings.HasSuffix(cp.Host, ":80"):
		cp.Host = strings.TrimSuffix(cp.Host, ":80")
	case cp.Scheme == "https" && strings.HasSuffix(cp.Host, ":443"):
		cp.Host = strings.TrimSuffix(cp.Host, ":443")
	}
	cp.Fragment = ""
	cp.RawFragment = ""
	if cp.RawQuery != "" {
		cp.RawQuery = cp.Query().Encode()
	}
	return cp.String()
}

func isHTTP(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isHTML(resp *crawler.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "html")
}
