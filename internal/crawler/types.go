// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Meta keys understood by the engine.
const (
	MetaSpider   = "spider"
	MetaCallback = "callback"
	MetaDepth    = "depth"
)

// ErrInvalidRequest is returned when a Request cannot be dispatched.
var ErrInvalidRequest = errors.New("invalid request")

// Meta is the open metadata mapping carried from a Request to its Response.
type Meta map[string]any

// String returns the string stored under key, or "" when absent or not a string.
func (m Meta) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Int returns the integer stored under key, or 0.
func (m Meta) Int(key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Spider returns the owning spider name.
func (m Meta) Spider() string {
	return m.String(MetaSpider)
}

// Callback returns the named response handler, if any.
func (m Meta) Callback() string {
	return m.String(MetaCallback)
}

// Clone returns a shallow copy of the mapping. A nil Meta clones to an empty one.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Request describes one fetch. It must not be mutated once enqueued.
type Request struct {
	ID      string
	Method  string
	URL     string
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
	Meta    Meta
}

// NewRequest builds a GET request owned by spider.
func NewRequest(spider, rawURL string) *Request {
	return &Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Meta:   Meta{MetaSpider: spider},
	}
}

// WithCallback returns a copy of r routed to the named response handler.
func (r *Request) WithCallback(name string) *Request {
	cp := *r
	cp.Meta = r.Meta.Clone()
	cp.Meta[MetaCallback] = name
	return &cp
}

// Spider is shorthand for r.Meta.Spider().
func (r *Request) Spider() string {
	if r == nil {
		return ""
	}
	return r.Meta.Spider()
}

// HTTPMethod returns the method, defaulting to GET.
func (r *Request) HTTPMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Validate checks the request can be handed to a transport.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	switch r.HTTPMethod() {
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, r.Method)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: url required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrInvalidRequest, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidRequest, r.URL)
	}
	return nil
}

// Response is the result returned by a Transport implementation.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Encoding   string
	Header     http.Header
	Cookies    []*http.Cookie
	History    []string
	Meta       Meta
	Request    *Request
	Duration   time.Duration
}

// Outcome pairs a Request with either its Response or the transport error.
type Outcome struct {
	Response *Response
	Err      error
	Request  *Request
}

// Failed reports whether the fetch ended in a transport error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Spider returns the name of the spider the outcome is routed to.
func (o Outcome) Spider() string {
	return o.Request.Spider()
}
