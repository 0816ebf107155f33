// Package client is the same-origin HTTP transport shared by page fetches
// and direct form submissions. It never follows redirects on its own and
// refuses to send anything to a different origin than the Queues page.
package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/page"
	"golang.org/x/net/publicsuffix"
)

// DefaultMaxBodyBytes caps how much of a response body is ever read.
const DefaultMaxBodyBytes int64 = 2 << 20

// maxFetchRedirects bounds same-origin redirect hops on a page fetch.
const maxFetchRedirects = 5

// ErrCrossOrigin is returned for any request whose target is not on the
// Queues page origin.
var ErrCrossOrigin = errors.New("refusing cross-origin request")

// ErrBodyTooLarge is returned when a page is bigger than the read cap. A cut
// page still parses but misses every queue past the cut.
var ErrBodyTooLarge = errors.New("response body exceeds the read limit")

// Client issues authenticated same-origin requests.
type Client struct {
	target    *url.URL
	http      *http.Client
	maxBody   int64
	userAgent string
	log       *diagnostics.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBodyBytes overrides the response body read cap.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithUserAgent sets the User-Agent header, typically to the browser's own.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithTimeout sets an overall per-request timeout. Zero leaves requests
// bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = rt
	}
}

// WithLogger sends request traces to l.
func WithLogger(l *diagnostics.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// New creates a client for the Queues page at target.
func New(target string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target URL %q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing host", target)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c := &Client{
		target:  u,
		maxBody: DefaultMaxBodyBytes,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Target returns the Queues page URL.
func (c *Client) Target() *url.URL {
	u := *c.target
	return &u
}

// Origin returns scheme://host of the Queues page.
func (c *Client) Origin() string {
	return page.Origin(c.target)
}

// MaxBodyBytes returns the body read cap.
func (c *Client) MaxBodyBytes() int64 {
	return c.maxBody
}

// SetCookies stores cookies for the page origin, e.g. those exported from
// the browser session.
// Cookies without a path apply to the whole origin.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		cp := *ck
		if cp.Path == "" {
			cp.Path = "/"
		}
		out = append(out, &cp)
	}
	c.http.Jar.SetCookies(c.target, out)
}

// Cookies returns the cookies that would be sent to the page origin.
func (c *Client) Cookies() []*http.Cookie {
	return c.http.Jar.Cookies(c.target)
}

// SetCookieHeader imports a raw "name=value; name2=value2" cookie string.
func (c *Client) SetCookieHeader(raw string) error {
	cookies, err := ParseCookieHeader(raw)
	if err != nil {
		return err
	}
	c.SetCookies(cookies)
	return nil
}

// ParseCookieHeader splits a Cookie header value into cookies.
func ParseCookieHeader(raw string) ([]*http.Cookie, error) {
	var out []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid cookie %q: expected name=value", part)
		}
		out = append(out, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	if len(out) == 0 {
		return nil, errors.New("no cookies found")
	}
	return out, nil
}

// Do sends req after checking it targets the page origin.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !page.SameOrigin(c.target, req.URL) {
		return nil, fmt.Errorf("%w: %s", ErrCrossOrigin, page.Origin(req.URL))
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debugf("%s %s failed after %s: %v", req.Method, req.URL.Path, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	c.log.Debugf("%s %s -> %d in %s", req.Method, req.URL.Path, resp.StatusCode, time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// ReadBody reads at most limit bytes of r. truncated is set when r held
// more than that.
func ReadBody(r io.Reader, limit int64) (body string, truncated bool, err error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", false, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return string(data[:limit]), true, nil
	}
	return string(data), false, nil
}

// IsHTML reports whether the response declares an HTML body.
func IsHTML(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/html")
}
