package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/entrhq/queuepause/pkg/page"
)

// Page is the outcome of an authenticated GET of the Queues page.
type Page struct {
	URL    *url.URL
	Status int
	Header http.Header
	Doc    *page.Document

	// Login is set when the session is gone: a redirect to a sign-in path or
	// off-origin (SSO), a 401, or a rendered sign-in page.
	Login bool
}

// Fetch re-reads the Queues page with the session cookies, following
// same-origin redirects itself.
func (c *Client) Fetch(ctx context.Context) (*Page, error) {
	u := c.Target()

	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u.Path, err)
		}

		if isRedirect(resp.StatusCode) {
			resp.Body.Close()
			next, login, err := c.followRedirect(u, resp.Header.Get("Location"))
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", u.Path, err)
			}
			if login {
				return &Page{URL: next, Status: resp.StatusCode, Header: resp.Header, Login: true}, nil
			}
			if hop >= maxFetchRedirects {
				return nil, fmt.Errorf("fetch %s: too many redirects", c.target.Path)
			}
			u = next
			continue
		}

		body, truncated, err := ReadBody(resp.Body, c.maxBody)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u.Path, err)
		}
		if truncated {
			return nil, fmt.Errorf("fetch %s: %w (%d bytes)", u.Path, ErrBodyTooLarge, c.maxBody)
		}

		p := &Page{URL: u, Status: resp.StatusCode, Header: resp.Header}
		if resp.StatusCode == http.StatusUnauthorized {
			p.Login = true
			return p, nil
		}

		doc, err := page.Parse(body, u)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u.Path, err)
		}
		p.Doc = doc

		if page.LooksLikeLoginPage(doc) {
			p.Login = true
			return p, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return p, fmt.Errorf("fetch %s: unexpected status %d", u.Path, resp.StatusCode)
		}
		return p, nil
	}
}

// followRedirect resolves a Location header. It reports login when the
// redirect leaves the origin or lands on a sign-in path.
func (c *Client) followRedirect(from *url.URL, location string) (*url.URL, bool, error) {
	if location == "" {
		return nil, false, fmt.Errorf("redirect without Location header")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, false, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := from.ResolveReference(ref)
	if !page.SameOrigin(c.target, next) || page.IsLoginPath(next.Path) {
		return next, true, nil
	}
	return next, false, nil
}

// IsRedirect reports whether status is a 3xx redirect that carries a
// Location.
func IsRedirect(status int) bool {
	return isRedirect(status)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
