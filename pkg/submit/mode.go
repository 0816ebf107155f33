// Package submit performs one state-changing request for one queue and
// classifies what the host made of it. It never retries.
package submit

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/entrhq/queuepause/pkg/queue"
)

// Mode is how a submission reaches the host.
type Mode string

const (
	// ModeNative replays the live page's own form through the browser.
	ModeNative Mode = "native"
	// ModeForm sends the form fields as a plain browser form post would.
	ModeForm Mode = "form"
	// ModeXHR sends the form fields the way the page's scripts would.
	ModeXHR Mode = "xhr"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNative, ModeForm, ModeXHR:
		return m, nil
	default:
		return "", fmt.Errorf("unknown delivery mode %q (must be native, form or xhr)", s)
	}
}

// Direct reports whether the mode builds requests by hand.
func (m Mode) Direct() bool {
	return m == ModeForm || m == ModeXHR
}

// BuildHeaders returns the request headers for a direct submission. The
// header token is attached whenever one is known.
func BuildHeaders(mode Mode, headerToken, origin, referer string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if origin != "" {
		h.Set("Origin", origin)
	}
	if referer != "" {
		h.Set("Referer", referer)
	}

	switch mode {
	case ModeXHR:
		h.Set("Accept", "text/html, */*; q=0.01")
		h.Set("X-Requested-With", "XMLHttpRequest")
	default:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	if headerToken != "" {
		h.Set("X-CSRF-Token", headerToken)
	}
	return h
}

// BuildBody returns the URL-encoded body for cand: its own token field and
// the exact control pair, nothing else.
func BuildBody(c queue.Candidate) (url.Values, error) {
	if !c.Safe() {
		return nil, fmt.Errorf("%w: %q", ErrDeleteControl, c.ControlName)
	}
	if c.TokenField == "" || c.BodyToken == "" {
		return nil, fmt.Errorf("queue %s: missing body token", c.QueueName)
	}

	v := url.Values{}
	v.Set(c.TokenField, c.BodyToken)
	v.Set(c.ControlName, c.ControlValue)

	for field := range v {
		if queue.IsDeleteName(field) {
			return nil, fmt.Errorf("%w: field %q", ErrDeleteControl, field)
		}
	}
	return v, nil
}
