package page

import (
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ForbiddenKind is a best-effort guess at why a request was rejected.
type ForbiddenKind string

const (
	ForbiddenUnknown ForbiddenKind = "UNKNOWN"
	ForbiddenLogin   ForbiddenKind = "LOGIN"
	ForbiddenCSRF    ForbiddenKind = "CSRF"
	ForbiddenRBAC    ForbiddenKind = "RBAC"
)

var (
	loginPathPattern  = regexp.MustCompile(`(?i)/(sign[_-]?in|log[_-]?in|auth/[^/?#]+|sso)(?:[/?#.]|$)`)
	queuePathPattern  = regexp.MustCompile(DefaultActionPattern)
	loginTitlePattern = regexp.MustCompile(`(?i)\b(sign[ -]?in|log[ -]?in)\b`)
	passwordMarker    = regexp.MustCompile(`(?i)<input[^>]+type\s*=\s*["']?password`)

	csrfWords = []string{"authenticity token", "authenticity_token", "csrf", "forgery", "invalid token", "token is invalid", "token expired"}
	rbacWords = []string{"permission", "not authorized", "not allowed", "access denied", "policy", "insufficient", "role"}
)

// IsLoginPath reports whether a URL or path looks like a sign-in endpoint.
// Queue action paths never count, whatever the queue is called.
func IsLoginPath(path string) bool {
	if queuePathPattern.MatchString(strings.SplitN(path, "?", 2)[0]) {
		return false
	}
	return loginPathPattern.MatchString(path)
}

// LooksLikeLoginPage reports whether doc renders a sign-in page: a password
// input, a form posting to a sign-in path, or a sign-in title.
func LooksLikeLoginPage(doc *Document) bool {
	if doc == nil {
		return false
	}

	login := false
	walk(doc.Root(), func(n *html.Node) bool {
		if login {
			return false
		}
		if n.Type != html.ElementNode {
			return true
		}
		switch strings.ToLower(n.Data) {
		case "input":
			if strings.EqualFold(strings.TrimSpace(attrOr(n, "type", "")), "password") {
				login = true
			}
		case "form":
			if IsLoginPath(attrOr(n, "action", "")) {
				login = true
			}
		}
		return true
	})
	if login {
		return true
	}
	return loginTitlePattern.MatchString(doc.Title())
}

// LooksLikeLoginHTML is LooksLikeLoginPage for unparsed text. It falls back to
// plain pattern matching when the text does not parse.
func LooksLikeLoginHTML(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	root, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return passwordMarker.MatchString(text)
	}
	return LooksLikeLoginPage(&Document{root: root})
}

// ClassifyForbidden guesses the cause of a forbidden response. The result is
// advisory and must not drive retry decisions.
func ClassifyForbidden(body string, header http.Header) ForbiddenKind {
	if LooksLikeLoginHTML(body) {
		return ForbiddenLogin
	}
	if header != nil && IsLoginPath(header.Get("Location")) {
		return ForbiddenLogin
	}

	lower := strings.ToLower(visibleText(body))
	for _, w := range csrfWords {
		if strings.Contains(lower, w) {
			return ForbiddenCSRF
		}
	}
	for _, w := range rbacWords {
		if strings.Contains(lower, w) {
			return ForbiddenRBAC
		}
	}
	return ForbiddenUnknown
}

// visibleText strips markup so attribute values (aria roles, class names) do
// not match the keyword lists.
func visibleText(body string) string {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}
	var b strings.Builder
	walk(root, func(n *html.Node) bool {
		if isElement(n, "script") || isElement(n, "style") {
			return false
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return b.String()
}
