package page

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// DefaultTableClass is the class token Sidekiq puts on the queue listing table.
const DefaultTableClass = "queues"

// Document is a parsed HTML page together with the URL it was loaded from.
type Document struct {
	root *html.Node
	base *url.URL
}

// Parse parses raw HTML. base is used to resolve relative form actions and
// must be absolute.
func Parse(rawHTML string, base *url.URL) (*Document, error) {
	return ParseReader(strings.NewReader(rawHTML), base)
}

// ParseReader parses HTML from r.
func ParseReader(r io.Reader, base *url.URL) (*Document, error) {
	if base == nil || !base.IsAbs() {
		return nil, fmt.Errorf("base URL must be absolute")
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{root: root, base: base}, nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Base returns the URL the document was loaded from.
func (d *Document) Base() *url.URL {
	return d.base
}

// Resolve resolves ref against the document URL.
func (d *Document) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", ref, err)
	}
	return d.base.ResolveReference(u), nil
}

// SameOrigin reports whether u shares scheme and host with the document.
func (d *Document) SameOrigin(u *url.URL) bool {
	return SameOrigin(d.base, u)
}

// Title returns the trimmed text of the first <title> element.
func (d *Document) Title() string {
	n := findFirst(d.root, func(n *html.Node) bool { return isElement(n, "title") })
	if n == nil {
		return ""
	}
	return strings.TrimSpace(textContent(n))
}

// QueueTable returns the first <table> carrying class, or nil.
func (d *Document) QueueTable(class string) *html.Node {
	if class == "" {
		class = DefaultTableClass
	}
	return findFirst(d.root, func(n *html.Node) bool {
		return isElement(n, "table") && hasClass(n, class)
	})
}

// HasQueueTable reports whether the default queue table is present.
func (d *Document) HasQueueTable() bool {
	return d.QueueTable(DefaultTableClass) != nil
}

// SameOrigin reports whether a and b share scheme and host.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// Origin returns scheme://host of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && strings.EqualFold(n.Data, tag)
}

// Attr returns the value of the named attribute.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attrOr(n *html.Node, key, fallback string) string {
	if v, ok := Attr(n, key); ok {
		return v
	}
	return fallback
}

func hasClass(n *html.Node, class string) bool {
	v, ok := Attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if match(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) bool {
		if match(c) {
			out = append(out, c)
		}
		return true
	})
	return out
}

// TextContent returns the concatenated text below n, whitespace-collapsed.
func TextContent(n *html.Node) string {
	return strings.Join(strings.Fields(textContent(n)), " ")
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}
