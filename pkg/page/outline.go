package page

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Outline renders a compact structural view of an HTML response for
// diagnostics: scripts, styles and frames are dropped, only attributes
// useful for recognising the page are kept, and hidden input values are
// never copied.
func Outline(rawHTML string, maxLength int) string {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	o := &outliner{max: maxLength}
	o.node(root, 0)
	out := strings.TrimSpace(o.b.String())
	if o.truncated {
		out += " ..."
	}
	return out
}

// TruncateUTF8 cuts s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

type outliner struct {
	b         strings.Builder
	max       int
	truncated bool
}

func (o *outliner) full() bool {
	if o.max > 0 && o.b.Len() >= o.max {
		o.truncated = true
		return true
	}
	return false
}

func (o *outliner) node(n *html.Node, depth int) {
	if o.full() {
		return
	}

	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		o.text(n.Data)
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if outlineSkipped[tag] {
			return
		}
		if outlineTransparent[tag] {
			break
		}
		o.element(n, tag, depth)
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		o.node(c, depth)
	}
}

func (o *outliner) text(s string) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return
	}
	if o.max > 0 && o.b.Len()+len(s) > o.max {
		s = TruncateUTF8(s, o.max-o.b.Len())
		o.truncated = true
	}
	o.b.WriteString(s)
}

func (o *outliner) element(n *html.Node, tag string, depth int) {
	block := outlineBlocks[tag]
	if block && depth > 0 {
		o.b.WriteString("\n")
		o.b.WriteString(strings.Repeat("  ", depth))
	}

	o.b.WriteString("<" + tag)
	hidden := tag == "input" && strings.EqualFold(attrOr(n, "type", ""), "hidden")
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if !keepAttribute(tag, key) || (hidden && key == "value") {
			continue
		}
		fmt.Fprintf(&o.b, ` %s="%s"`, key, html.EscapeString(a.Val))
	}
	o.b.WriteString(">")

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		o.node(c, depth+1)
	}

	if outlineVoid[tag] {
		return
	}
	if block && hasBlockChild(n) {
		o.b.WriteString("\n")
		o.b.WriteString(strings.Repeat("  ", depth))
	}
	o.b.WriteString("</" + tag + ">")
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && outlineBlocks[strings.ToLower(c.Data)] {
			return true
		}
	}
	return false
}

var outlineSkipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"embed": true, "object": true, "svg": true, "meta": true, "link": true,
}

var outlineTransparent = map[string]bool{
	"html": true, "head": true, "body": true, "thead": true, "tbody": true,
}

var outlineBlocks = map[string]bool{
	"div": true, "p": true, "section": true, "main": true, "nav": true,
	"h1": true, "h2": true, "h3": true, "h4": true,
	"ul": true, "ol": true, "li": true,
	"table": true, "tr": true, "form": true, "title": true,
}

var outlineVoid = map[string]bool{
	"br": true, "hr": true, "img": true, "input": true,
}

func keepAttribute(tag, key string) bool {
	switch key {
	case "id", "class", "role":
		return true
	}
	switch tag {
	case "form":
		return key == "action" || key == "method"
	case "input":
		return key == "name" || key == "type" || key == "value"
	case "button":
		return key == "name" || key == "type" || key == "value"
	case "a":
		return key == "href"
	}
	return false
}
