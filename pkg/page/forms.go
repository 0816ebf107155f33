package page

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// DefaultActionPattern matches the path of a per-queue action URL. The first
// capture group is the (escaped) queue name.
const DefaultActionPattern = `/queues/([^/?#]+)/?$`

// DefaultTokenField is the hidden input Rails and Sidekiq use for the
// per-form anti-forgery token.
const DefaultTokenField = "authenticity_token"

// Rules describes how queue forms are recognised on the host page.
type Rules struct {
	// ActionPattern is matched against the resolved form action path.
	ActionPattern *regexp.Regexp

	// TableClass identifies the queue table. Forms are scoped to it when present.
	TableClass string

	// TokenFields are the accepted names of the hidden body-token input.
	TokenFields []string
}

// DefaultRules returns the rules for a stock Sidekiq Enterprise Queues page.
func DefaultRules() Rules {
	return Rules{
		ActionPattern: regexp.MustCompile(DefaultActionPattern),
		TableClass:    DefaultTableClass,
		TokenFields:   []string{DefaultTokenField},
	}
}

// Form is one per-queue form found on the page.
type Form struct {
	Node      *html.Node
	Action    string   // action attribute as rendered
	URL       *url.URL // action resolved against the page URL
	Key       string   // ActionPathKey of URL
	Method    string
	QueueName string
}

// Control is a submit-capable control inside a form.
type Control struct {
	Node    *html.Node
	Name    string
	HasName bool
	Value   string
	Text    string // visible label; the value for <input> controls
}

// LocateQueueForms returns the forms whose action matches rules.ActionPattern,
// in document order. Cross-origin actions are never returned.
func LocateQueueForms(doc *Document, rules Rules) []*Form {
	if rules.ActionPattern == nil {
		rules.ActionPattern = regexp.MustCompile(DefaultActionPattern)
	}

	scope := doc.QueueTable(rules.TableClass)
	if scope == nil {
		scope = doc.Root()
	}

	var forms []*Form
	for _, n := range findAll(scope, func(n *html.Node) bool { return isElement(n, "form") }) {
		action, ok := Attr(n, "action")
		if !ok {
			continue
		}
		u, err := doc.Resolve(action)
		if err != nil || !doc.SameOrigin(u) {
			continue
		}
		m := rules.ActionPattern.FindStringSubmatch(u.Path)
		if m == nil {
			continue
		}
		name := u.Path
		if len(m) > 1 {
			name = m[1]
			if unescaped, err := url.PathUnescape(name); err == nil {
				name = unescaped
			}
		}
		forms = append(forms, &Form{
			Node:      n,
			Action:    action,
			URL:       u,
			Key:       pathKey(u),
			Method:    strings.ToLower(attrOr(n, "method", "get")),
			QueueName: name,
		})
	}
	return forms
}

// ExtractBodyToken returns the form's own hidden token field. It never looks
// outside the form.
func ExtractBodyToken(form *Form, fields []string) (field, value string, ok bool) {
	if len(fields) == 0 {
		fields = []string{DefaultTokenField}
	}
	for _, n := range findAll(form.Node, func(n *html.Node) bool { return isElement(n, "input") }) {
		name, hasName := Attr(n, "name")
		if !hasName {
			continue
		}
		for _, f := range fields {
			if name != f {
				continue
			}
			v := strings.TrimSpace(attrOr(n, "value", ""))
			if v == "" {
				continue
			}
			return name, v, true
		}
	}
	return "", "", false
}

// SubmitControls returns the submit-capable controls in the form in document
// order: <button> with type submit (or no type) and <input type=submit|image>.
func (f *Form) SubmitControls() []Control {
	var out []Control
	walk(f.Node, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch strings.ToLower(n.Data) {
		case "button":
			t := strings.ToLower(strings.TrimSpace(attrOr(n, "type", "submit")))
			if t != "submit" && t != "" {
				return false
			}
			out = append(out, newControl(n, TextContent(n)))
			return false
		case "input":
			t := strings.ToLower(strings.TrimSpace(attrOr(n, "type", "text")))
			if t == "submit" || t == "image" {
				out = append(out, newControl(n, attrOr(n, "value", "")))
			}
		}
		return true
	})
	return out
}

func newControl(n *html.Node, text string) Control {
	name, hasName := Attr(n, "name")
	return Control{
		Node:    n,
		Name:    name,
		HasName: hasName && name != "",
		Value:   attrOr(n, "value", ""),
		Text:    strings.TrimSpace(text),
	}
}

// ActionPathKey resolves action against base and returns its path plus query.
// Two renderings of the same form produce the same key even when one uses a
// relative and the other an absolute action.
func ActionPathKey(base *url.URL, action string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return "", fmt.Errorf("invalid action %q: %w", action, err)
	}
	return pathKey(base.ResolveReference(ref)), nil
}

func pathKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}
