package page

import (
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Header token provenance tags.
const (
	SourceMeta         = "meta"
	SourceScriptParam  = "script-inline-param"
	SourceDataAttr     = "data-attribute"
	SourceScriptGlobal = "script-inline-global"
	SourceHeader       = "header-x-csrf-token"
	SourceMissing      = "missing"
)

// DefaultScriptScanLimit bounds how much inline script text is scanned.
const DefaultScriptScanLimit = 200000

// DefaultGlobalTokenPattern matches common global token assignments in inline
// scripts. The first capture group is the token.
const DefaultGlobalTokenPattern = `(?:csrfToken|csrf_token|CSRF_TOKEN|authenticityToken|_csrf)["']?\s*[:=]\s*["']([A-Za-z0-9_\-+/=]{20,200})["']`

var tokenShape = regexp.MustCompile(`^[A-Za-z0-9_\-+/=]{20,200}$`)

// ValidTokenShape reports whether v looks like an anti-forgery token.
func ValidTokenShape(v string) bool {
	return tokenShape.MatchString(v)
}

// HeaderToken is the page-global token sent in the X-CSRF-Token header.
type HeaderToken struct {
	Token  string
	Source string
}

// Found reports whether a token was resolved.
func (h HeaderToken) Found() bool {
	return h.Token != ""
}

// ScanConfig tunes the inline-script and attribute probes. The values are
// heuristics tied to third-party markup and may change.
type ScanConfig struct {
	ScriptScanLimit int
	GlobalPatterns  []*regexp.Regexp
	DataAttributes  []string
}

// DefaultScanConfig returns the stock scan settings.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScriptScanLimit: DefaultScriptScanLimit,
		GlobalPatterns:  []*regexp.Regexp{regexp.MustCompile(DefaultGlobalTokenPattern)},
		DataAttributes:  []string{"data-csrf-token", "data-csrf", "data-authenticity-token"},
	}
}

// TokenProbe looks for a header token in one kind of location.
type TokenProbe struct {
	Source string
	Find   func(doc *Document, header http.Header, scan ScanConfig) string
}

// DefaultTokenProbes returns the probe chain in search order.
func DefaultTokenProbes() []TokenProbe {
	return []TokenProbe{
		{Source: SourceMeta, Find: probeMeta},
		{Source: SourceScriptParam, Find: probeScriptParam},
		{Source: SourceDataAttr, Find: probeDataAttributes},
		{Source: SourceScriptGlobal, Find: probeScriptGlobals},
		{Source: SourceHeader, Find: probeResponseHeader},
	}
}

// TokenResolver resolves the header token by running its probes in order.
type TokenResolver struct {
	Probes []TokenProbe
	Scan   ScanConfig
}

// NewTokenResolver returns a resolver with the default probe chain.
func NewTokenResolver(scan ScanConfig) *TokenResolver {
	return &TokenResolver{Probes: DefaultTokenProbes(), Scan: scan}
}

// Resolve returns the first probe hit that passes the token-shape filter.
// Per-form hidden fields are never consulted: they are masked per form and
// do not validate as header tokens.
func (r *TokenResolver) Resolve(doc *Document, header http.Header) HeaderToken {
	for _, p := range r.Probes {
		v := strings.TrimSpace(p.Find(doc, header, r.Scan))
		if v != "" && ValidTokenShape(v) {
			return HeaderToken{Token: v, Source: p.Source}
		}
	}
	return HeaderToken{Source: SourceMissing}
}

// ResolveHeaderToken runs the default probe chain.
func ResolveHeaderToken(doc *Document, header http.Header) HeaderToken {
	return NewTokenResolver(DefaultScanConfig()).Resolve(doc, header)
}

func metaContent(doc *Document, name string) string {
	if doc == nil {
		return ""
	}
	n := findFirst(doc.Root(), func(n *html.Node) bool {
		if !isElement(n, "meta") {
			return false
		}
		v, _ := Attr(n, "name")
		return strings.EqualFold(v, name)
	})
	if n == nil {
		return ""
	}
	return attrOr(n, "content", "")
}

func probeMeta(doc *Document, _ http.Header, _ ScanConfig) string {
	return metaContent(doc, "csrf-token")
}

func probeScriptParam(doc *Document, _ http.Header, scan ScanConfig) string {
	param := strings.TrimSpace(metaContent(doc, "csrf-param"))
	if param == "" {
		return ""
	}
	re, err := regexp.Compile(`["']?` + regexp.QuoteMeta(param) + `["']?\s*[:=]\s*["']([^"']+)["']`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(inlineScripts(doc, scan.ScriptScanLimit)); m != nil {
		return m[1]
	}
	return ""
}

func probeDataAttributes(doc *Document, _ http.Header, scan ScanConfig) string {
	if doc == nil {
		return ""
	}
	var found string
	walk(doc.Root(), func(n *html.Node) bool {
		if found != "" {
			return false
		}
		if n.Type != html.ElementNode {
			return true
		}
		switch strings.ToLower(n.Data) {
		case "a", "button", "form", "body", "html":
			for _, attr := range scan.DataAttributes {
				if v, ok := Attr(n, attr); ok && ValidTokenShape(strings.TrimSpace(v)) {
					found = v
					return false
				}
			}
		}
		return true
	})
	return found
}

func probeScriptGlobals(doc *Document, _ http.Header, scan ScanConfig) string {
	text := inlineScripts(doc, scan.ScriptScanLimit)
	for _, re := range scan.GlobalPatterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func probeResponseHeader(_ *Document, header http.Header, _ ScanConfig) string {
	if header == nil {
		return ""
	}
	return header.Get("X-CSRF-Token")
}

// inlineScripts concatenates the bodies of <script> elements without a src
// attribute, stopping at limit characters.
func inlineScripts(doc *Document, limit int) string {
	if doc == nil {
		return ""
	}
	if limit <= 0 {
		limit = DefaultScriptScanLimit
	}
	var b strings.Builder
	walk(doc.Root(), func(n *html.Node) bool {
		if b.Len() >= limit {
			return false
		}
		if !isElement(n, "script") {
			return true
		}
		if _, ok := Attr(n, "src"); ok {
			return false
		}
		b.WriteString(textContent(n))
		b.WriteByte('\n')
		return false
	})
	s := b.String()
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
