package page

import (
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const goodToken = "Zm9vYmFyLXRva2VuLXZhbHVlLTEyMzQ1Njc4OTA="

func TestResolveHeaderToken_Sources(t *testing.T) {
	tests := []struct {
		name       string
		html       string
		header     http.Header
		wantToken  string
		wantSource string
	}{
		{
			name:       "meta tag",
			html:       `<html><head><meta name="csrf-token" content="` + goodToken + `"></head></html>`,
			wantToken:  goodToken,
			wantSource: SourceMeta,
		},
		{
			name: "csrf-param cross referenced in inline script",
			html: `<html><head><meta name="csrf-param" content="authenticity_token">
				<script>window.config = { authenticity_token: "` + goodToken + `" };</script></head></html>`,
			wantToken:  goodToken,
			wantSource: SourceScriptParam,
		},
		{
			name:       "data attribute on a button",
			html:       `<html><body><button data-csrf-token="` + goodToken + `">x</button></body></html>`,
			wantToken:  goodToken,
			wantSource: SourceDataAttr,
		},
		{
			name:       "generic inline global",
			html:       `<html><body><script>var csrfToken = '` + goodToken + `';</script></body></html>`,
			wantToken:  goodToken,
			wantSource: SourceScriptGlobal,
		},
		{
			name:       "response header fallback",
			html:       `<html><body></body></html>`,
			header:     http.Header{"X-Csrf-Token": []string{goodToken}},
			wantToken:  goodToken,
			wantSource: SourceHeader,
		},
		{
			name:       "nothing found",
			html:       `<html><body></body></html>`,
			wantSource: SourceMissing,
		},
		{
			name:       "meta with bad shape falls through to header",
			html:       `<html><head><meta name="csrf-token" content="short"></head></html>`,
			header:     http.Header{"X-Csrf-Token": []string{goodToken}},
			wantToken:  goodToken,
			wantSource: SourceHeader,
		},
		{
			name: "per-form hidden field is never used",
			html: `<html><body><form action="/sidekiq/queues/a" method="post">
				<input type="hidden" name="authenticity_token" value="` + goodToken + `"></form></body></html>`,
			wantSource: SourceMissing,
		},
		{
			name: "script with src is skipped",
			html: `<html><body><script src="/app.js">var csrfToken = '` + goodToken + `';</script></body></html>`,
			wantSource: SourceMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mustParse(t, tt.html)
			got := ResolveHeaderToken(doc, tt.header)
			assert.Equal(t, tt.wantToken, got.Token)
			assert.Equal(t, tt.wantSource, got.Source)
			assert.Equal(t, tt.wantToken != "", got.Found())
		})
	}
}

func TestResolveHeaderToken_MetaWinsOverOthers(t *testing.T) {
	other := strings.Repeat("b", 32)
	doc := mustParse(t, `<html><head>
		<meta name="csrf-token" content="`+goodToken+`">
		<script>var csrfToken = '`+other+`';</script></head></html>`)

	got := ResolveHeaderToken(doc, http.Header{"X-Csrf-Token": []string{other}})
	assert.Equal(t, goodToken, got.Token)
	assert.Equal(t, SourceMeta, got.Source)
}

func TestResolveHeaderToken_ScanLimit(t *testing.T) {
	padding := strings.Repeat("x", 500)
	doc := mustParse(t, `<html><body><script>/*`+padding+`*/ var csrfToken = '`+goodToken+`';</script></body></html>`)

	scan := DefaultScanConfig()
	scan.ScriptScanLimit = 100
	assert.False(t, NewTokenResolver(scan).Resolve(doc, nil).Found())

	scan.ScriptScanLimit = 10000
	assert.Equal(t, goodToken, NewTokenResolver(scan).Resolve(doc, nil).Token)
}

func TestResolveHeaderToken_CustomPattern(t *testing.T) {
	doc := mustParse(t, `<html><body><script>App.antiForgery("`+goodToken+`")</script></body></html>`)

	scan := DefaultScanConfig()
	scan.GlobalPatterns = append(scan.GlobalPatterns, regexp.MustCompile(`antiForgery\("([^"]+)"\)`))

	got := NewTokenResolver(scan).Resolve(doc, nil)
	assert.Equal(t, goodToken, got.Token)
	assert.Equal(t, SourceScriptGlobal, got.Source)
}

func TestValidTokenShape(t *testing.T) {
	assert.True(t, ValidTokenShape(goodToken))
	assert.True(t, ValidTokenShape(strings.Repeat("a", 20)))
	assert.True(t, ValidTokenShape(strings.Repeat("a", 200)))
	assert.False(t, ValidTokenShape(strings.Repeat("a", 19)))
	assert.False(t, ValidTokenShape(strings.Repeat("a", 201)))
	assert.False(t, ValidTokenShape("contains spaces and is long enough"))
	assert.False(t, ValidTokenShape(`"><script>alert(1)</script>`))
}
