package diagnostics

import (
	"fmt"
	"regexp"
)

// tokenPrefixLen is how much of a secret survives redaction.
const tokenPrefixLen = 6

// RedactToken reduces a secret to a short prefix plus its length, enough to
// tell two tokens apart in a log without making either usable.
func RedactToken(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= tokenPrefixLen {
		return fmt.Sprintf("[redacted len=%d]", len(v))
	}
	return fmt.Sprintf("%s…[len=%d]", v[:tokenPrefixLen], len(v))
}

type secretPattern struct {
	re *regexp.Regexp
	// group holds the index of the capture group containing the secret
	group int
}

var secretPatterns = []secretPattern{
	// authenticity_token=... in URL-encoded bodies and query strings
	{regexp.MustCompile(`(?i)((?:authenticity_token|csrf_token|_csrf)=)([^&\s"']+)`), 2},
	// <meta name="csrf-token" content="...">
	{regexp.MustCompile(`(?i)(name=["']csrf-token["'][^>]*content=["'])([^"']+)`), 2},
	// <input ... name="authenticity_token" value="...">
	{regexp.MustCompile(`(?i)(name=["']authenticity_token["'][^>]*value=["'])([^"']+)`), 2},
	// X-CSRF-Token: ...
	{regexp.MustCompile(`(?i)(x-csrf-token["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-+/=]+)`), 2},
	// session cookies
	{regexp.MustCompile(`(?i)((?:_session|session_id|sessionid|_[a-z0-9]+_session|rack\.session)=)([^;\s"']+)`), 2},
	// generic token assignments in inline scripts
	{regexp.MustCompile(`(?i)((?:csrfToken|authenticityToken)["']?\s*[:=]\s*["'])([^"']+)`), 2},
}

// Redact replaces every known secret-bearing substring in s with its
// RedactToken form.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllStringFunc(s, func(match string) string {
			sub := p.re.FindStringSubmatch(match)
			if len(sub) <= p.group {
				return match
			}
			prefix := ""
			for i := 1; i < p.group; i++ {
				prefix += sub[i]
			}
			return prefix + RedactToken(sub[p.group])
		})
	}
	return s
}

// redactRecord returns a copy of rec with message and fields redacted.
// Fields named like secrets are reduced with RedactToken outright.
func redactRecord(rec Record) Record {
	rec.Message = Redact(rec.Message)
	if rec.Fields == nil {
		return rec
	}
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		if secretField.MatchString(k) {
			fields[k] = RedactToken(v)
			continue
		}
		fields[k] = Redact(v)
	}
	rec.Fields = fields
	return rec
}

var secretField = regexp.MustCompile(`(?i)(token|secret|cookie|session|password)$`)
