// Package page extracts queue state and anti-forgery tokens from a Sidekiq
// Queues page.
//
// Every function in this package works on a parsed Document and never on a
// live browser DOM, so the same code reads the operator's live page (captured
// from the browser session) and freshly fetched HTML.
//
// # Extraction
//
//   - LocateQueueForms finds the per-queue forms, scoped to the queue table
//   - ExtractBodyToken reads a form's own hidden authenticity field
//   - TokenResolver walks an ordered chain of probes for the page-global
//     header token (meta tag, inline scripts, data attributes, response header)
//
// # Heuristics
//
// LooksLikeLoginPage and ClassifyForbidden are best-effort string matching on
// third-party markup. Callers may branch on login/not-login, but the
// ForbiddenKind returned by ClassifyForbidden is for diagnostics only.
package page
