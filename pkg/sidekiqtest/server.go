// Package sidekiqtest provides an in-process fake of a Sidekiq Enterprise
// Queues page for tests, in the spirit of net/http/httptest.
//
// The fake renders a queue table with one form per queue, checks per-form
// and header anti-forgery tokens, and can be told to delay state changes,
// reject submissions, expire tokens or drop the session.
package sidekiqtest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/entrhq/queuepause/pkg/queue"
)

// QueuesPath is where the fake serves the Queues page.
const QueuesPath = "/sidekiq/queues"

// LoginPath is where a logged-out session is sent.
const LoginPath = "/sign_in"

// PostResponse selects how accepted submissions are answered.
type PostResponse int

const (
	// RespondRedirect answers with 302 back to the Queues page, like Sidekiq.
	RespondRedirect PostResponse = iota
	// RespondRender answers 200 with the re-rendered Queues page.
	RespondRender
	// RespondBlank answers 204 with no body.
	RespondBlank
)

type queueState struct {
	name     string
	paused   bool
	required int // accepted posts needed before state flips
	accepted int
	forbid   int // remaining forced rejections; -1 forever
	posts    int
}

// Server is a fake Sidekiq host.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	queues         []*queueState
	epoch          int
	requireHeader  bool
	hideMeta       bool
	loggedOut      bool
	postResponse   PostResponse
	gets           int
	posts          int
	deleteAttempts int
	lastHeaders    http.Header
	lastForm       url.Values
}

// NewServer starts a fake host with the named queues, all running.
func NewServer(names ...string) *Server {
	s := &Server{}
	for _, n := range names {
		s.queues = append(s.queues, &queueState{name: n, required: 1})
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// PageURL returns the absolute Queues page URL.
func (s *Server) PageURL() string {
	return s.URL + QueuesPath
}

func (s *Server) find(name string) *queueState {
	for _, q := range s.queues {
		if q.name == name {
			return q
		}
	}
	return nil
}

func (s *Server) mustFind(name string) *queueState {
	q := s.find(name)
	if q == nil {
		panic(fmt.Sprintf("sidekiqtest: unknown queue %q", name))
	}
	return q
}

// SetPaused sets a queue's state directly.
func (s *Server) SetPaused(name string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustFind(name).paused = paused
}

// Paused reports a queue's current state.
func (s *Server) Paused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mustFind(name).paused
}

// RequireAttempts makes a queue accept n submissions before its state
// actually changes. Earlier ones are acknowledged but have no effect.
func (s *Server) RequireAttempts(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.mustFind(name).required = n
}

// Forbid rejects the next n submissions for a queue with 403 and an
// invalid-token page. n < 0 rejects forever with a permission page.
func (s *Server) Forbid(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustFind(name).forbid = n
}

// ExpireTokens rotates every token. Pages rendered before the call carry
// tokens that are now rejected.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// RequireHeaderToken makes submissions without a valid X-CSRF-Token fail.
func (s *Server) RequireHeaderToken(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireHeader = on
}

// HideMetaToken stops rendering the csrf-token meta tag.
func (s *Server) HideMetaToken(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideMeta = on
}

// LogOut makes every request redirect to the sign-in page.
func (s *Server) LogOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
}

// SetPostResponse selects how accepted submissions are answered.
func (s *Server) SetPostResponse(r PostResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postResponse = r
}

// Gets returns how many times the Queues page was fetched.
func (s *Server) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Posts returns how many submissions were received.
func (s *Server) Posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// QueuePosts returns how many submissions targeted one queue.
func (s *Server) QueuePosts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mustFind(name).posts
}

// DeleteAttempts counts submissions that carried any delete-named field.
func (s *Server) DeleteAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteAttempts
}

// LastHeaders returns the headers of the most recent submission.
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

// LastForm returns the body fields of the most recent submission.
func (s *Server) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := url.Values{}
	for k, v := range s.lastForm {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Unfinished returns the queues not yet in the state action leads to.
func (s *Server) Unfinished(action queue.Action) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, q := range s.queues {
		if q.paused != (action == queue.ActionPause) {
			out = append(out, q.name)
		}
	}
	return out
}

// Snapshot renders the Queues page as the browser would see it, without
// counting a fetch.
func (s *Server) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOut {
		return loginPage
	}
	return s.render()
}

// MetaToken returns the current header token.
func (s *Server) MetaToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaToken()
}

// FormToken returns the current body token of a queue's form.
func (s *Server) FormToken(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formToken(name)
}

func (s *Server) metaToken() string {
	return fmt.Sprintf("MetaTok%03dAbCdEfGhIjKlMnOpQrStUvWxYz", s.epoch)
}

func (s *Server) formToken(name string) string {
	return fmt.Sprintf("FormTok%03d%x", s.epoch, name)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == LoginPath:
		writeHTML(w, http.StatusOK, loginPage)
	case r.Method == http.MethodGet && r.URL.Path == QueuesPath:
		s.handleGet(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, QueuesPath+"/"):
		s.handlePost(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.loggedOut {
		http.Redirect(w, r, LoginPath, http.StatusFound)
		return
	}
	writeHTML(w, http.StatusOK, s.render())
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, QueuesPath+"/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.posts++
	s.lastHeaders = r.Header.Clone()
	s.lastForm = r.PostForm

	for field := range r.PostForm {
		if queue.IsDeleteName(field) {
			s.deleteAttempts++
		}
	}

	if s.loggedOut {
		http.Redirect(w, r, LoginPath, http.StatusFound)
		return
	}

	q := s.find(name)
	if q == nil {
		http.NotFound(w, r)
		return
	}
	q.posts++

	if q.forbid < 0 {
		writeHTML(w, http.StatusForbidden, forbiddenPage("You do not have permission to modify this queue."))
		return
	}
	if q.forbid > 0 {
		q.forbid--
		writeHTML(w, http.StatusForbidden, forbiddenPage("Invalid authenticity token."))
		return
	}
	if r.PostForm.Get("authenticity_token") != s.formToken(name) {
		writeHTML(w, http.StatusForbidden, forbiddenPage("Invalid authenticity token."))
		return
	}
	if s.requireHeader && r.Header.Get("X-CSRF-Token") != s.metaToken() {
		writeHTML(w, http.StatusForbidden, forbiddenPage("Invalid authenticity token."))
		return
	}

	var want bool
	switch {
	case r.PostForm.Has("pause"):
		want = true
	case r.PostForm.Has("unpause"):
		want = false
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	if want != q.paused {
		q.accepted++
		if q.accepted >= q.required {
			q.paused = want
			q.accepted = 0
		}
	}

	switch s.postResponse {
	case RespondRender:
		writeHTML(w, http.StatusOK, s.render())
	case RespondBlank:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Redirect(w, r, QueuesPath, http.StatusFound)
	}
}

func (s *Server) render() string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>Queues - Sidekiq</title>\n")
	b.WriteString(`<meta name="csrf-param" content="authenticity_token">` + "\n")
	if !s.hideMeta {
		fmt.Fprintf(&b, "<meta name=\"csrf-token\" content=\"%s\">\n", s.metaToken())
	}
	b.WriteString("</head><body>\n<h3>Queues</h3>\n")
	b.WriteString(`<table class="queues table table-hover table-bordered table-striped">` + "\n")
	b.WriteString("<thead><tr><th>Queue</th><th>Size</th><th>Actions</th></tr></thead>\n<tbody>\n")
	for _, q := range s.queues {
		esc := html.EscapeString(q.name)
		action := QueuesPath + "/" + url.PathEscape(q.name)
		fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td><td>0</td><td>\n", action, esc)
		fmt.Fprintf(&b, "<form action=\"%s\" method=\"post\">\n", action)
		fmt.Fprintf(&b, "<input type=\"hidden\" name=\"authenticity_token\" value=\"%s\">\n", s.formToken(q.name))
		if q.paused {
			b.WriteString(`<button class="btn btn-secondary btn-xs" type="submit" name="unpause" value="true">Unpause</button>` + "\n")
		} else {
			b.WriteString(`<button class="btn btn-secondary btn-xs" type="submit" name="pause" value="true">Pause</button>` + "\n")
		}
		fmt.Fprintf(&b, "<input class=\"btn btn-danger btn-xs\" type=\"submit\" name=\"delete\" title=\"Delete\" value=\"Delete\" data-confirm=\"Are you sure you want to delete the %s queue?\">\n", esc)
		b.WriteString("</form></td></tr>\n")
	}
	b.WriteString("</tbody></table>\n</body></html>\n")
	return b.String()
}

const loginPage = `<!DOCTYPE html>
<html><head><title>Sign in</title></head><body>
<form action="/sign_in" method="post">
<input type="email" name="user[email]">
<input type="password" name="user[password]">
<button type="submit">Sign in</button>
</form></body></html>
`

func forbiddenPage(msg string) string {
	return "<!DOCTYPE html><html><head><title>Forbidden</title></head><body><h1>Forbidden</h1><p>" +
		html.EscapeString(msg) + "</p></body></html>"
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
