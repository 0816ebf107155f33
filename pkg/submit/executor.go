package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/queuepause/pkg/client"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
)

var (
	// ErrCrossOrigin is a submission aimed off the page origin.
	ErrCrossOrigin = client.ErrCrossOrigin

	// ErrDeleteControl is a submission that would carry a delete-named field.
	ErrDeleteControl = errors.New("refusing delete control")

	// ErrFormNotFound means native replay found no live form for the queue.
	ErrFormNotFound = errors.New("live form not found")
)

// snippetLimit bounds BodySnippet.
const snippetLimit = 512

// Outcome is the classified result of one submission.
type Outcome struct {
	OK            bool
	Status        int
	Forbidden     bool
	LoginPage     bool
	ForbiddenKind page.ForbiddenKind
	BodySnippet   string
	Mode          Mode

	// Document is the re-rendered Queues page when the response carried
	// one. It is fresher than anything the caller holds.
	Document *page.Document
}

// String summarises the outcome for logs.
func (o Outcome) String() string {
	switch {
	case o.OK:
		return fmt.Sprintf("ok (%s, status %d)", o.Mode, o.Status)
	case o.LoginPage:
		return fmt.Sprintf("login page (%s, status %d)", o.Mode, o.Status)
	case o.Forbidden:
		return fmt.Sprintf("forbidden %s (%s, status %d)", o.ForbiddenKind, o.Mode, o.Status)
	default:
		return fmt.Sprintf("failed (%s, status %d)", o.Mode, o.Status)
	}
}

// Executor submits one candidate.
type Executor interface {
	Submit(ctx context.Context, c queue.Candidate, headerToken string) (Outcome, error)
}

// Dispatcher routes each candidate to the executor configured for its
// action.
type Dispatcher struct {
	fallback Executor
	routes   map[queue.Action]Executor
}

// NewDispatcher creates a dispatcher that uses def unless a route matches.
func NewDispatcher(def Executor) *Dispatcher {
	return &Dispatcher{
		fallback: def,
		routes:   make(map[queue.Action]Executor),
	}
}

// Route sends action to ex.
func (d *Dispatcher) Route(action queue.Action, ex Executor) *Dispatcher {
	d.routes[action] = ex
	return d
}

// Submit implements Executor.
func (d *Dispatcher) Submit(ctx context.Context, c queue.Candidate, headerToken string) (Outcome, error) {
	ex, ok := d.routes[c.Action]
	if !ok {
		ex = d.fallback
	}
	if ex == nil {
		return Outcome{}, fmt.Errorf("no executor for action %s", c.Action)
	}
	return ex.Submit(ctx, c, headerToken)
}

func snippet(body string, isHTML bool) string {
	if isHTML {
		return page.Outline(body, snippetLimit)
	}
	body = strings.TrimSpace(body)
	return page.TruncateUTF8(body, snippetLimit)
}
