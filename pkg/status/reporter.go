// Package status is the operator-facing status channel: short progress
// lines while a run is active and one result line when it ends.
package status

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Reporter receives progress and the final result of a run.
type Reporter interface {
	Progress(msg string)
	Result(msg string)
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Progress(string) {}
func (discard) Result(string)   {}

// PlainReporter writes one line per update. It is used when output is not a
// terminal.
type PlainReporter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	last  string
}

// NewPlainReporter creates a line reporter on w. Styling is applied only when
// color is true.
func NewPlainReporter(w io.Writer, color bool) *PlainReporter {
	return &PlainReporter{w: w, color: color}
}

// Progress writes msg unless it repeats the previous line.
func (r *PlainReporter) Progress(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg == r.last {
		return
	}
	r.last = msg
	if r.color {
		msg = progressStyle.Render(msg)
	}
	fmt.Fprintln(r.w, msg)
}

// Result writes the final line.
func (r *PlainReporter) Result(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.color {
		msg = resultStyle.Render(msg)
	}
	fmt.Fprintln(r.w, msg)
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
