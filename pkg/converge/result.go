package converge

import (
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/queuepause/pkg/queue"
)

// Abort reasons.
const (
	ReasonCancelled = "cancelled"
)

// QueueError is a per-queue failure within one pass.
type QueueError struct {
	Queue string `json:"queue"`
	Error string `json:"error"`
	Pass  int    `json:"pass"`
}

// Stats are counters kept across the run.
type Stats struct {
	ForbiddenCount    int    `json:"forbidden_count"`
	RetrySuccessCount int    `json:"retry_success_count"`
	TokenRefreshCount int    `json:"token_refresh_count"`
	HeaderTokenSource string `json:"header_token_source"`
}

// Result is the outcome of one bulk run.
type Result struct {
	RunID           string        `json:"run_id"`
	Action          queue.Action  `json:"action"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	TotalProcessed  int           `json:"total_processed"`
	PassesUsed      int           `json:"passes_used"`
	Success         bool          `json:"success"`
	Aborted         bool          `json:"aborted"`
	AbortReason     string        `json:"abort_reason,omitempty"`
	RemainingQueues []string      `json:"remaining_queues"`
	Errors          []QueueError  `json:"errors"`
	Stats           Stats         `json:"stats"`
}

func newResult(runID string, action queue.Action, started time.Time) *Result {
	return &Result{
		RunID:           runID,
		Action:          action,
		StartedAt:       started,
		RemainingQueues: []string{},
		Errors:          []QueueError{},
	}
}

// Summary is the one-line terminal status of the run.
func (r *Result) Summary() string {
	var b strings.Builder
	switch {
	case r.Aborted:
		fmt.Fprintf(&b, "Aborted after %d pass(es): %s.", r.PassesUsed, r.AbortReason)
	case r.Success:
		fmt.Fprintf(&b, "All queues %s.", r.Action.Past())
	case len(r.RemainingQueues) == 0:
		b.WriteString("Not verified: the final check could not read the Queues page.")
	default:
		fmt.Fprintf(&b, "Partially %s: %d queue(s) remaining (%s).",
			r.Action.Past(), len(r.RemainingQueues), strings.Join(r.RemainingQueues, ", "))
	}

	fmt.Fprintf(&b, " %d submission(s) over %d pass(es)", r.TotalProcessed, r.PassesUsed)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, ", %d error(s)", len(r.Errors))
	}
	if r.Stats.ForbiddenCount > 0 {
		fmt.Fprintf(&b, ", %d forbidden, %d token refresh(es)", r.Stats.ForbiddenCount, r.Stats.TokenRefreshCount)
	}
	b.WriteString(".")
	return b.String()
}
