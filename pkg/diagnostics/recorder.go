package diagnostics

import (
	"sync"
	"time"

	"github.com/entrhq/queuepause/pkg/logging"
	"github.com/google/uuid"
)

// Recorder is the append-only record stream of one run.
type Recorder struct {
	mu       sync.Mutex
	runID    string
	minLevel Level
	records  []Record
	mirror   *logging.Logger
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) RecorderOption {
	return func(r *Recorder) {
		r.runID = id
	}
}

// WithMinLevel drops records below level.
func WithMinLevel(level Level) RecorderOption {
	return func(r *Recorder) {
		r.minLevel = level
	}
}

// WithMirror copies every kept record into the run log.
func WithMirror(l *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		r.mirror = l
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates a recorder. Without WithRunID a fresh UUID is used.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		minLevel: LevelInfo,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	return r
}

// RunID returns the run this recorder belongs to.
func (r *Recorder) RunID() string {
	return r.runID
}

// Append redacts rec, stamps it with the run ID and stores it.
func (r *Recorder) Append(rec Record) {
	if rec.Level < r.minLevel {
		return
	}
	rec = redactRecord(rec)
	rec.RunID = r.runID
	if rec.Time.IsZero() {
		rec.Time = r.now()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	if r.mirror != nil {
		mirrorRecord(r.mirror, rec)
	}
}

// Records returns a copy of the stored records in append order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Logger returns a component-scoped logger writing to this recorder.
func (r *Recorder) Logger(component string) *Logger {
	return NewLogger(r, component)
}

func mirrorRecord(l *logging.Logger, rec Record) {
	line := rec.Component + ": " + rec.Message
	for k, v := range rec.Fields {
		line += " " + k + "=" + v
	}
	switch rec.Level {
	case LevelDebug:
		l.Debugf("%s", line)
	case LevelVerbose:
		l.Verbosef("%s", line)
	case LevelInfo:
		l.Infof("%s", line)
	case LevelWarn:
		l.Warnf("%s", line)
	default:
		l.Errorf("%s", line)
	}
}
