package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/atotto/clipboard"
)

// Bundle is the exportable diagnostic snapshot of one run.
type Bundle struct {
	RunID      string      `json:"run_id"`
	Version    string      `json:"version"`
	Action     string      `json:"action"`
	Target     string      `json:"target"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Summary    string      `json:"summary"`
	Result     interface{} `json:"result,omitempty"`
	Records    []Record    `json:"records"`
}

// NewBundle snapshots the recorder's records into a bundle.
func NewBundle(r *Recorder, version, action, target string) *Bundle {
	return &Bundle{
		RunID:   r.RunID(),
		Version: version,
		Action:  action,
		Target:  Redact(target),
		Records: r.Records(),
	}
}

// JSON renders the bundle as indented JSON. The summary is redacted again
// because it is free text supplied by the caller.
func (b *Bundle) JSON() ([]byte, error) {
	out := *b
	out.Summary = Redact(b.Summary)
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diagnostics bundle: %w", err)
	}
	return data, nil
}

// Exporter writes bundles to a directory.
type Exporter struct {
	outputDir string
}

// NewExporter creates an exporter rooted at outputDir.
func NewExporter(outputDir string) *Exporter {
	return &Exporter{outputDir: outputDir}
}

// WriteAll writes diagnostics.json and summary.md into <outputDir>/<run-id>
// and returns that directory.
func (e *Exporter) WriteAll(b *Bundle) (string, error) {
	dir := filepath.Join(e.outputDir, b.RunID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := b.JSON()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "diagnostics.json"), data, 0600); err != nil {
		return "", fmt.Errorf("failed to write diagnostics JSON: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(b.Markdown()), 0600); err != nil {
		return "", fmt.Errorf("failed to write summary markdown: %w", err)
	}

	return dir, nil
}

// Markdown renders a human-readable summary with warnings and errors.
func (b *Bundle) Markdown() string {
	var md strings.Builder

	md.WriteString("# queuepause run\n\n")
	fmt.Fprintf(&md, "**Run:** %s\n\n", b.RunID)
	fmt.Fprintf(&md, "**Action:** %s\n\n", b.Action)
	fmt.Fprintf(&md, "**Target:** %s\n\n", b.Target)
	if !b.StartedAt.IsZero() {
		fmt.Fprintf(&md, "**Started:** %s\n\n", b.StartedAt.Format(time.RFC3339))
	}
	if !b.FinishedAt.IsZero() {
		fmt.Fprintf(&md, "**Finished:** %s\n\n", b.FinishedAt.Format(time.RFC3339))
	}

	md.WriteString("## Result\n\n")
	md.WriteString(Redact(b.Summary))
	md.WriteString("\n\n")

	var problems []Record
	for _, rec := range b.Records {
		if rec.Level >= LevelWarn {
			problems = append(problems, rec)
		}
	}
	if len(problems) > 0 {
		md.WriteString("## Warnings and errors\n\n")
		for _, rec := range problems {
			fmt.Fprintf(&md, "- `%s` **%s** %s: %s\n",
				rec.Time.Format("15:04:05.000"), rec.Level, rec.Component, rec.Message)
		}
		md.WriteString("\n")
	}

	fmt.Fprintf(&md, "_%d records captured._\n", len(b.Records))
	return md.String()
}

// writeClipboard is replaced in tests.
var writeClipboard = clipboard.WriteAll

// CopyToClipboard places the bundle JSON on the system clipboard.
func (b *Bundle) CopyToClipboard() error {
	data, err := b.JSON()
	if err != nil {
		return err
	}
	if err := writeClipboard(string(data)); err != nil {
		return fmt.Errorf("failed to copy diagnostics to clipboard: %w", err)
	}
	return nil
}

// Print writes the bundle JSON to w, syntax highlighted when color is true.
func (b *Bundle) Print(w io.Writer, color bool) error {
	data, err := b.JSON()
	if err != nil {
		return err
	}
	if !color {
		_, err = w.Write(append(data, '\n'))
		return err
	}
	if err := quick.Highlight(w, string(data)+"\n", "json", "terminal256", "monokai"); err != nil {
		return fmt.Errorf("failed to highlight diagnostics: %w", err)
	}
	return nil
}
