package queue

import (
	"strings"

	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/page"
)

// Enumerator finds the actionable queues on a page.
type Enumerator struct {
	rules  page.Rules
	filter *Filter
	log    *diagnostics.Logger
}

// EnumeratorOption configures an Enumerator.
type EnumeratorOption func(*Enumerator)

// WithRules overrides the default form recognition rules.
func WithRules(rules page.Rules) EnumeratorOption {
	return func(e *Enumerator) {
		e.rules = rules
	}
}

// WithFilter restricts enumeration to queue names the filter allows.
func WithFilter(f *Filter) EnumeratorOption {
	return func(e *Enumerator) {
		e.filter = f
	}
}

// WithLogger sends exclusion reasons to l.
func WithLogger(l *diagnostics.Logger) EnumeratorOption {
	return func(e *Enumerator) {
		e.log = l
	}
}

// NewEnumerator creates an enumerator.
func NewEnumerator(opts ...EnumeratorOption) *Enumerator {
	e := &Enumerator{rules: page.DefaultRules()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the form recognition rules in use.
func (e *Enumerator) Rules() page.Rules {
	return e.rules
}

// Enumerate returns the queues on doc that still offer action, in document
// order. A queue without a matching control is already in the desired state
// and is left out; so are queues whose form lacks a body token or whose
// control has no name. The document is never modified, so calling Enumerate
// twice on the same document yields the same list.
func (e *Enumerator) Enumerate(doc *page.Document, action Action) []Candidate {
	if doc == nil {
		return nil
	}

	var out []Candidate
	seen := make(map[string]bool)

	for _, form := range page.LocateQueueForms(doc, e.rules) {
		if !e.filter.Allows(form.QueueName) {
			e.log.Debugf("queue %s: skipped by filter", form.QueueName)
			continue
		}
		if seen[form.Key] {
			e.log.Debugf("queue %s: duplicate form for %s ignored", form.QueueName, form.Key)
			continue
		}

		ctrl, ok := findActionControl(form, action)
		if !ok {
			e.log.Verbosef("queue %s: no %s control, already %s", form.QueueName, action, action.Past())
			continue
		}
		if !ctrl.HasName {
			e.log.Warnf("queue %s: %s control has no name attribute, skipping", form.QueueName, action)
			continue
		}

		field, token, ok := page.ExtractBodyToken(form, e.rules.TokenFields)
		if !ok {
			e.log.Errorf("queue %s: form has no body token, skipping", form.QueueName)
			continue
		}

		c := Candidate{
			QueueName:     form.QueueName,
			ActionPath:    form.Action,
			ActionPathKey: form.Key,
			TokenField:    field,
			BodyToken:     token,
			ControlName:   ctrl.Name,
			ControlValue:  ctrl.Value,
			Action:        action,
		}
		if !c.Safe() {
			e.log.Errorf("queue %s: refusing control %q", form.QueueName, ctrl.Name)
			continue
		}

		seen[form.Key] = true
		out = append(out, c)
	}
	return out
}

// StillActionable reports whether the queue identified by key still offers
// action on doc.
func (e *Enumerator) StillActionable(doc *page.Document, key string, action Action) bool {
	for _, c := range e.Enumerate(doc, action) {
		if c.ActionPathKey == key {
			return true
		}
	}
	return false
}

// findActionControl picks the control for action: first an exact name match,
// then the first control whose value or label reads as the action. Anything
// mentioning delete is rejected at both steps.
func findActionControl(form *page.Form, action Action) (page.Control, bool) {
	controls := form.SubmitControls()

	for _, c := range controls {
		if c.Name == string(action) && !IsDeleteName(c.Name) {
			return c, true
		}
	}

	for _, c := range controls {
		if IsDeleteName(c.Name) || IsDeleteName(c.Value) || IsDeleteName(c.Text) {
			continue
		}
		if labelIs(c.Value, action) || labelIs(c.Text, action) {
			return c, true
		}
	}
	return page.Control{}, false
}

func labelIs(label string, action Action) bool {
	return strings.EqualFold(strings.TrimSpace(label), string(action))
}
