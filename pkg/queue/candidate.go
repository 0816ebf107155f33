// Package queue turns a parsed Queues page into the list of queues that
// still need a pause or unpause.
package queue

import (
	"fmt"
	"strings"
)

// Action is a state change the tool is allowed to request. The set is
// closed: there is deliberately no value for deleting or clearing a queue.
type Action string

const (
	ActionPause   Action = "pause"
	ActionUnpause Action = "unpause"
)

// ParseAction validates s against the allow-list.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionPause:
		return ActionPause, nil
	case ActionUnpause:
		return ActionUnpause, nil
	default:
		return "", fmt.Errorf("unsupported action %q (must be 'pause' or 'unpause')", s)
	}
}

// Past returns the past tense used in status messages.
func (a Action) Past() string {
	return string(a) + "d"
}

// Candidate is one queue still needing Action, with everything required to
// replay its form faithfully.
type Candidate struct {
	QueueName     string
	ActionPath    string // action attribute as rendered
	ActionPathKey string // origin-resolved path+query
	TokenField    string // name of the hidden body-token input
	BodyToken     string // taken from this queue's own form only
	ControlName   string // echoed verbatim
	ControlValue  string // echoed verbatim
	Action        Action
}

// IsDeleteName reports whether s mentions delete in any casing. Controls and
// fields matching it are never submitted.
func IsDeleteName(s string) bool {
	return strings.Contains(strings.ToLower(s), "delete")
}

// Safe reports whether the candidate passes the delete guard.
func (c Candidate) Safe() bool {
	return c.ControlName != "" && !IsDeleteName(c.ControlName) && !IsDeleteName(c.TokenField)
}

// Names returns the queue names of cs in order.
func Names(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.QueueName)
	}
	return out
}
