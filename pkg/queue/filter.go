package queue

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter restricts which queue names are acted on.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewFilter compiles include and exclude glob patterns. An empty include
// list admits every queue not excluded.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}

	for _, pattern := range include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		f.include = append(f.include, g)
	}

	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		f.exclude = append(f.exclude, g)
	}

	return f, nil
}

// Allows reports whether name passes the filter. A nil Filter allows all.
func (f *Filter) Allows(name string) bool {
	if f == nil {
		return true
	}

	// Exclusions take precedence
	for _, g := range f.exclude {
		if g.Match(name) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}
