package identity

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Excluder filters workload Pods by name. A Pod whose name matches any
// pattern never gets a sidecar.
type Excluder struct {
	patterns []string
}

// NewExcluder trims and deduplicates patterns. Invalid patterns are
// rejected so a typo does not silently match nothing.
func NewExcluder(patterns []string) (*Excluder, error) {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &InvalidPatternError{Pattern: p}
		}
		seen[p] = true
		result = append(result, p)
	}
	return &Excluder{patterns: result}, nil
}

// Patterns returns the effective pattern set.
func (e *Excluder) Patterns() []string {
	if e == nil {
		return nil
	}
	return e.patterns
}

// Excludes reports whether name matches an exclude pattern. A nil Excluder
// excludes nothing.
func (e *Excluder) Excludes(name string) bool {
	if e == nil {
		return false
	}
	for _, pattern := range e.patterns {
		matched, err := doublestar.Match(pattern, name)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// InvalidPatternError reports a malformed exclude pattern.
type InvalidPatternError struct {
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid exclude pattern %q", e.Pattern)
}
