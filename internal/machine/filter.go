package machine

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter is returned when a filter value cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter narrows the machine list. Zero values impose no constraint.
type Filter struct {
	HasIssues *bool
	OS        string
}

// ParseFilter builds a Filter from form values.
// An empty string leaves the criterion unset; issues accepts "true" or "false".
func ParseFilter(osValue, issuesValue string) (Filter, error) {
	f := Filter{OS: osValue}
	switch issuesValue {
	case "":
	case "true":
		v := true
		f.HasIssues = &v
	case "false":
		v := false
		f.HasIssues = &v
	default:
		return Filter{}, fmt.Errorf("%w: issues must be empty, true or false, got %q", ErrInvalidFilter, issuesValue)
	}
	return f, nil
}

// IssuesValue returns the form value for the issues criterion.
func (f Filter) IssuesValue() string {
	if f.HasIssues == nil {
		return ""
	}
	if *f.HasIssues {
		return "true"
	}
	return "false"
}

// Active reports whether any criterion is set.
func (f Filter) Active() bool {
	return f.OS != "" || f.HasIssues != nil
}

// Match reports whether m satisfies every active criterion.
func (f Filter) Match(m Machine) bool {
	if f.OS != "" && m.OS != f.OS {
		return false
	}
	if f.HasIssues != nil && m.HasIssues() != *f.HasIssues {
		return false
	}
	return true
}

// Apply returns the machines matching f, preserving input order.
// The input slice is never modified.
func Apply(machines []Machine, f Filter) []Machine {
	out := make([]Machine, 0, len(machines))
	for _, m := range machines {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
