package reconcile

import (
	"slices"
	"time"
)

// Scopes key independent throttling and run state.
const (
	ScopeToday    = "today"
	ScopeVerify   = "verify"
	ScopeBackfill = "backfill"
)

// DefaultFactScopes are the scopes that populate customer facts.
var DefaultFactScopes = []string{ScopeToday, ScopeVerify}

// ValidScope reports whether scope is one of the known scopes.
func ValidScope(scope string) bool {
	return slices.Contains([]string{ScopeToday, ScopeVerify, ScopeBackfill}, scope)
}

// DayWindow returns [midnight, next midnight) of t's day in t's location.
func DayWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
