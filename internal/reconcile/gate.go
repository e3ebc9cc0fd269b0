package reconcile

import (
	"time"

	"github.com/sells-group/ordertruth/internal/truth"
)

// Gate reasons.
const (
	ReasonForced    = "forced"
	ReasonNeverRun  = "never_run"
	ReasonStale     = "stale"
	ReasonThrottled = "throttled"
)

// Decision is the gate's verdict for one (account, scope).
type Decision struct {
	Proceed bool   `json:"proceed"`
	Reason  string `json:"reason"`
}

// Gate skips runs when a recent success already covers the scope. It reads
// state only and never performs I/O.
type Gate struct {
	minInterval time.Duration
	now         func() time.Time
}

// NewGate creates a Gate. A nil now uses time.Now.
func NewGate(minInterval time.Duration, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{minInterval: minInterval, now: now}
}

// ShouldRun decides whether a run may proceed given the stored state.
func (g *Gate) ShouldRun(state *truth.ReconcileState, force bool) Decision {
	if force {
		return Decision{Proceed: true, Reason: ReasonForced}
	}
	if state == nil || state.LastSuccessAt == nil {
		return Decision{Proceed: true, Reason: ReasonNeverRun}
	}
	if g.now().Sub(*state.LastSuccessAt) < g.minInterval {
		return Decision{Proceed: false, Reason: ReasonThrottled}
	}
	return Decision{Proceed: true, Reason: ReasonStale}
}
