package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Health describes how current the truth store is for one (account, scope).
type Health struct {
	Account       string     `json:"account" yaml:"account"`
	Scope         string     `json:"scope" yaml:"scope"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Staleness is the time since the last success; zero when there was none.
	Staleness     time.Duration `json:"-" yaml:"-"`
	StalenessSecs float64       `json:"staleness_secs" yaml:"staleness_secs"`
	Stale         bool          `json:"stale" yaml:"stale"`
}

// TruthHealth reports the last run outcome for (account, scope). The truth
// is stale when it never succeeded or the last success is older than the
// configured threshold.
func (e *Engine) TruthHealth(ctx context.Context, account, scope string) (*Health, error) {
	if scope == "" {
		scope = ScopeToday
	}
	st, err := e.store.GetState(ctx, account, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: health %s/%s", account, scope)
	}

	h := &Health{
		Account:       account,
		Scope:         scope,
		LastSuccessAt: st.LastSuccessAt,
		LastAttemptAt: st.LastAttemptAt,
		LastError:     st.LastError,
		Stale:         true,
	}
	if st.LastSuccessAt != nil {
		h.Staleness = max(e.now().Sub(*st.LastSuccessAt), 0)
		h.StalenessSecs = h.Staleness.Seconds()
		h.Stale = h.Staleness > e.staleAfter
	}
	return h, nil
}
