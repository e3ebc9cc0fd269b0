package truth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("truth: not found")

// Tables are the truth tables, in backup order.
var Tables = []string{"orders", "reconcile_state", "customer_order_facts", "order_evidence", "audit_log"}

// Store persists the truth tables.
type Store interface {
	// Orders
	GetOrder(ctx context.Context, account, orderID string) (*OrderRecord, error)
	InsertOrder(ctx context.Context, rec *OrderRecord) (bool, error)
	UpdateOrder(ctx context.Context, rec *OrderRecord) error
	TouchOrder(ctx context.Context, account, orderID string, at time.Time) error

	// Evidence
	AddEvidence(ctx context.Context, ev *Evidence) (int64, error)
	LinkEvidence(ctx context.Context, account, orderID string, checkoutToken *string, at time.Time) (int64, error)

	// Reconcile state
	GetState(ctx context.Context, account, scope string) (*ReconcileState, error)
	MarkAttempt(ctx context.Context, account, scope string, at time.Time) error
	MarkSuccess(ctx context.Context, account, scope string, at time.Time) error
	MarkFailure(ctx context.Context, account, scope string, at time.Time, msg string) error

	// Customer facts
	GetFact(ctx context.Context, account, customerID string) (*CustomerOrderFact, error)
	PutFact(ctx context.Context, fact CustomerOrderFact) error

	// Audit
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	// Aggregates
	WindowTotals(ctx context.Context, account string, from, to time.Time) (*WindowTotals, error)

	// Lifecycle
	Backup(ctx context.Context, suffix string) error
	Migrate(ctx context.Context) error
	Close() error
}

// NewAuditEntry marshals detail into an audit entry, replacing it with a
// truncation marker when it exceeds maxBytes.
func NewAuditEntry(at time.Time, actor, action string, detail any, maxBytes int) AuditEntry {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"marshal_error": err.Error()})
	}
	return AuditEntry{At: at.UTC(), Actor: actor, Action: action, Detail: CapDetail(raw, maxBytes)}
}

// CapDetail keeps raw when it fits in maxBytes, otherwise returns a small
// JSON object with the original size and as much of the text as fits.
func CapDetail(raw []byte, maxBytes int) json.RawMessage {
	if maxBytes <= 0 || len(raw) <= maxBytes {
		return raw
	}
	type marker struct {
		Truncated bool   `json:"truncated"`
		Size      int    `json:"size"`
		Preview   string `json:"preview"`
	}
	keep := maxBytes / 2
	for {
		out, _ := json.Marshal(marker{true, len(raw), strings.ToValidUTF8(string(raw[:keep]), "")})
		if len(out) <= maxBytes || keep == 0 {
			return out
		}
		keep /= 2
	}
}

// TruncateError shortens an error message for storage.
func TruncateError(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return strings.ToValidUTF8(msg[:max], "") + "...(truncated)"
}
