package truth

import (
	"context"

	"github.com/rotisserie/eris"
)

// Action is the merge decision for an incoming order.
type Action int

const (
	// ActionInsert stores a new row.
	ActionInsert Action = iota
	// ActionUpdate overwrites the stored row with the incoming payload.
	ActionUpdate
	// ActionRefresh only bumps the sync timestamp.
	ActionRefresh
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Decide picks the merge action for incoming given the stored row (nil when
// absent). A missing revision on either side always updates, as does a
// customer order count the stored row lacks.
func Decide(incoming OrderRecord, stored *OrderRecord) Action {
	if stored == nil {
		return ActionInsert
	}
	if incoming.UpdatedAt == nil || stored.UpdatedAt == nil {
		return ActionUpdate
	}
	if stored.CustomerOrdersCount == nil && incoming.CustomerOrdersCount != nil {
		return ActionUpdate
	}
	if !incoming.UpdatedAt.Equal(*stored.UpdatedAt) {
		return ActionUpdate
	}
	return ActionRefresh
}

// Upsert applies the merge policy for rec against s and returns the action
// taken. An insert that loses a race to a concurrent writer is decided again
// against the row that won.
func Upsert(ctx context.Context, s Store, rec *OrderRecord) (Action, error) {
	for range 2 {
		stored, err := s.GetOrder(ctx, rec.Account, rec.OrderID)
		if err != nil && !eris.Is(err, ErrNotFound) {
			return 0, eris.Wrapf(err, "truth: load order %s", rec.OrderID)
		}

		action := Decide(*rec, stored)
		switch action {
		case ActionInsert:
			inserted, err := s.InsertOrder(ctx, rec)
			if err != nil {
				return 0, eris.Wrapf(err, "truth: insert order %s", rec.OrderID)
			}
			if !inserted {
				continue
			}
		case ActionUpdate:
			if rec.CustomerOrdersCount == nil && stored.CustomerOrdersCount != nil {
				rec.CustomerOrdersCount = stored.CustomerOrdersCount
			}
			if err := s.UpdateOrder(ctx, rec); err != nil {
				return 0, eris.Wrapf(err, "truth: update order %s", rec.OrderID)
			}
		case ActionRefresh:
			if err := s.TouchOrder(ctx, rec.Account, rec.OrderID, rec.SyncedAt); err != nil {
				return 0, eris.Wrapf(err, "truth: touch order %s", rec.OrderID)
			}
		}
		return action, nil
	}
	return 0, eris.Errorf("truth: order %s vanished after insert conflict", rec.OrderID)
}
