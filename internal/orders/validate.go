package orders

import (
	"errors"
	"fmt"
)

// InvariantError describes one item whose tracking is inconsistent.
type InvariantError struct {
	Team   Team
	Index  int
	ItemID string
	Err    error
	Detail string
}

func (e *InvariantError) Error() string {
	item := e.ItemID
	if item == "" {
		item = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("%s item %s: %v (%s)", e.Team, item, e.Err, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// CheckInvariants verifies the completion invariants of every item: the
// completed total never exceeds the quantity, and it equals the sum of the
// completion entries. All violations are joined into the returned error.
func CheckInvariants(order Order) error {
	var problems []error
	for _, team := range Teams() {
		for i, item := range order.Details.Items(team) {
			if item.Quantity < 0 || item.Tracking.TotalCompletedQty < 0 {
				problems = append(problems, &InvariantError{
					Team: team, Index: i, ItemID: item.ID, Err: ErrInvalidQuantity,
					Detail: fmt.Sprintf("quantity %d, completed %d", item.Quantity, item.Tracking.TotalCompletedQty),
				})
				continue
			}
			if item.Tracking.TotalCompletedQty > item.Quantity {
				problems = append(problems, &InvariantError{
					Team: team, Index: i, ItemID: item.ID, Err: ErrOverCompleted,
					Detail: fmt.Sprintf("completed %d of %d", item.Tracking.TotalCompletedQty, item.Quantity),
				})
			}
			sum := 0
			for _, entry := range item.Tracking.CompletedEntries {
				sum += entry.QtyCompleted
			}
			if sum != item.Tracking.TotalCompletedQty {
				problems = append(problems, &InvariantError{
					Team: team, Index: i, ItemID: item.ID, Err: ErrTrackingMismatch,
					Detail: fmt.Sprintf("total %d, entries sum %d", item.Tracking.TotalCompletedQty, sum),
				})
			}
		}
	}
	return errors.Join(problems...)
}
