package orders

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("team", func(fl validator.FieldLevel) bool {
			_, ok := ParseTeam(fl.Field().String())
			return ok
		})
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

func validateInput(v any) error {
	if err := inputValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// NewOrder is the body of a create request.
type NewOrder struct {
	OrderNumber    string       `json:"order_number" validate:"required"`
	DispatcherName string       `json:"dispatcher_name" validate:"required"`
	CustomerName   string       `json:"customer_name" validate:"required"`
	Details        OrderDetails `json:"order_details"`
}

func (n NewOrder) Validate() error {
	if err := validateInput(n); err != nil {
		return err
	}
	if len(n.Details.Teams()) == 0 {
		return fmt.Errorf("%w: order %s has no items", ErrInvalidInput, n.OrderNumber)
	}
	for _, team := range n.Details.Teams() {
		for i, item := range n.Details.Items(team) {
			if item.Quantity <= 0 {
				return fmt.Errorf("%w: %s item %d needs a positive quantity", ErrInvalidInput, team, i)
			}
		}
	}
	return nil
}

// Order builds the optimistic local record for a create. It has no id until
// the server echoes it back, so it is matched by order number meanwhile.
func (n NewOrder) Order(now time.Time) Order {
	order := Order{
		OrderNumber:    strings.TrimSpace(n.OrderNumber),
		DispatcherName: n.DispatcherName,
		CustomerName:   n.CustomerName,
		Status:         StatusPending,
		CreatedAt:      now,
		LastUpdated:    now,
		Details:        n.Details,
	}
	order = order.Clone()
	for _, team := range Teams() {
		items := order.Details.Items(team)
		for i := range items {
			items[i].Team = team.String()
			if items[i].Status == "" {
				items[i].Status = StatusPending
			}
			if items[i].Tracking.Status == "" {
				items[i].Tracking.Status = StatusPending
			}
		}
	}
	return order
}

// ProgressUpdate is the body of an update-progress request: completed
// quantities for items of one team.
type ProgressUpdate struct {
	OrderNumber string         `json:"order_number" validate:"required"`
	TeamType    string         `json:"team_type" validate:"required,team"`
	Updates     []ItemProgress `json:"updates" validate:"required,min=1,dive"`
}

type ItemProgress struct {
	ItemID       string `json:"item_id" validate:"required"`
	QtyCompleted int    `json:"qty_completed" validate:"gt=0"`
}

func (u ProgressUpdate) Validate() error {
	return validateInput(u)
}

// ApplyProgress records the completed quantities of update on a copy of
// order. Each item gets a completion entry, a new total and a status of
// Completed or In Progress. The update is applied whole or not at all: an
// unknown item or a total above the item quantity rejects it.
func ApplyProgress(order Order, update ProgressUpdate, now time.Time) (Order, error) {
	if err := update.Validate(); err != nil {
		return order, err
	}
	team, _ := ParseTeam(update.TeamType)
	out := order.Clone()
	items := out.Details.Items(team)
	for _, change := range update.Updates {
		idx := -1
		for i := range items {
			if items[i].ID == change.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return order, fmt.Errorf("%w: %s item %s on order %s", ErrUnknownItem, team, change.ItemID, order)
		}
		item := &items[idx]
		total := item.Tracking.TotalCompletedQty + change.QtyCompleted
		if total > item.Quantity {
			return order, fmt.Errorf("%w: %s item %s would reach %d of %d", ErrOverCompleted, team, change.ItemID, total, item.Quantity)
		}
		item.Tracking.TotalCompletedQty = total
		item.Tracking.CompletedEntries = append(item.Tracking.CompletedEntries, CompletionEntry{
			QtyCompleted: change.QtyCompleted,
			Timestamp:    now,
		})
		if total >= item.Quantity {
			item.Tracking.Status = StatusCompleted
		} else {
			item.Tracking.Status = StatusInProgress
		}
	}
	out.LastUpdated = now
	if allItemsDone(out) {
		out.Status = StatusCompleted
	} else if !foldEqual(out.Status, StatusCompleted) {
		out.Status = StatusInProgress
	}
	return out, nil
}

func allItemsDone(order Order) bool {
	teams := order.Details.Teams()
	if len(teams) == 0 {
		return false
	}
	for _, team := range teams {
		for _, item := range order.Details.Items(team) {
			if !item.Done() {
				return false
			}
		}
	}
	return true
}

// TargetTeams names the teams an emitted event concerns: every team with
// items on the order, or the viewer's own team when there are none.
func TargetTeams(order Order, v Viewer) []Team {
	teams := order.Details.Teams()
	if len(teams) > 0 {
		return teams
	}
	if team, ok := v.TeamCategory(); ok {
		return []Team{team}
	}
	return nil
}
