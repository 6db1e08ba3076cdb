package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMissingIdentity  = errors.New("order has neither id nor order number")
	ErrOverCompleted    = errors.New("completed quantity exceeds item quantity")
	ErrTrackingMismatch = errors.New("completed quantity does not match completion entries")
	ErrUnknownItem      = errors.New("unknown order item")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrUnknownTeam      = errors.New("unknown team")
	ErrInvalidInput     = errors.New("invalid input")
)

const (
	StatusPending    = "Pending"
	StatusInProgress = "In Progress"
	StatusCompleted  = "Completed"
)

type Order struct {
	ID             string       `json:"_id,omitempty"`
	OrderNumber    string       `json:"order_number"`
	DispatcherName string       `json:"dispatcher_name,omitempty"`
	CustomerName   string       `json:"customer_name,omitempty"`
	Status         string       `json:"order_status,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitzero"`
	LastUpdated    time.Time    `json:"lastUpdatedTimestamp,omitzero"`
	UpdatedAt      time.Time    `json:"updatedAt,omitzero"`
	Version        int64        `json:"version,omitempty"`
	Details        OrderDetails `json:"order_details"`
}

type OrderDetails struct {
	Glass []OrderItem `json:"glass,omitempty" validate:"omitempty,dive"`
	Caps  []OrderItem `json:"caps,omitempty" validate:"omitempty,dive"`
	Boxes []OrderItem `json:"boxes,omitempty" validate:"omitempty,dive"`
	Pumps []OrderItem `json:"pumps,omitempty" validate:"omitempty,dive"`
}

type OrderItem struct {
	ID           string       `json:"_id,omitempty"`
	GlassName    string       `json:"glass_name,omitempty"`
	CapName      string       `json:"cap_name,omitempty"`
	BoxName      string       `json:"box_name,omitempty"`
	PumpName     string       `json:"pump_name,omitempty"`
	Quantity     int          `json:"quantity" validate:"gte=0"`
	Weight       string       `json:"weight,omitempty"`
	NeckSize     string       `json:"neck_size,omitempty"`
	NeckType     string       `json:"neck_type,omitempty"`
	Decoration   string       `json:"decoration,omitempty"`
	DecorationNo string       `json:"decoration_no,omitempty"`
	Process      string       `json:"process,omitempty"`
	Material     string       `json:"material,omitempty"`
	ApprovalCode string       `json:"approval_code,omitempty"`
	Team         string       `json:"team,omitempty"`
	Status       string       `json:"status,omitempty"`
	Tracking     TeamTracking `json:"team_tracking"`
}

type TeamTracking struct {
	TotalCompletedQty int               `json:"total_completed_qty" validate:"gte=0"`
	Status            string            `json:"status,omitempty"`
	CompletedEntries  []CompletionEntry `json:"completed_entries,omitempty"`
}

type CompletionEntry struct {
	QtyCompleted int       `json:"qty_completed"`
	Timestamp    time.Time `json:"timestamp"`
}

// Items returns the items the order carries for team. The returned slice is
// shared with the order; use Clone before modifying it.
func (d OrderDetails) Items(team Team) []OrderItem {
	if !team.Valid() {
		return nil
	}
	return *teamTable[team].items(&d)
}

// SetItems replaces the items for team.
func (d *OrderDetails) SetItems(team Team, items []OrderItem) {
	if !team.Valid() {
		return
	}
	*teamTable[team].items(d) = items
}

// Teams lists the categories that have at least one item.
func (d OrderDetails) Teams() []Team {
	var out []Team
	for _, team := range Teams() {
		if len(d.Items(team)) > 0 {
			out = append(out, team)
		}
	}
	return out
}

// Name returns the item label for team (glass_name, cap_name, ...).
func (item OrderItem) Name(team Team) string {
	if !team.Valid() {
		return ""
	}
	return *teamTable[team].label(&item)
}

// Remaining is the quantity still to be completed, never negative.
func (item OrderItem) Remaining() int {
	remaining := item.Quantity - item.Tracking.TotalCompletedQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Done reports whether the item counts as finished for its team.
func (item OrderItem) Done() bool {
	return item.Tracking.Status == StatusCompleted || item.Tracking.TotalCompletedQty >= item.Quantity
}

// Key is the identity string used for logging and indexing: the id when
// known, otherwise "num-<order_number>".
func (o Order) Key() string {
	if id := strings.TrimSpace(o.ID); id != "" {
		return id
	}
	if number := strings.TrimSpace(o.OrderNumber); number != "" {
		return "num-" + number
	}
	return ""
}

func (o Order) HasIdentity() bool {
	return o.Key() != ""
}

// SameOrder reports whether a and b denote the same order. Ids decide when
// both records carry one; otherwise the order numbers must match, which lets a
// freshly created record echoed without an id reconcile with its later copy.
func SameOrder(a, b Order) bool {
	aID, bID := strings.TrimSpace(a.ID), strings.TrimSpace(b.ID)
	if aID != "" && bID != "" {
		return aID == bID
	}
	aNum, bNum := strings.TrimSpace(a.OrderNumber), strings.TrimSpace(b.OrderNumber)
	return aNum != "" && aNum == bNum
}

// Revision orders snapshots of the same order: the server version when set,
// otherwise the server update time. Zero means unknown.
func (o Order) Revision() int64 {
	if o.Version > 0 {
		return o.Version
	}
	if !o.UpdatedAt.IsZero() {
		return o.UpdatedAt.UnixNano()
	}
	return 0
}

// Clone returns a deep copy so callers can edit items without touching
// lists that are shared with the cache or other readers.
func (o Order) Clone() Order {
	out := o
	for _, team := range Teams() {
		items := o.Details.Items(team)
		if items == nil {
			continue
		}
		copied := make([]OrderItem, len(items))
		for i, item := range items {
			copied[i] = item
			if item.Tracking.CompletedEntries != nil {
				copied[i].Tracking.CompletedEntries = append([]CompletionEntry(nil), item.Tracking.CompletedEntries...)
			}
		}
		out.Details.SetItems(team, copied)
	}
	return out
}

func (o Order) String() string {
	if o.OrderNumber != "" {
		return fmt.Sprintf("#%s", o.OrderNumber)
	}
	return o.Key()
}

// DecodeOrders parses a JSON array of orders, dropping records that fail to
// decode or carry no identity instead of failing the whole list. The second
// return value counts dropped records.
func DecodeOrders(raw []json.RawMessage) ([]Order, int) {
	out := make([]Order, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		order, err := DecodeOrder(item)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, order)
	}
	return out, dropped
}

// DecodeOrder validates raw against the order schema and decodes it.
func DecodeOrder(raw json.RawMessage) (Order, error) {
	if err := ValidatePayload(raw); err != nil {
		return Order{}, err
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return Order{}, err
	}
	if !order.HasIdentity() {
		return Order{}, ErrMissingIdentity
	}
	return order, nil
}
