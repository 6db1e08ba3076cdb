package ordersync

import (
	"github.com/agentworkforce/orderdesk/internal/orders"
)

// ActionKind tags everything that can change a coordinator's partitions.
type ActionKind uint8

const (
	ActionFetched ActionKind = iota + 1
	ActionPushCreated
	ActionPushUpdated
	ActionPushDeleted
	ActionLocalCreate
	ActionLocalEdit
	ActionLocalDelete
	ActionCrossTabSync
)

func (k ActionKind) String() string {
	switch k {
	case ActionFetched:
		return "fetched"
	case ActionPushCreated:
		return "push_created"
	case ActionPushUpdated:
		return "push_updated"
	case ActionPushDeleted:
		return "push_deleted"
	case ActionLocalCreate:
		return "local_create"
	case ActionLocalEdit:
		return "local_edit"
	case ActionLocalDelete:
		return "local_delete"
	case ActionCrossTabSync:
		return "cross_tab_sync"
	default:
		return "unknown"
	}
}

// Action is the single input type of Coordinator.Dispatch. Fetched carries
// Orders, CrossTabSync carries Key, every other kind carries Order.
type Action struct {
	Kind   ActionKind
	Order  orders.Order
	Orders []orders.Order
	Key    string
}

func Fetched(list []orders.Order) Action {
	return Action{Kind: ActionFetched, Orders: list}
}

func PushCreated(order orders.Order) Action {
	return Action{Kind: ActionPushCreated, Order: order}
}

func PushUpdated(order orders.Order) Action {
	return Action{Kind: ActionPushUpdated, Order: order}
}

func PushDeleted(order orders.Order) Action {
	return Action{Kind: ActionPushDeleted, Order: order}
}

func LocalCreate(order orders.Order) Action {
	return Action{Kind: ActionLocalCreate, Order: order}
}

func LocalEdit(order orders.Order) Action {
	return Action{Kind: ActionLocalEdit, Order: order}
}

func LocalDelete(order orders.Order) Action {
	return Action{Kind: ActionLocalDelete, Order: order}
}

func CrossTabSync(key string) Action {
	return Action{Kind: ActionCrossTabSync, Key: key}
}

// Change summarizes how one partition differed before and after an action.
type Change struct {
	Key       string
	Partition orders.Partition
	Added     []orders.Order
	Removed   []orders.Order
	Updated   []orders.Order
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// diff compares two snapshots of a partition by identity.
func diff(key string, p orders.Partition, before, after []orders.Order) Change {
	change := Change{Key: key, Partition: p}
	for _, order := range after {
		idx := orders.IndexOf(before, order)
		switch {
		case idx < 0:
			change.Added = append(change.Added, order)
		case !sameContent(before[idx], order):
			change.Updated = append(change.Updated, order)
		}
	}
	for _, order := range before {
		if !orders.Contains(after, order) {
			change.Removed = append(change.Removed, order)
		}
	}
	return change
}
