package orders

import "time"

var fixtureTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func trackedItem(id string, qty, done int) OrderItem {
	item := OrderItem{ID: id, Quantity: qty}
	item.Tracking.TotalCompletedQty = done
	if done > 0 {
		item.Tracking.CompletedEntries = []CompletionEntry{{QtyCompleted: done, Timestamp: fixtureTime}}
	}
	switch {
	case done >= qty:
		item.Tracking.Status = StatusCompleted
	case done > 0:
		item.Tracking.Status = StatusInProgress
	default:
		item.Tracking.Status = StatusPending
	}
	return item
}

func glassOrder(id, number string, qty, done int) Order {
	item := trackedItem(id+"-g1", qty, done)
	item.GlassName = "Flint 50ml"
	return Order{
		ID:          id,
		OrderNumber: number,
		Status:      StatusPending,
		CreatedAt:   fixtureTime,
		Details:     OrderDetails{Glass: []OrderItem{item}},
	}
}

func capsOrder(id, number string) Order {
	item := trackedItem(id+"-c1", 5, 0)
	item.CapName = "Crimp 20"
	return Order{
		ID:          id,
		OrderNumber: number,
		Status:      StatusPending,
		Details:     OrderDetails{Caps: []OrderItem{item}},
	}
}

var (
	dispatcher  = Viewer{Name: "dana", Role: RoleDispatcher}
	glassMember = Viewer{Name: "gita", Role: RoleMember, Team: "Glass"}
	capsMember  = Viewer{Name: "cory", Role: RoleMember, Team: "caps team"}
)
