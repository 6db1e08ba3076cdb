package orders

type Classification uint8

const (
	ClassExcluded Classification = iota
	ClassLive
	ClassPast
)

func (c Classification) String() string {
	switch c {
	case ClassLive:
		return "live"
	case ClassPast:
		return "past"
	default:
		return "excluded"
	}
}

// Partition maps the classification to its bucket; excluded has none.
func (c Classification) Partition() (Partition, bool) {
	switch c {
	case ClassLive:
		return PartitionLive, true
	case ClassPast:
		return PartitionPast, true
	}
	return "", false
}

// Classify decides where order belongs for v. It depends only on the order
// snapshot and the viewer.
//
// Global viewers go by the overall order status. Team viewers only see orders
// with items for their team, and such an order is past once every one of
// those items is done.
func Classify(order Order, v Viewer) Classification {
	if v.Global() {
		if foldEqual(order.Status, StatusCompleted) {
			return ClassPast
		}
		return ClassLive
	}
	team, ok := v.TeamCategory()
	if !ok {
		return ClassExcluded
	}
	items := order.Details.Items(team)
	if len(items) == 0 {
		return ClassExcluded
	}
	for _, item := range items {
		if !item.Done() {
			return ClassLive
		}
	}
	return ClassPast
}
