package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyGlobalUsesOrderStatus(t *testing.T) {
	order := glassOrder("o1", "1001", 10, 10)
	assert.Equal(t, ClassLive, Classify(order, dispatcher), "items done but status pending")

	order.Status = " completed"
	assert.Equal(t, ClassPast, Classify(order, dispatcher))
	order.Status = "COMPLETED"
	assert.Equal(t, ClassPast, Classify(order, dispatcher))
	order.Status = "Completed (partial)"
	assert.Equal(t, ClassLive, Classify(order, dispatcher))
}

func TestClassifyTeamPredicate(t *testing.T) {
	assert.Equal(t, ClassLive, Classify(glassOrder("o1", "1001", 10, 0), glassMember))
	assert.Equal(t, ClassLive, Classify(glassOrder("o1", "1001", 10, 9), glassMember))
	assert.Equal(t, ClassPast, Classify(glassOrder("o1", "1001", 10, 10), glassMember))

	flagged := glassOrder("o1", "1001", 10, 3)
	flagged.Details.Glass[0].Tracking.Status = StatusCompleted
	assert.Equal(t, ClassPast, Classify(flagged, glassMember), "status tag alone completes the item")

	mixed := glassOrder("o1", "1001", 10, 10)
	mixed.Details.Glass = append(mixed.Details.Glass, trackedItem("o1-g2", 4, 1))
	assert.Equal(t, ClassLive, Classify(mixed, glassMember), "every item must be done")
}

func TestClassifyExcludesOrdersWithoutTeamItems(t *testing.T) {
	order := capsOrder("o2", "2002")
	assert.Equal(t, ClassExcluded, Classify(order, glassMember))
	assert.Equal(t, ClassLive, Classify(order, capsMember))

	order.Details.Glass = []OrderItem{}
	assert.Equal(t, ClassExcluded, Classify(order, glassMember), "empty list counts as no entry")

	unknown := Viewer{Role: RoleMember, Team: "labels"}
	assert.Equal(t, ClassExcluded, Classify(glassOrder("o1", "1001", 1, 0), unknown))
}

func TestClassifyIsPureAndTotal(t *testing.T) {
	orders := []Order{
		glassOrder("o1", "1001", 10, 0),
		glassOrder("o2", "1002", 10, 10),
		capsOrder("o3", "1003"),
		{OrderNumber: "1004"},
	}
	viewers := []Viewer{dispatcher, glassMember, capsMember, {Role: RoleMember, Team: "pumps"}, {}}
	for _, order := range orders {
		for _, v := range viewers {
			before := order.Clone()
			first := Classify(order, v)
			for i := 0; i < 3; i++ {
				assert.Equal(t, first, Classify(order, v))
			}
			assert.Equal(t, before, order, "classification must not mutate the order")

			team, ok := v.TeamCategory()
			if !v.Global() && ok {
				hasItems := len(order.Details.Items(team)) > 0
				assert.Equal(t, !hasItems, first == ClassExcluded, "excluded iff no team items: %s for %+v", order, v)
			}
		}
	}
}

func TestClassificationPartition(t *testing.T) {
	p, ok := ClassLive.Partition()
	assert.True(t, ok)
	assert.Equal(t, PartitionLive, p)
	p, ok = ClassPast.Partition()
	assert.True(t, ok)
	assert.Equal(t, PartitionPast, p)
	_, ok = ClassExcluded.Partition()
	assert.False(t, ok)
}
