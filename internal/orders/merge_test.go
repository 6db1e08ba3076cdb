package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameOrderIdentity(t *testing.T) {
	assert.True(t, SameOrder(Order{ID: "a", OrderNumber: "1"}, Order{ID: "a", OrderNumber: "2"}))
	assert.False(t, SameOrder(Order{ID: "a", OrderNumber: "1"}, Order{ID: "b", OrderNumber: "1"}), "ids decide when both are known")
	assert.True(t, SameOrder(Order{OrderNumber: "1"}, Order{ID: "b", OrderNumber: "1"}), "number fallback for an echo without id")
	assert.False(t, SameOrder(Order{}, Order{}))
	assert.False(t, SameOrder(Order{ID: " "}, Order{ID: " "}))
}

func TestMergeReplacesInPlaceAndAppends(t *testing.T) {
	existing := []Order{glassOrder("a", "1", 10, 0), glassOrder("b", "2", 10, 0)}
	updated := glassOrder("a", "1", 10, 4)
	fresh := glassOrder("c", "3", 1, 0)

	merged := Merge(existing, updated, fresh)
	require.Len(t, merged, 3)
	assert.Equal(t, updated, merged[0])
	assert.Equal(t, "b", merged[1].ID)
	assert.Equal(t, "c", merged[2].ID)
	assert.Equal(t, 0, existing[0].Details.Glass[0].Tracking.TotalCompletedQty, "input must not change")
}

func TestMergeDropsLaterDuplicatesAndSkipsAnonymous(t *testing.T) {
	existing := []Order{
		{OrderNumber: "7"},
		glassOrder("x", "8", 1, 0),
		{ID: "z", OrderNumber: "7"},
	}
	incoming := Order{ID: "z", OrderNumber: "7", CustomerName: "Acme"}

	merged := Merge(existing, incoming, Order{CustomerName: "nobody"})
	require.Len(t, merged, 2)
	assert.Equal(t, "Acme", merged[0].CustomerName)
	assert.Equal(t, "x", merged[1].ID)
}

func TestMergeByNumberKeepsDistinctIDs(t *testing.T) {
	existing := []Order{
		{ID: "a", OrderNumber: "1001", CustomerName: "Acme"},
		{ID: "b", OrderNumber: "1001", CustomerName: "Borealis"},
	}
	echo := Order{OrderNumber: "1001", CustomerName: "Acme Labs"}

	merged := Merge(existing, echo)
	require.Len(t, merged, 2)
	assert.Equal(t, "Acme Labs", merged[0].CustomerName)
	assert.Equal(t, "b", merged[1].ID)
	assert.Equal(t, merged, Merge(merged, echo))
}

func TestMergeIsIdempotent(t *testing.T) {
	lists := [][]Order{
		nil,
		{glassOrder("a", "1", 10, 0)},
		{glassOrder("a", "1", 10, 0), {OrderNumber: "2"}, glassOrder("c", "3", 5, 5)},
		{{OrderNumber: "2"}, {ID: "q", OrderNumber: "2"}},
	}
	records := []Order{
		glassOrder("a", "1", 10, 10),
		{ID: "q", OrderNumber: "2", CustomerName: "late"},
		{OrderNumber: "3"},
		{OrderNumber: "99"},
	}
	for _, policy := range []MergePolicy{LastArrivalWins, HighestRevisionWins} {
		for _, list := range lists {
			for _, x := range records {
				once := policy.Merge(list, x)
				twice := policy.Merge(once, x)
				assert.Equal(t, once, twice, "%s merge of %s", policy, x)
			}
		}
	}
}

func TestHighestRevisionWinsKeepsNewerCopy(t *testing.T) {
	newer := glassOrder("a", "1", 10, 10)
	newer.Version = 5
	stale := glassOrder("a", "1", 10, 0)
	stale.Version = 3

	merged := HighestRevisionWins.Merge([]Order{newer}, stale)
	require.Len(t, merged, 1)
	assert.Equal(t, 10, merged[0].Details.Glass[0].Tracking.TotalCompletedQty)

	merged = LastArrivalWins.Merge([]Order{newer}, stale)
	assert.Equal(t, 0, merged[0].Details.Glass[0].Tracking.TotalCompletedQty)

	byTime := glassOrder("a", "1", 10, 2)
	byTime.UpdatedAt = fixtureTime
	olderTime := glassOrder("a", "1", 10, 1)
	olderTime.UpdatedAt = fixtureTime.Add(-time.Minute)
	merged = HighestRevisionWins.Merge([]Order{byTime}, olderTime)
	assert.Equal(t, 2, merged[0].Details.Glass[0].Tracking.TotalCompletedQty)

	unversioned := glassOrder("a", "1", 10, 7)
	merged = HighestRevisionWins.Merge([]Order{newer}, unversioned)
	assert.Equal(t, 7, merged[0].Details.Glass[0].Tracking.TotalCompletedQty, "no revision falls back to arrival order")
}

func TestParseMergePolicy(t *testing.T) {
	p, err := ParseMergePolicy("")
	require.NoError(t, err)
	assert.Equal(t, LastArrivalWins, p)
	p, err = ParseMergePolicy("Highest-Revision")
	require.NoError(t, err)
	assert.Equal(t, HighestRevisionWins, p)
	_, err = ParseMergePolicy("newest")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemove(t *testing.T) {
	list := []Order{glassOrder("a", "1", 1, 0), {OrderNumber: "2"}, glassOrder("a", "9", 1, 0)}
	out := Remove(list, Order{ID: "a"})
	require.Len(t, out, 1)
	assert.Equal(t, "2", out[0].OrderNumber)
	assert.Len(t, list, 3)
	assert.False(t, Contains(out, Order{ID: "a"}))
}
