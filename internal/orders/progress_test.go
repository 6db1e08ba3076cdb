package orders

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInvariantsFlagsInconsistentTracking(t *testing.T) {
	require.NoError(t, CheckInvariants(glassOrder("a", "1", 10, 4)))

	mismatch := glassOrder("a", "1", 10, 4)
	mismatch.Details.Glass[0].Tracking.TotalCompletedQty = 6
	err := CheckInvariants(mismatch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrackingMismatch)
	assert.NotErrorIs(t, err, ErrOverCompleted)

	over := glassOrder("a", "1", 10, 12)
	err = CheckInvariants(over)
	assert.ErrorIs(t, err, ErrOverCompleted)

	var invariant *InvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Equal(t, TeamGlass, invariant.Team)
	assert.Equal(t, "a-g1", invariant.ItemID)
}

func TestApplyProgressRecordsEntries(t *testing.T) {
	order := glassOrder("a", "1001", 10, 0)
	now := fixtureTime.Add(time.Hour)

	updated, err := ApplyProgress(order, ProgressUpdate{
		OrderNumber: "1001",
		TeamType:    "Glass",
		Updates:     []ItemProgress{{ItemID: "a-g1", QtyCompleted: 4}},
	}, now)
	require.NoError(t, err)
	item := updated.Details.Glass[0]
	assert.Equal(t, 4, item.Tracking.TotalCompletedQty)
	assert.Equal(t, StatusInProgress, item.Tracking.Status)
	assert.Equal(t, []CompletionEntry{{QtyCompleted: 4, Timestamp: now}}, item.Tracking.CompletedEntries)
	assert.Equal(t, now, updated.LastUpdated)
	assert.Equal(t, ClassLive, Classify(updated, glassMember))
	require.NoError(t, CheckInvariants(updated))
	assert.Equal(t, 0, order.Details.Glass[0].Tracking.TotalCompletedQty, "input must not change")

	done, err := ApplyProgress(updated, ProgressUpdate{
		OrderNumber: "1001",
		TeamType:    "glass",
		Updates:     []ItemProgress{{ItemID: "a-g1", QtyCompleted: 6}},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Details.Glass[0].Tracking.Status)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, ClassPast, Classify(done, glassMember))
	assert.Equal(t, ClassPast, Classify(done, dispatcher))
}

func TestApplyProgressRejectsInvalidUpdates(t *testing.T) {
	order := glassOrder("a", "1001", 10, 8)

	_, err := ApplyProgress(order, ProgressUpdate{
		OrderNumber: "1001", TeamType: "glass",
		Updates: []ItemProgress{{ItemID: "a-g1", QtyCompleted: 3}},
	}, fixtureTime)
	assert.ErrorIs(t, err, ErrOverCompleted)

	_, err = ApplyProgress(order, ProgressUpdate{
		OrderNumber: "1001", TeamType: "glass",
		Updates: []ItemProgress{{ItemID: "missing", QtyCompleted: 1}},
	}, fixtureTime)
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = ApplyProgress(order, ProgressUpdate{
		OrderNumber: "1001", TeamType: "labels",
		Updates: []ItemProgress{{ItemID: "a-g1", QtyCompleted: 1}},
	}, fixtureTime)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ApplyProgress(order, ProgressUpdate{OrderNumber: "1001", TeamType: "glass"}, fixtureTime)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ApplyProgress(order, ProgressUpdate{
		OrderNumber: "1001", TeamType: "glass",
		Updates: []ItemProgress{{ItemID: "a-g1", QtyCompleted: 0}},
	}, fixtureTime)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewOrderValidateAndBuild(t *testing.T) {
	input := NewOrder{
		OrderNumber:    " 2001 ",
		DispatcherName: "dana",
		CustomerName:   "Acme",
		Details: OrderDetails{
			Caps: []OrderItem{{ID: "c1", CapName: "Crimp", Quantity: 3}},
		},
	}
	require.NoError(t, input.Validate())

	order := input.Order(fixtureTime)
	assert.Equal(t, "2001", order.OrderNumber)
	assert.Empty(t, order.ID)
	assert.True(t, order.HasIdentity())
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "caps", order.Details.Caps[0].Team)
	assert.Equal(t, StatusPending, order.Details.Caps[0].Tracking.Status)
	assert.Empty(t, input.Details.Caps[0].Team, "input must not change")

	missing := input
	missing.CustomerName = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidInput)

	empty := input
	empty.Details = OrderDetails{}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidInput)

	zero := input
	zero.Details = OrderDetails{Pumps: []OrderItem{{Quantity: 0}}}
	assert.ErrorIs(t, zero.Validate(), ErrInvalidInput)
}

func TestTargetTeams(t *testing.T) {
	order := glassOrder("a", "1", 1, 0)
	order.Details.Pumps = []OrderItem{{ID: "p", Quantity: 1}}
	assert.Equal(t, []Team{TeamGlass, TeamPumps}, TargetTeams(order, capsMember))
	assert.Equal(t, []Team{TeamCaps}, TargetTeams(Order{OrderNumber: "2"}, capsMember))
	assert.Nil(t, TargetTeams(Order{OrderNumber: "2"}, dispatcher))
}

func TestDecodeOrdersDropsMalformedRecords(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"_id":"a","order_number":"1","order_status":"Pending","order_details":{"glass":[{"_id":"g","quantity":2,"team_tracking":{"total_completed_qty":0,"status":"Pending"}}]}}`),
		json.RawMessage(`{"order_number":"2","created_at":"2026-03-02T09:30:00Z"}`),
		json.RawMessage(`{"customer_name":"no identity"}`),
		json.RawMessage(`{"_id":"","order_number":""}`),
		json.RawMessage(`{"_id":"c","order_details":{"caps":"not a list"}}`),
		json.RawMessage(`{"_id":"d","order_details":{"caps":[{"quantity":-1}]}}`),
		json.RawMessage(`[1,2]`),
		json.RawMessage(`{"_id":"e","order_number":"5","order_details":{"glass":null},"dispatcher_name":null}`),
	}
	decoded, dropped := DecodeOrders(raw)
	require.Len(t, decoded, 3)
	assert.Equal(t, 5, dropped)
	assert.Equal(t, "a", decoded[0].ID)
	assert.Equal(t, 2, decoded[0].Details.Glass[0].Quantity)
	assert.Equal(t, "2", decoded[1].OrderNumber)
	assert.Equal(t, fixtureTime, decoded[1].CreatedAt.UTC())
	assert.Equal(t, "e", decoded[2].ID)
}

func TestValidatePayloadReportsPayloadError(t *testing.T) {
	err := ValidatePayload([]byte(`{"_id":1}`))
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Error(t, ValidatePayload([]byte(`{`)))
	assert.NoError(t, ValidatePayload([]byte(`{"order_number":"17"}`)))
}
