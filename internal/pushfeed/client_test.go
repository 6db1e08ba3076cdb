package pushfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/orderdesk/internal/cachestore"
	"github.com/agentworkforce/orderdesk/internal/orders"
	"github.com/agentworkforce/orderdesk/internal/ordersync"
)

type recordingTarget struct {
	mu      sync.Mutex
	actions []ordersync.Action
	seen    chan struct{}
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{seen: make(chan struct{}, 16)}
}

func (r *recordingTarget) Dispatch(action ordersync.Action) error {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recordingTarget) kinds() []ordersync.ActionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ordersync.ActionKind, 0, len(r.actions))
	for _, action := range r.actions {
		out = append(out, action.Kind)
	}
	return out
}

func pushFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, event, orderJSON string) {
	t.Helper()
	data := json.RawMessage(`{"order":` + orderJSON + `,"_meta":{"teamType":"glass","createdBy":"dana"}}`)
	if err := wsjson.Write(ctx, conn, Frame{Event: event, Data: data}); err != nil {
		t.Errorf("write %s: %v", event, err)
	}
}

func waitSeen(t *testing.T, target *recordingTarget, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-target.seen:
		case <-time.After(3 * time.Second):
			t.Fatalf("expected %d dispatched actions, got %d", n, i)
		}
	}
}

func TestClientDispatchesPushedEventsAndEmits(t *testing.T) {
	registered := make(chan Registration, 1)
	emitted := make(chan Frame, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Errorf("read register: %v", err)
			return
		}
		var reg Registration
		if frame.Event != ordersync.EventRegister || json.Unmarshal(frame.Data, &reg) != nil {
			t.Errorf("expected register frame, got %+v", frame)
			return
		}
		registered <- reg

		pushFrame(t, ctx, conn, EventNewOrder, `{"_id":"o1","order_number":"1001"}`)
		pushFrame(t, ctx, conn, "typing", `{}`)
		pushFrame(t, ctx, conn, EventOrderUpdated, `{"order_number":""}`)
		pushFrame(t, ctx, conn, EventOrderEdited, `{"_id":"o1","order_number":"1001","customer_name":"Acme"}`)
		pushFrame(t, ctx, conn, EventOrderDeleted, `{"_id":"o1","order_number":"1001"}`)

		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		emitted <- frame
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	target := newRecordingTarget()
	viewer := orders.Viewer{UserID: "u1", Name: "gita", Role: orders.RoleMember, Team: "glass"}
	client := New(server.URL, target, Options{Viewer: viewer, Token: "secret"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case reg := <-registered:
		if reg.Name != "gita" || reg.SessionID != client.SessionID() {
			t.Fatalf("unexpected registration %+v", reg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a register frame")
	}

	waitSeen(t, target, 3)
	want := []ordersync.ActionKind{ordersync.ActionPushCreated, ordersync.ActionPushUpdated, ordersync.ActionPushDeleted}
	got := target.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, got)
		}
	}

	err := client.Emit(ctx, ordersync.EventCreateOrder, ordersync.Announcement{Order: orders.Order{OrderNumber: "4001"}})
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	select {
	case frame := <-emitted:
		if frame.Event != ordersync.EventCreateOrder {
			t.Fatalf("expected create-order, got %s", frame.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the server to receive the emitted frame")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from Run, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}

func TestClientReconnectsAfterServerClose(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var frame Frame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		if atomic.AddInt32(&connections, 1) == 1 {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		_, _, _ = conn.Read(r.Context())
	}))
	defer server.Close()

	reconnected := make(chan struct{}, 1)
	client := New(server.URL, nil, Options{
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		OnReconnect: func(context.Context) {
			reconnected <- struct{}{}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the client to reconnect")
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&connections) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 registrations, got %d", atomic.LoadInt32(&connections))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !client.Connected() {
		t.Fatalf("expected client to report connected")
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	client := New("ws://127.0.0.1:1/feed", nil, Options{})
	err := client.Emit(context.Background(), ordersync.EventDeleteOrder, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPushedOrderReachesCoordinator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var frame Frame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		pushFrame(t, r.Context(), conn, EventNewOrder,
			`{"_id":"o7","order_number":"1007","order_details":{"glass":[{"_id":"g1","quantity":3,"team_tracking":{"total_completed_qty":3,"completed_entries":[{"qty_completed":3,"timestamp":"2026-04-01T08:00:00Z"}]}}]}}`)
		_, _, _ = conn.Read(r.Context())
	}))
	defer server.Close()

	viewer := orders.Viewer{Name: "gita", Role: orders.RoleMember, Team: "glass"}
	cache := cachestore.New(cachestore.NewMemoryOrigin(), cachestore.Options{})
	coord := ordersync.NewCoordinator(ordersync.Options{Viewer: viewer, Cache: cache})
	defer coord.Close()

	client := New(server.URL, coord, Options{Viewer: viewer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for coord.Counts().Past != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected pushed order in past partition, got %+v", coord.Counts())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := jitter(time.Second)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("expected jitter within 20%%, got %s", got)
		}
	}
	if jitter(0) != 0 {
		t.Fatalf("expected zero delay to stay zero")
	}
}
