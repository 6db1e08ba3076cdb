package ordersync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/orderdesk/internal/cachestore"
	"github.com/agentworkforce/orderdesk/internal/eventbus"
	"github.com/agentworkforce/orderdesk/internal/orders"
)

var (
	dispatcher  = orders.Viewer{Name: "dana", Role: orders.RoleDispatcher}
	glassViewer = orders.Viewer{Name: "gita", Role: orders.RoleMember, Team: "Glass Team"}
	capsViewer  = orders.Viewer{Name: "cory", Role: orders.RoleMember, Team: "caps"}
)

var testTime = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func glassOrder(id, number string, qty, done int) orders.Order {
	item := orders.OrderItem{ID: id + "-g1", GlassName: "Amber 100ml", Quantity: qty}
	item.Tracking.TotalCompletedQty = done
	if done > 0 {
		item.Tracking.CompletedEntries = []orders.CompletionEntry{{QtyCompleted: done, Timestamp: testTime}}
	}
	if done >= qty {
		item.Tracking.Status = orders.StatusCompleted
	} else {
		item.Tracking.Status = orders.StatusPending
	}
	return orders.Order{
		ID:          id,
		OrderNumber: number,
		Status:      orders.StatusPending,
		Details:     orders.OrderDetails{Glass: []orders.OrderItem{item}},
	}
}

func capsOnlyOrder(id, number string) orders.Order {
	return orders.Order{
		ID:          id,
		OrderNumber: number,
		Status:      orders.StatusPending,
		Details: orders.OrderDetails{
			Caps: []orders.OrderItem{{ID: id + "-c1", CapName: "Crimp", Quantity: 2}},
		},
	}
}

type tab struct {
	coord *Coordinator
	cache *cachestore.Cache
	bus   *eventbus.Bus
}

func newTab(t *testing.T, origin cachestore.Backend, viewer orders.Viewer, opts Options) tab {
	t.Helper()
	bus := eventbus.New()
	cache := cachestore.New(origin, cachestore.Options{Bus: bus, Hooks: opts.Metrics.CacheHooks()})
	opts.Viewer = viewer
	opts.Cache = cache
	coord := NewCoordinator(opts)
	t.Cleanup(coord.Close)
	return tab{coord: coord, cache: cache, bus: bus}
}

func numbers(list []orders.Order) []string {
	out := make([]string, 0, len(list))
	for _, order := range list {
		out = append(out, order.OrderNumber)
	}
	return out
}

func requireEventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, what)
}

// fakeSource serves canned partitions and can hold a fetch until released.
type fakeSource struct {
	mu      sync.Mutex
	lists   map[orders.Partition][]orders.Order
	err     error
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{lists: map[orders.Partition][]orders.Order{}}
}

func (s *fakeSource) set(p orders.Partition, list ...orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[p] = list
}

func (s *fakeSource) FetchOrders(ctx context.Context, viewer orders.Viewer, p orders.Partition) ([]orders.Order, error) {
	s.mu.Lock()
	s.calls++
	list := append([]orders.Order(nil), s.lists[p]...)
	err := s.err
	gate := s.gate
	started := s.started
	s.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", p, err)
	}
	return list, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
