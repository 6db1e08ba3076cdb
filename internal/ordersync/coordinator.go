package ordersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/orderdesk/internal/cachestore"
	"github.com/agentworkforce/orderdesk/internal/eventbus"
	"github.com/agentworkforce/orderdesk/internal/orders"
)

var (
	ErrMalformedRecord = errors.New("malformed order record")
	ErrActionPanicked  = errors.New("action failed and was rolled back")
	ErrUnknownAction   = errors.New("unknown action")
	ErrClosed          = errors.New("coordinator closed")
)

type Logger interface {
	Printf(format string, args ...any)
}

// OrderSource fetches one partition of the viewer's orders from the system
// of record.
type OrderSource interface {
	FetchOrders(ctx context.Context, viewer orders.Viewer, partition orders.Partition) ([]orders.Order, error)
}

type Options struct {
	Viewer  orders.Viewer
	Cache   *cachestore.Cache
	Source  OrderSource
	Policy  orders.MergePolicy
	Logger  Logger
	Metrics *Metrics
	// OnNewOrder runs when a pushed order was not held before.
	OnNewOrder func(orders.Order)
	// OnChange runs once per partition whose contents an action changed.
	OnChange func(Change)
}

type partitions struct {
	live []orders.Order
	past []orders.Order
}

func (s *partitions) get(p orders.Partition) []orders.Order {
	if p == orders.PartitionPast {
		return s.past
	}
	return s.live
}

func (s *partitions) set(p orders.Partition, list []orders.Order) {
	if p == orders.PartitionPast {
		s.past = list
	} else {
		s.live = list
	}
}

// Coordinator owns one viewer's live and past lists: the state of one tab.
// Actions are applied one at a time through Dispatch; readers see immutable
// snapshots and never block on a dispatch.
//
// Handlers on the cache's event bus run while an action is being applied and
// must not call Dispatch on the same coordinator.
type Coordinator struct {
	viewer     orders.Viewer
	cache      *cachestore.Cache
	source     OrderSource
	policy     orders.MergePolicy
	logger     Logger
	metrics    *Metrics
	onNewOrder func(orders.Order)
	onChange   func(Change)

	scope     string
	keys      map[orders.Partition]string
	cacheable bool

	mu    sync.Mutex
	state atomic.Pointer[partitions]
	// Guarded by mu for the duration of one Dispatch.
	touched map[orders.Partition]bool
	hooks   []func()

	lifecycle     sync.Mutex
	started       bool
	closed        bool
	cancelSignals func()
	cancelRefresh context.CancelFunc
	refreshes     sync.WaitGroup
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		viewer:     opts.Viewer,
		cache:      opts.Cache,
		source:     opts.Source,
		policy:     opts.Policy,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		onNewOrder: opts.OnNewOrder,
		onChange:   opts.OnChange,
		keys:       map[orders.Partition]string{},
	}
	scope, ok := opts.Viewer.Scope()
	if ok {
		c.scope = scope
		c.cacheable = opts.Cache != nil
		for _, p := range orders.Partitions() {
			key, _ := orders.ResolveKey(opts.Viewer, p)
			c.keys[p] = key
		}
	} else {
		c.scope = "unresolved"
	}
	c.state.Store(&partitions{live: []orders.Order{}, past: []orders.Order{}})
	return c
}

func (c *Coordinator) Viewer() orders.Viewer {
	return c.viewer
}

// Key returns the cache key of partition p, or false when the viewer's team
// cannot be resolved.
func (c *Coordinator) Key(p orders.Partition) (string, bool) {
	key, ok := c.keys[p]
	return key, ok
}

// Orders returns a copy of the in-memory list for p.
func (c *Coordinator) Orders(p orders.Partition) []orders.Order {
	snap := c.state.Load()
	return append([]orders.Order{}, snap.get(p)...)
}

// Find looks an order up by order number in both partitions.
func (c *Coordinator) Find(orderNumber string) (orders.Order, orders.Partition, bool) {
	probe := orders.Order{OrderNumber: strings.TrimSpace(orderNumber)}
	snap := c.state.Load()
	for _, p := range orders.Partitions() {
		list := snap.get(p)
		if idx := orders.IndexOf(list, probe); idx >= 0 {
			return list[idx], p, true
		}
	}
	return orders.Order{}, "", false
}

// Counts is the status summary of the viewer's partitions.
type Counts struct {
	Live int `json:"live"`
	Past int `json:"past"`
}

func (c *Coordinator) Counts() Counts {
	snap := c.state.Load()
	return Counts{Live: len(snap.live), Past: len(snap.past)}
}

// Start subscribes to writes from other tabs and loads the partitions. The
// context bounds the initial fetch and any background refresh.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return ErrClosed
	}
	if c.started {
		c.lifecycle.Unlock()
		return nil
	}
	c.started = true
	refreshCtx, cancel := context.WithCancel(ctx)
	c.cancelRefresh = cancel
	if c.cacheable {
		cancelSignals, err := c.cache.Subscribe(func(key string) {
			_ = c.Dispatch(CrossTabSync(key))
		})
		switch {
		case errors.Is(err, cachestore.ErrNoSignals):
			c.logf("%s: cache backend has no change signals; other tabs will not be followed", c.scope)
		case err != nil:
			c.logf("%s: subscribe to cache signals failed: %v", c.scope, err)
		default:
			c.cancelSignals = cancelSignals
		}
	}
	c.lifecycle.Unlock()
	return c.Load(refreshCtx)
}

// Close stops following other tabs and waits for a background refresh to
// finish. Closing never holds the dispatch lock, since signal handlers may be
// waiting on it.
func (c *Coordinator) Close() {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return
	}
	c.closed = true
	cancelSignals := c.cancelSignals
	cancelRefresh := c.cancelRefresh
	c.cancelSignals = nil
	c.lifecycle.Unlock()

	if cancelSignals != nil {
		cancelSignals()
	}
	if cancelRefresh != nil {
		cancelRefresh()
	}
	c.refreshes.Wait()
}

// Load seeds the lists from the cache. With nothing cached it fetches before
// returning; otherwise the cached lists are served while a refresh runs in
// the background.
func (c *Coordinator) Load(ctx context.Context) error {
	if !c.cacheable {
		if c.scope == "unresolved" {
			c.logf("viewer %q has no resolvable team; skipping cache load", c.viewer.Team)
			return nil
		}
		return c.Refresh(ctx)
	}
	live := c.cache.Get(c.keys[orders.PartitionLive])
	past := c.cache.Get(c.keys[orders.PartitionPast])
	c.mu.Lock()
	c.replace(c.exclusive(live, past))
	c.mu.Unlock()

	if len(live) == 0 && len(past) == 0 {
		return c.Refresh(ctx)
	}
	if c.source == nil {
		return nil
	}
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.refreshes.Add(1)
	c.lifecycle.Unlock()
	go func() {
		defer c.refreshes.Done()
		if err := c.Refresh(ctx); err != nil {
			c.logf("%s: background refresh failed: %v", c.scope, err)
		}
	}()
	return nil
}

// Refresh fetches both partitions from the source and applies each result
// as a Fetched action. A failed partition leaves its list as it was.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	var errs []error
	for _, p := range orders.Partitions() {
		list, err := c.source.FetchOrders(ctx, c.viewer, p)
		if err != nil {
			c.metrics.fetchError(c.scope, p)
			errs = append(errs, fmt.Errorf("fetch %s: %w", p.OrderType(), err))
			continue
		}
		if err := c.Dispatch(Fetched(list)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch applies one action. Malformed records are dropped and reported
// in the returned error while the rest of the action still applies. A panic
// while applying restores the previous lists in memory and in the cache.
// OnNewOrder and OnChange run once the action is applied; a panic in one of
// them is logged and leaves the action in place.
func (c *Coordinator) Dispatch(action Action) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	c.touched = map[orders.Partition]bool{}
	c.hooks = nil
	defer func() {
		if r := recover(); r != nil {
			c.hooks = nil
			c.rollback(prev)
			c.metrics.recovered(c.scope, action.Kind)
			c.logf("%s: %s action panicked, state restored: %v", c.scope, action.Kind, r)
			err = fmt.Errorf("%w: %s: %v", ErrActionPanicked, action.Kind, r)
			return
		}
		c.runHooks(action.Kind)
	}()

	c.metrics.action(c.scope, action.Kind)
	switch action.Kind {
	case ActionFetched:
		return c.applyFetched(action.Orders)
	case ActionPushCreated, ActionLocalCreate:
		return c.applyCreated(action.Order, action.Kind == ActionPushCreated)
	case ActionPushUpdated, ActionLocalEdit:
		return c.applyUpdated(action.Order)
	case ActionPushDeleted, ActionLocalDelete:
		return c.applyDeleted(action.Order)
	case ActionCrossTabSync:
		c.applyCrossTab(action.Key)
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownAction, action.Kind)
	}
}

// admit checks an incoming record. Records without identity are rejected;
// inconsistent completion tracking is reported but the record is kept,
// since the server copy is authoritative.
func (c *Coordinator) admit(kind string, order orders.Order) error {
	if !order.HasIdentity() {
		c.metrics.dropped(c.scope, "missing_identity")
		c.logf("%s: dropping %s record without id or order number", c.scope, kind)
		return fmt.Errorf("%w: %v", ErrMalformedRecord, orders.ErrMissingIdentity)
	}
	if err := orders.CheckInvariants(order); err != nil {
		c.metrics.invariant(c.scope)
		c.logf("%s: order %s has inconsistent tracking: %v", c.scope, order, err)
	}
	return nil
}

// stale reports whether a held copy is newer than order under the policy.
func (c *Coordinator) stale(cur *partitions, order orders.Order) bool {
	if c.policy != orders.HighestRevisionWins {
		return false
	}
	incoming := order.Revision()
	if incoming == 0 {
		return false
	}
	for _, p := range orders.Partitions() {
		list := cur.get(p)
		if idx := orders.IndexOf(list, order); idx >= 0 {
			held := list[idx].Revision()
			if held != 0 && held > incoming {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) applyFetched(list []orders.Order) error {
	cur := c.state.Load()
	next := &partitions{live: cur.live, past: cur.past}
	dropped := 0
	for _, order := range list {
		if err := c.admit("fetched", order); err != nil {
			dropped++
			continue
		}
		if c.stale(next, order) {
			continue
		}
		c.place(next, order)
	}
	c.commit(cur, next)
	if dropped > 0 {
		return fmt.Errorf("%w: %d fetched records dropped", ErrMalformedRecord, dropped)
	}
	return nil
}

func (c *Coordinator) applyCreated(order orders.Order, pushed bool) error {
	if err := c.admit("created", order); err != nil {
		return err
	}
	cur := c.state.Load()
	if _, ok := orders.Classify(order, c.viewer).Partition(); !ok {
		return nil
	}
	if c.stale(cur, order) {
		return nil
	}
	held := orders.Contains(cur.live, order) || orders.Contains(cur.past, order)
	next := &partitions{live: cur.live, past: cur.past}
	c.place(next, order)
	c.commit(cur, next)
	if pushed && !held && c.onNewOrder != nil {
		c.hooks = append(c.hooks, func() { c.onNewOrder(order) })
	}
	return nil
}

func (c *Coordinator) applyUpdated(order orders.Order) error {
	if err := c.admit("updated", order); err != nil {
		return err
	}
	cur := c.state.Load()
	if c.stale(cur, order) {
		return nil
	}
	next := &partitions{live: cur.live, past: cur.past}
	c.place(next, order)
	c.commit(cur, next)
	return nil
}

// place puts order into the partition it classifies into and takes it out
// of the other one. An excluded order leaves both.
func (c *Coordinator) place(next *partitions, order orders.Order) {
	target, ok := orders.Classify(order, c.viewer).Partition()
	if !ok {
		for _, p := range orders.Partitions() {
			next.set(p, orders.Remove(next.get(p), order))
		}
		return
	}
	other := target.Other()
	if orders.Contains(next.get(other), order) {
		next.set(other, orders.Remove(next.get(other), order))
		c.metrics.migration(c.scope, other, target)
	}
	next.set(target, c.policy.Merge(next.get(target), order))
}

func (c *Coordinator) applyDeleted(order orders.Order) error {
	if !order.HasIdentity() {
		c.metrics.dropped(c.scope, "missing_identity")
		c.logf("%s: dropping delete without id or order number", c.scope)
		return fmt.Errorf("%w: %v", ErrMalformedRecord, orders.ErrMissingIdentity)
	}
	cur := c.state.Load()
	next := &partitions{
		live: orders.Remove(cur.live, order),
		past: orders.Remove(cur.past, order),
	}
	c.commit(cur, next)
	if !c.cacheable {
		return nil
	}
	// Other scopes persisted in the origin drop the order too; their own
	// tabs follow through the cross-tab signal.
	for _, key := range c.cache.Keys() {
		if !orders.IsOrderKey(key) || c.ownsKey(key) {
			continue
		}
		if err := c.cache.Delete(key, order); err != nil {
			c.logf("%s: removing %s from %s failed: %v", c.scope, order, key, err)
		}
	}
	return nil
}

func (c *Coordinator) ownsKey(key string) bool {
	for _, own := range c.keys {
		if own == key {
			return true
		}
	}
	return false
}

// applyCrossTab adopts what another tab persisted for one of this viewer's
// keys. The other tab already merged, so the list is taken as is.
func (c *Coordinator) applyCrossTab(key string) {
	if !c.cacheable {
		return
	}
	p, ok := orders.PartitionOfKey(key)
	if !ok || c.keys[p] != key {
		return
	}
	cur := c.state.Load()
	list := c.cache.Get(key)
	next := &partitions{live: cur.live, past: cur.past}
	next.set(p, list)
	// The other tab writes its two partitions separately; until the second
	// write arrives a migrated order would otherwise show up twice.
	other := p.Other()
	for _, order := range list {
		next.set(other, orders.Remove(next.get(other), order))
	}
	c.replace(next)
	c.report(cur, next)
	c.cache.Bus().Publish(eventbus.Notification{Key: key, Orders: append([]orders.Order{}, list...), Origin: eventbus.OriginRemote})
}

// exclusive resolves orders cached in both partitions, which two tabs
// writing concurrently can leave behind, by keeping each where it classifies.
func (c *Coordinator) exclusive(live, past []orders.Order) *partitions {
	out := &partitions{live: live, past: past}
	for _, order := range live {
		if !orders.Contains(past, order) {
			continue
		}
		if orders.Classify(order, c.viewer) == orders.ClassPast {
			out.live = orders.Remove(out.live, order)
		} else {
			out.past = orders.Remove(out.past, order)
		}
	}
	return out
}

// commit swaps in next and persists every partition that changed.
func (c *Coordinator) commit(cur, next *partitions) {
	c.replace(next)
	c.report(cur, next)
	if !c.cacheable {
		return
	}
	for _, p := range orders.Partitions() {
		if sameList(cur.get(p), next.get(p)) {
			continue
		}
		// Write failures are logged and counted by the cache; memory stays
		// ahead of the store until the next successful write.
		c.touched[p] = true
		_ = c.cache.Set(c.keys[p], next.get(p))
	}
}

// rollback restores prev in memory and writes it back to every partition
// this action already persisted.
func (c *Coordinator) rollback(prev *partitions) {
	c.replace(prev)
	if !c.cacheable {
		return
	}
	for _, p := range orders.Partitions() {
		if !c.touched[p] {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logf("%s: restoring %s after a failed action panicked: %v", c.scope, p, r)
				}
			}()
			key := c.keys[p]
			if sameList(c.cache.Get(key), prev.get(p)) {
				return
			}
			_ = c.cache.Set(key, prev.get(p))
		}()
	}
}

func (c *Coordinator) runHooks(kind ActionKind) {
	hooks := c.hooks
	c.hooks = nil
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.metrics.recovered(c.scope, kind)
					c.logf("%s: %s hook panicked: %v", c.scope, kind, r)
				}
			}()
			hook()
		}()
	}
}

func (c *Coordinator) replace(next *partitions) {
	c.state.Store(next)
	c.metrics.sizes(c.scope, len(next.live), len(next.past))
}

func (c *Coordinator) report(cur, next *partitions) {
	for _, p := range orders.Partitions() {
		if sameList(cur.get(p), next.get(p)) {
			continue
		}
		change := diff(c.keys[p], p, cur.get(p), next.get(p))
		if change.Empty() {
			continue
		}
		c.logf("%s %s: +%d -%d ~%d", c.scope, p, len(change.Added), len(change.Removed), len(change.Updated))
		if c.onChange != nil {
			c.hooks = append(c.hooks, func() { c.onChange(change) })
		}
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func sameList(a, b []orders.Order) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameContent(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameContent(a, b orders.Order) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(left, right)
}
