package cachestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentworkforce/orderdesk/internal/eventbus"
	"github.com/agentworkforce/orderdesk/internal/orders"
)

type Logger interface {
	Printf(format string, args ...any)
}

func logf(l Logger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Printf(format, args...)
}

// Hooks observe conditions the cache otherwise only logs.
type Hooks struct {
	// OnDropped reports records skipped while reading key.
	OnDropped func(key string, n int)
	// OnWriteFailure reports a write that did not reach the backend.
	OnWriteFailure func(key string, err error)
	// OnLostUpdate reports a write that replaced contents this cache had not
	// read: another tab wrote seq found after this cache last saw seq known.
	OnLostUpdate func(key string, known, found uint64)
}

type Options struct {
	Bus    *eventbus.Bus
	Logger Logger
	Hooks  Hooks
}

// Cache reads and writes order lists at partition keys. It never returns an
// error for reads: absent or corrupt entries read as empty.
type Cache struct {
	backend Backend
	bus     *eventbus.Bus
	logger  Logger
	hooks   Hooks

	mu      sync.Mutex
	seqs    map[string]uint64
	written map[string][sha256.Size]byte
}

type storedEntry struct {
	Seq    uint64         `json:"seq"`
	Orders []orders.Order `json:"orders"`
}

type loadedEntry struct {
	Seq    uint64            `json:"seq"`
	Orders []json.RawMessage `json:"orders"`
}

func New(backend Backend, opts Options) *Cache {
	return &Cache{
		backend: backend,
		bus:     opts.Bus,
		logger:  opts.Logger,
		hooks:   opts.Hooks,
		seqs:    map[string]uint64{},
		written: map[string][sha256.Size]byte{},
	}
}

func (c *Cache) Backend() Backend {
	return c.backend
}

func (c *Cache) Bus() *eventbus.Bus {
	return c.bus
}

// Get returns the orders stored at key.
func (c *Cache) Get(key string) []orders.Order {
	data, err := c.backend.Load(key)
	if err != nil {
		c.logf("cache read %s failed: %v", key, err)
		return []orders.Order{}
	}
	entry, err := decodeEntry(data)
	if err != nil {
		c.logf("cache entry %s is corrupt, treating as empty: %v", key, err)
		return []orders.Order{}
	}
	list, dropped := orders.DecodeOrders(entry.Orders)
	if dropped > 0 {
		c.logf("cache entry %s: dropped %d malformed records", key, dropped)
		if c.hooks.OnDropped != nil {
			c.hooks.OnDropped(key, dropped)
		}
	}
	c.mu.Lock()
	c.seqs[key] = entry.Seq
	c.mu.Unlock()
	return list
}

// decodeEntry accepts the sequenced envelope and a bare JSON array.
func decodeEntry(data []byte) (loadedEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return loadedEntry{}, nil
	}
	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return loadedEntry{}, err
		}
		return loadedEntry{Orders: raw}, nil
	}
	var entry loadedEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return loadedEntry{}, err
	}
	return entry, nil
}

// Set persists list at key and then notifies in-tab subscribers. Subscribers
// are notified even when the write fails so the tab's views follow its
// in-memory state; the error is logged and returned.
func (c *Cache) Set(key string, list []orders.Order) error {
	if key == "" {
		return ErrInvalidInput
	}
	snapshot := append([]orders.Order{}, list...)
	err := c.persist(key, snapshot)
	if err != nil {
		c.logf("cache write %s failed: %v", key, err)
		if c.hooks.OnWriteFailure != nil {
			c.hooks.OnWriteFailure(key, err)
		}
	}
	c.bus.Publish(eventbus.Notification{Key: key, Orders: snapshot, Origin: eventbus.OriginLocal})
	return err
}

func (c *Cache) persist(key string, list []orders.Order) error {
	if locker, ok := c.backend.(Locker); ok {
		unlock, err := locker.Lock(key)
		if err != nil {
			c.logf("cache lock %s failed, writing unlocked: %v", key, err)
		} else {
			defer unlock()
		}
	}
	current, err := c.storedSeq(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	known, seen := c.seqs[key]
	c.mu.Unlock()
	if seen && current != known {
		c.logf("cache entry %s changed underneath this tab (seq %d, expected %d); overwriting", key, current, known)
		if c.hooks.OnLostUpdate != nil {
			c.hooks.OnLostUpdate(key, known, current)
		}
	}
	next := max(current, known) + 1
	data, err := json.Marshal(storedEntry{Seq: next, Orders: list})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	// The hash is recorded before saving because backends may signal before
	// Save returns.
	c.mu.Lock()
	previous, hadPrevious := c.written[key]
	c.written[key] = sha256.Sum256(data)
	c.mu.Unlock()
	if err := c.backend.Save(key, data); err != nil {
		c.mu.Lock()
		if hadPrevious {
			c.written[key] = previous
		} else {
			delete(c.written, key)
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.seqs[key] = next
	c.mu.Unlock()
	return nil
}

func (c *Cache) storedSeq(key string) (uint64, error) {
	data, err := c.backend.Load(key)
	if err != nil {
		return 0, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return 0, nil
	}
	return entry.Seq, nil
}

// Seq returns the sequence number this cache last read or wrote for key.
func (c *Cache) Seq(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs[key]
}

// Delete removes target from the list at key. Nothing is written when the
// order is not there.
func (c *Cache) Delete(key string, target orders.Order) error {
	list := c.Get(key)
	if !orders.Contains(list, target) {
		return nil
	}
	return c.Set(key, orders.Remove(list, target))
}

// Keys lists every key in the backend, or nil when listing fails.
func (c *Cache) Keys() []string {
	keys, err := c.backend.Keys()
	if err != nil {
		c.logf("cache key listing failed: %v", err)
		return nil
	}
	return keys
}

// Subscribe reports keys written by other tabs. Signals caused by this
// cache's own writes are filtered out.
func (c *Cache) Subscribe(fn func(key string)) (func(), error) {
	signaler, ok := c.backend.(Signaler)
	if !ok {
		return func() {}, ErrNoSignals
	}
	return signaler.Subscribe(func(key string) {
		if c.ownWrite(key) {
			return
		}
		fn(key)
	})
}

func (c *Cache) ownWrite(key string) bool {
	c.mu.Lock()
	sum, ok := c.written[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	data, err := c.backend.Load(key)
	if err != nil {
		return false
	}
	return sha256.Sum256(data) == sum
}

func (c *Cache) logf(format string, args ...any) {
	logf(c.logger, format, args...)
}
