package eventbus

import (
	"sync"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

// Origin tells subscribers where a partition change came from.
type Origin string

const (
	// OriginLocal marks a write performed by this tab.
	OriginLocal Origin = "local"
	// OriginRemote marks contents another tab persisted.
	OriginRemote Origin = "remote"
)

// Notification is the payload for every partition change.
type Notification struct {
	Key    string         `json:"key"`
	Orders []orders.Order `json:"orders"`
	Origin Origin         `json:"origin"`
}

type Handler func(Notification)

type subscription struct {
	id      uint64
	key     string
	handler Handler
}

// Bus is a synchronous publish/subscribe channel scoped to one tab. Handlers
// run on the publishing goroutine in subscription order and must not publish
// back into a path that holds the publisher's locks.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for notifications on key, or on every key when
// key is empty. The returned func removes the subscription and is safe to
// call more than once.
func (b *Bus) Subscribe(key string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, key: key, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers n to the matching subscribers registered at call time.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	b.mu.Lock()
	targets := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.key == "" || sub.key == n.Key {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, handler := range targets {
		handler(n)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
