package cachestore

import (
	"sort"
	"sync"
)

// MemoryOrigin is a process-local origin. Every Cache built over the same
// MemoryOrigin behaves like a tab of the same browser origin: writes are
// visible to all of them and each other subscriber is signalled.
type MemoryOrigin struct {
	mu       sync.Mutex
	data     map[string][]byte
	nextID   uint64
	watchers map[uint64]*signalQueue
	locks    map[string]*sync.Mutex
	failNext error
}

func NewMemoryOrigin() *MemoryOrigin {
	return &MemoryOrigin{
		data:     map[string][]byte{},
		watchers: map[uint64]*signalQueue{},
		locks:    map[string]*sync.Mutex{},
	}
}

func (m *MemoryOrigin) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryOrigin) Save(key string, data []byte) error {
	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return err
	}
	m.data[key] = append([]byte(nil), data...)
	watchers := make([]*signalQueue, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.push(key)
	}
	return nil
}

// Put stores raw bytes without signalling, as if written before any tab
// started.
func (m *MemoryOrigin) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
}

// FailNextSave makes the next Save return err, simulating a full or broken
// store.
func (m *MemoryOrigin) FailNextSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryOrigin) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe delivers keys on a dedicated goroutine in write order.
func (m *MemoryOrigin) Subscribe(fn func(key string)) (func(), error) {
	if fn == nil {
		return nil, ErrInvalidInput
	}
	queue := newSignalQueue(fn)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = queue
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
			queue.stop()
		})
	}, nil
}

func (m *MemoryOrigin) Lock(key string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock, nil
}

// signalQueue hands keys to fn on its own goroutine so a writer never runs
// another tab's handlers.
type signalQueue struct {
	fn      func(string)
	mu      sync.Mutex
	pending []string
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
}

func newSignalQueue(fn func(string)) *signalQueue {
	q := &signalQueue{
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *signalQueue) push(key string) {
	q.mu.Lock()
	q.pending = append(q.pending, key)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *signalQueue) run() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, key := range batch {
			select {
			case <-q.done:
				return
			default:
			}
			q.fn(key)
		}
	}
}

func (q *signalQueue) stop() {
	close(q.done)
	<-q.exited
}
