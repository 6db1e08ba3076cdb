package cachestore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

func TestFileBackendRoundTripAndKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	backend := NewFileBackend(dir)

	data, err := backend.Load("dispatcher_liveOrders")
	if err != nil || data != nil {
		t.Fatalf("expected absent key before any write, got %q, %v", data, err)
	}
	keys, err := backend.Keys()
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys for a missing dir, got %v, %v", keys, err)
	}

	if err := backend.Save("team_glass_orders_liveOrders", []byte(`[]`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save("odd/key with space", []byte(`[1]`)); err != nil {
		t.Fatalf("save of escaped key failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".stray.json.tmp-1"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	unlock, err := backend.Lock("team_glass_orders_liveOrders")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	unlock()

	keys, err = backend.Keys()
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "odd/key with space" || keys[1] != "team_glass_orders_liveOrders" {
		t.Fatalf("unexpected keys %v", keys)
	}
	data, err = backend.Load("odd/key with space")
	if err != nil || string(data) != `[1]` {
		t.Fatalf("unexpected load result %q, %v", data, err)
	}
}

func TestFileBackendCacheAcrossProcessesShape(t *testing.T) {
	dir := t.TempDir()
	writer := New(NewFileBackend(dir), Options{})
	reader := New(NewFileBackend(dir), Options{})

	var mu sync.Mutex
	var signalled []string
	cancel, err := reader.Subscribe(func(key string) {
		mu.Lock()
		signalled = append(signalled, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	if err := writer.Set("dispatcher_liveOrders", []orders.Order{sampleOrder("a", "1001")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, "fsnotify signal", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, key := range signalled {
			if key == "dispatcher_liveOrders" {
				return true
			}
		}
		return false
	})
	got := reader.Get("dispatcher_liveOrders")
	if len(got) != 1 || got[0].OrderNumber != "1001" {
		t.Fatalf("expected reader to see the written order, got %+v", got)
	}
	if reader.Seq("dispatcher_liveOrders") != 1 {
		t.Fatalf("expected reader to pick up seq 1, got %d", reader.Seq("dispatcher_liveOrders"))
	}
}

func TestFileBackendLockSerializesWriters(t *testing.T) {
	backend := NewFileBackend(t.TempDir())
	unlock, err := backend.Lock("k")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		second, err := backend.Lock("k")
		if err == nil {
			second()
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Skip("advisory file locks are not enforced on this platform")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatalf("second lock was never acquired after unlock")
	}
}
