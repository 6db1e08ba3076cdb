package cachestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

var integrationCounter uint64

func TestPostgresIntegrationCacheRoundTripAndNotify(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	writer, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	writer.tableName = integrationName("orderdesk_cache_it")
	reader, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	reader.tableName = writer.tableName
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
		postgresIntegrationDropTable(t, dsn, writer.tableName)
	})

	readerCache := New(reader, Options{})
	if got := readerCache.Get("dispatcher_liveOrders"); len(got) != 0 {
		t.Fatalf("expected empty initial read, got %+v", got)
	}

	var mu sync.Mutex
	var signalled []string
	cancel, err := readerCache.Subscribe(func(key string) {
		mu.Lock()
		signalled = append(signalled, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	writerCache := New(writer, Options{})
	if err := writerCache.Set("dispatcher_liveOrders", []orders.Order{sampleOrder("a", "1001")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, "postgres notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(signalled) > 0 && signalled[0] == "dispatcher_liveOrders"
	})
	got := readerCache.Get("dispatcher_liveOrders")
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected reader to load order a, got %+v", got)
	}
	keys := readerCache.Keys()
	if len(keys) != 1 || keys[0] != "dispatcher_liveOrders" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestRedisIntegrationCacheRoundTripAndPublish(t *testing.T) {
	rawURL := strings.TrimSpace(os.Getenv("ORDERDESK_TEST_REDIS_URL"))
	if rawURL == "" {
		t.Skip("set ORDERDESK_TEST_REDIS_URL to run Redis integration tests")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	prefix := integrationName("orderdesk_it") + ":"
	writer := NewRedisBackendWithClient(redis.NewClient(opts), prefix)
	reader := NewRedisBackendWithClient(redis.NewClient(opts), prefix)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keys, _ := writer.client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = writer.client.Del(ctx, keys...).Err()
		}
		_ = writer.Close()
		_ = reader.Close()
	})

	readerCache := New(reader, Options{})
	var mu sync.Mutex
	var signalled []string
	cancel, err := readerCache.Subscribe(func(key string) {
		mu.Lock()
		signalled = append(signalled, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	writerCache := New(writer, Options{})
	if err := writerCache.Set("team_pumps_orders_pastOrders", []orders.Order{sampleOrder("p", "77")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, "redis publish", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(signalled) > 0
	})
	got := readerCache.Get("team_pumps_orders_pastOrders")
	if len(got) != 1 || got[0].OrderNumber != "77" {
		t.Fatalf("expected order 77, got %+v", got)
	}
	if keys := readerCache.Keys(); len(keys) != 1 || keys[0] != "team_pumps_orders_pastOrders" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ORDERDESK_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ORDERDESK_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func integrationName(prefix string) string {
	n := atomic.AddUint64(&integrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
