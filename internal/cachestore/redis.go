package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "orderdesk:"
	redisOperationTimeout = 3 * time.Second
	redisLockTTL          = 10 * time.Second
	redisLockWait         = 5 * time.Second
	redisLockPoll         = 20 * time.Millisecond
)

var ErrLockTimeout = errors.New("timed out waiting for cache lock")

var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisBackend stores each key as a string value and publishes written keys
// on a channel so tabs connected to the same instance can reload.
type RedisBackend struct {
	client *redis.Client
	prefix string
	Logger Logger
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %v", ErrInvalidInput, err)
	}
	return NewRedisBackendWithClient(redis.NewClient(opts), redisKeyPrefix), nil
}

func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = redisKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) dataKey(key string) string {
	return b.prefix + "data:" + key
}

func (b *RedisBackend) lockKey(key string) string {
	return b.prefix + "lock:" + key
}

func (b *RedisBackend) channel() string {
	return b.prefix + "changes"
}

func (b *RedisBackend) Load(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Save(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.dataKey(key), data, 0)
		pipe.Publish(ctx, b.channel(), key)
		return nil
	})
	return err
}

func (b *RedisBackend) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	prefix := b.dataKey("")
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Lock takes a token lock with a TTL so a crashed holder cannot wedge other
// tabs.
func (b *RedisBackend) Lock(key string) (func(), error) {
	token := uuid.NewString()
	lockKey := b.lockKey(key)
	ctx, cancel := context.WithTimeout(context.Background(), redisLockWait)
	defer cancel()
	for {
		ok, err := b.client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(redisLockPoll):
		}
	}
	return func() {
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), redisOperationTimeout)
		defer unlockCancel()
		if err := redisUnlockScript.Run(unlockCtx, b.client, []string{lockKey}, token).Err(); err != nil {
			logf(b.Logger, "release cache lock for %s: %v", key, err)
		}
	}, nil
}

func (b *RedisBackend) Subscribe(fn func(key string)) (func(), error) {
	if fn == nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel())

	confirmCtx, confirmCancel := context.WithTimeout(ctx, redisOperationTimeout)
	_, err := pubsub.Receive(confirmCtx)
	confirmCancel()
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			fn(msg.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
