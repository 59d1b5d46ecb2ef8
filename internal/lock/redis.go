package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can keep a Redis lock.
const DefaultTTL = 30 * time.Second

var (
	// Deletes the key only if it still holds our token.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	// Extends the key only if it still holds our token.
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker shared by every orchestrator instance using the same Redis.
//
// A lock is a key set with NX and a TTL holding a random token. While held, a
// keepalive goroutine extends the TTL every ttl/3; release deletes the key only
// if the token still matches, so an expired lock taken over by another holder
// is never released by the original one.
//
// The lock is not fenced. A holder that stalls past the TTL keeps running after
// another instance acquires the key; WithOnLost reports when that happens.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	onLost  func(key string)
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lock TTL. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix. Defaults to "envsync:lock:".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnLost sets a callback run when keepalive finds the lock no longer
// holds this holder's token. It runs on the keepalive goroutine at most once
// per acquisition, with the key as passed to TryLock.
func WithOnLost(fn func(key string)) RedisOption {
	return func(r *Redis) { r.onLost = fn }
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		prefix:  "envsync:lock:",
		ttl:     DefaultTTL,
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// TryLock acquires key or returns ErrLocked.
func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepalive(key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			relCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("release lock failed", "event", "lock_release_failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepalive(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			extended, err := extendScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("extend lock failed", "event", "lock_extend_failed", "key", redisKey, "error", err)
				continue
			}
			if extended == 0 {
				r.logger.Error("lock lost", "event", "lock_lost", "key", redisKey)
				if r.onLost != nil {
					r.onLost(key)
				}
				return
			}
		}
	}
}

var _ Locker = (*Redis)(nil)
