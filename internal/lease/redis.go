package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTTL    = 5 * time.Minute
	defaultRedisPrefix = "maiachat:lease"
)

// releaseScript deletes the key only while it still holds the caller's token,
// so an expired lease re-acquired by someone else is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL under the same ownership check.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares leases between processes through Redis. A held lease is
// renewed every third of its TTL until it is released, so the TTL bounds how
// long a crashed holder blocks a run, not how long a step may take.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a lease survives a holder that stops renewing it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker creates a Redis-backed Locker.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    defaultRedisTTL,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire sets the lease key with NX and a TTL and starts renewing it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	lease := &redisLease{
		client: l.client,
		key:    redisKey,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.heartbeat()
	return lease, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
}

// heartbeat renews the key until Release. The lease counts as lost once the
// key belongs to someone else, or when no renewal has succeeded for a full TTL.
func (r *redisLease) heartbeat() {
	defer close(r.done)

	interval := max(r.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err == nil && n == 1:
			renewed = time.Now()
			continue
		case err != nil && time.Since(renewed) < r.ttl:
			continue
		}
		close(r.lost)
		return
	}
}

func (r *redisLease) Lost() <-chan struct{} {
	return r.lost
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}
