package tokenmanager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock serializes RefreshOnUnauthorized across multiple processes
// sharing one SourceConnection (horizontally scaled workers), so only one
// process talks to the source's token endpoint per connection at a time.
// A Manager with no DistributedLock configured only serializes refreshes
// within its own process, via inFlight.
type DistributedLock interface {
	// Acquire blocks until the lock is held or ctx is done, returning a
	// release function. Implementations MUST be safe to call concurrently
	// for different keys.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLock implements DistributedLock with a SET NX PX / Lua-del pattern
// against a shared Redis instance, grounded on getaxonflow-axonflow's
// go-redis usage for cross-process coordination (SPEC_FULL.md DOMAIN STACK:
// "internal/tokenmanager: optional distributed refresh lock when running
// with multiple processes").
type RedisLock struct {
	client     *redis.Client
	ttl        time.Duration
	pollEvery  time.Duration
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLock{client: client, ttl: ttl, pollEvery: 50 * time.Millisecond}
}

// releaseScript deletes the lock key only if it still holds the token this
// Acquire call set, so a lock that already expired and was re-acquired by
// another process is never released out from under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := "tokenmanager:lock:" + key
	token := uniqueToken()

	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				l.client.Eval(context.Background(), releaseScript, []string{lockKey}, token)
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var lockCounter uint64

// uniqueToken identifies this Acquire call's lock ownership. A counter
// combined with the process start time is sufficient here: the only
// requirement is that two concurrent Acquire calls never mint the same
// value, not that the value be globally unpredictable.
func uniqueToken() string {
	n := atomic.AddUint64(&lockCounter, 1)
	return processStartToken + "-" + itoa(n)
}

var processStartToken = itoa(uint64(time.Now().UnixNano()))

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var _ DistributedLock = (*RedisLock)(nil)
