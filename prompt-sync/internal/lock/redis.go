package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
)

// releaseScript deletes the key only if it still carries our token, so an expired
// lock that another worker re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed holder blocks a tenant.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	log    *logger.Logger
}

func NewRedis(client redis.UniversalClient, ttl, wait time.Duration, log *logger.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if wait <= 0 {
		wait = defaultWait
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{client: client, ttl: ttl, wait: wait, poll: 200 * time.Millisecond, log: log}
}

func (r *Redis) Acquire(ctx context.Context, tenantID string) (Release, error) {
	key := lockName(tenantID)
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return once(func() { r.release(key, token) }), nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.log.Warn("redis lock release failed; tenant stays locked until ttl", "key", key, "ttl", r.ttl, "error", err)
	}
}
