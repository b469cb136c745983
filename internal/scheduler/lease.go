package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/billing-reconciler/internal/util"
)

var ErrLeaseHeld = errors.New("lease held by another instance")

// Leaser grants exclusive, time-bounded ownership of a job name across
// scheduler instances.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, name, token string) error
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLeaser struct {
	rds    *redis.Client
	prefix string
}

func NewRedisLeaser(rds *redis.Client) *RedisLeaser {
	return &RedisLeaser{rds: rds, prefix: "lease:job:"}
}

func (l *RedisLeaser) key(name string) string { return l.prefix + name }

// Acquire sets the lease key if absent. ErrLeaseHeld means someone else owns it.
func (l *RedisLeaser) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := util.New()
	ok, err := l.rds.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// Release drops the lease if token still owns it. An expired or stolen
// lease is left alone.
func (l *RedisLeaser) Release(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, l.rds, []string{l.key(name)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// LocalLeaser never contends. Used when Redis is not configured, e.g. a
// single scheduler instance or --run-once.
type LocalLeaser struct{}

func (LocalLeaser) Acquire(context.Context, string, time.Duration) (string, error) {
	return util.New(), nil
}

func (LocalLeaser) Release(context.Context, string, string) error { return nil }
