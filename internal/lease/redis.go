package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/harvester/internal/harvest"
)

const keyPrefix = "harvester:lease:"

// Token-checked so a holder whose lease expired cannot touch its successor's.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis implements Locker with SET NX PX.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	ids    harvest.IDGenerator
}

// NewRedis builds a locker. Leases expire after ttl unless refreshed.
func NewRedis(client redis.UniversalClient, ttl time.Duration, ids harvest.IDGenerator) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, ttl: ttl, ids: ids}, nil
}

// Acquire takes the named lease or returns ErrHeld.
func (r *Redis) Acquire(ctx context.Context, name string) (Lease, error) {
	token, err := r.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("lease token: %w", err)
	}
	key := keyPrefix + name
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	return &redisLease{client: r.client, key: key, token: token, ttl: r.ttl}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n == 0 {
		return ErrHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
