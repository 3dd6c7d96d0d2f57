package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "session-lease:"

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a per-tenant ownership marker in Redis. Only the process holding a tenant's lease
// opens its inbound connection.
type Lease struct {
	rdb    *redis.Client
	ttl    time.Duration
	owner  string
	logger *slog.Logger
}

func NewLease(log *slog.Logger, rdb *redis.Client, ttl time.Duration) *Lease {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{
		rdb:    rdb,
		ttl:    ttl,
		owner:  uuid.NewString(),
		logger: log.With(slog.String("service", "session_lease")),
	}
}

func leaseKey(tenantID string) string { return leaseKeyPrefix + tenantID }

// TTL is the lease lifetime; holders renew well before it runs out.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire takes the tenant's lease, or confirms this process already holds it.
func (l *Lease) Acquire(ctx context.Context, tenantID string) (bool, error) {
	key := leaseKey(tenantID)
	ok, err := l.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.owner {
		return false, nil
	}
	return l.Renew(ctx, tenantID)
}

// Renew extends the lease and reports false once it belongs to someone else.
func (l *Lease) Renew(ctx context.Context, tenantID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(tenantID)}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if this process still holds it.
func (l *Lease) Release(ctx context.Context, tenantID string) error {
	return releaseScript.Run(ctx, l.rdb, []string{leaseKey(tenantID)}, l.owner).Err()
}
