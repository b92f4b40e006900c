package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces lock keys in a shared Redis.
const DefaultRedisPrefix = "nexledger:lock:"

// releaseScript deletes the key only if it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRegistry is a Registry whose locks are Redis leases, so several
// processes can share one lock space. Expiry is enforced by Redis.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	opts   options
	logger zerolog.Logger
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry on an existing client.
func NewRedisRegistry(client redis.UniversalClient, prefix string, logger zerolog.Logger, opts ...Option) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRegistry{
		client: client,
		prefix: prefix,
		opts:   buildOptions(opts),
		logger: logger,
	}
}

// Stored value: "<lock id> <created unix ms> <operation>".
func encodeLease(l *Lock) string {
	return l.LockID + " " + strconv.FormatInt(l.CreatedAt.UnixMilli(), 10) + " " + l.Operation
}

func decodeLease(key, value string, remaining time.Duration, now time.Time) (Lock, error) {
	parts := strings.SplitN(value, " ", 3)
	if len(parts) != 3 {
		return Lock{}, fmt.Errorf("lock: malformed lease value for %s", key)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Lock{}, fmt.Errorf("lock: malformed lease timestamp for %s: %w", key, err)
	}
	return Lock{
		Key:       key,
		LockID:    parts[0],
		Operation: parts[2],
		CreatedAt: time.UnixMilli(ms),
		ExpiresAt: now.Add(remaining),
	}, nil
}

func (r *RedisRegistry) Acquire(ctx context.Context, key, operation string, timeout time.Duration) (*Lock, error) {
	if err := r.opts.admit(key, operation); err != nil {
		return nil, err
	}

	ttl := r.opts.timeout(timeout)
	now := r.opts.now()
	l := &Lock{
		Key:       key,
		LockID:    r.opts.newID(),
		Operation: operation,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	// A holder can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, r.prefix+key, encodeLease(l), ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis acquire %s: %w", key, err)
		}
		if ok {
			r.opts.observeAcquire(operation, nil)
			return l, nil
		}

		holder, found, err := r.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			lockedErr := &AlreadyLockedError{
				Key:       key,
				Operation: holder.Operation,
				Remaining: holder.Remaining(r.opts.now()),
			}
			r.opts.observeAcquire(operation, lockedErr)
			return nil, lockedErr
		}
	}

	err := &AlreadyLockedError{Key: key}
	r.opts.observeAcquire(operation, err)
	return nil, err
}

func (r *RedisRegistry) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}

	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, encodeLease(l)).Int64()
	if err != nil {
		r.logger.Warn().Err(err).Str("key", l.Key).Str("lock_id", l.LockID).Msg("redis lock release failed; lease will expire")
		return false, fmt.Errorf("lock: redis release %s: %w", l.Key, err)
	}
	if n == 0 {
		return false, nil
	}

	r.opts.observeRelease(l)
	return true, nil
}

func (r *RedisRegistry) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("lock: redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// CleanupExpired is a no-op: Redis evicts expired leases itself.
func (r *RedisRegistry) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisRegistry) ActiveLocks(ctx context.Context) ([]Lock, error) {
	var out []Lock
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), r.prefix)
		l, found, err := r.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, l)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("lock: redis scan: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *RedisRegistry) lookup(ctx context.Context, key string) (Lock, bool, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.prefix+key)
	ttlCmd := pipe.PTTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Lock{}, false, fmt.Errorf("lock: redis lookup %s: %w", key, err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("lock: redis get %s: %w", key, err)
	}

	remaining := ttlCmd.Val()
	if remaining < 0 {
		remaining = 0
	}
	l, err := decodeLease(key, value, remaining, r.opts.now())
	if err != nil {
		return Lock{}, false, err
	}
	return l, true, nil
}
