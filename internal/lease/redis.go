package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tunes a RedisLocker.
type RedisOptions struct {
	// TTL bounds how long a crashed holder keeps the lease.
	TTL time.Duration
	// WaitTimeout bounds how long Acquire waits. Zero waits until ctx is done.
	WaitTimeout time.Duration
	// PollInterval is the delay between acquisition attempts.
	PollInterval time.Duration
}

// RedisLocker grants leases shared by every worker using the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedisLocker creates a RedisLocker. Zero options get defaults of a
// 10 minute TTL and a 250ms poll interval.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &RedisLocker{client: client, opts: opts}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()

	var deadline <-chan time.Time
	if l.opts.WaitTimeout > 0 {
		timer := time.NewTimer(l.opts.WaitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, dserrors.LeaseError{Key: key, Err: err}
		}
		if ok {
			return &redisLease{client: l.client, key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, dserrors.LeaseError{Key: key, Err: ctx.Err()}
		case <-deadline:
			return nil, dserrors.LeaseError{Key: key, Err: ErrTimeout}
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return dserrors.LeaseError{Key: l.key, Err: err}
	}
	if n == 0 {
		return dserrors.LeaseError{Key: l.key, Err: ErrLost}
	}
	return nil
}
