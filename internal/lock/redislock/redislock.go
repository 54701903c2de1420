// Package redislock serializes credit writers for a user across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix     = "creditledger:lock:user:"
	defaultTTL           = 10 * time.Second
	defaultRetryInterval = 25 * time.Millisecond
	defaultMaxWait       = 5 * time.Second
	defaultDialTimeout   = 5 * time.Second
	defaultReadTimeout   = 3 * time.Second
	defaultWriteTimeout  = 3 * time.Second

	errorOperationLock = "lock"
	errorSubjectUser   = "user"
	errorCodeAcquire   = "acquire"
	errorCodeTimeout   = "timeout"
	errorCodeRelease   = "release"

	// releaseScript deletes the key only while it still holds our token.
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

// ErrLockLost is returned by release when the lock expired or changed owner.
var ErrLockLost = errors.New("lock lost before release")

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets how long a held lock survives a crashed owner.
func WithTTL(ttl time.Duration) Option {
	return func(locker *Locker) {
		if ttl > 0 {
			locker.ttl = ttl
		}
	}
}

// WithRetryInterval sets the polling interval while waiting for a busy lock.
func WithRetryInterval(interval time.Duration) Option {
	return func(locker *Locker) {
		if interval > 0 {
			locker.retryInterval = interval
		}
	}
}

// WithMaxWait bounds how long Acquire waits for a busy lock.
func WithMaxWait(wait time.Duration) Option {
	return func(locker *Locker) {
		if wait > 0 {
			locker.maxWait = wait
		}
	}
}

// WithKeyPrefix namespaces the lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(locker *Locker) {
		if strings.TrimSpace(prefix) != "" {
			locker.keyPrefix = prefix
		}
	}
}

// WithTokenSource replaces the random owner tokens.
func WithTokenSource(source func() string) Option {
	return func(locker *Locker) {
		if source != nil {
			locker.newToken = source
		}
	}
}

// Locker implements credits.UserLocker with SET NX PX and a compare-and-delete release.
type Locker struct {
	client        redis.Cmdable
	ttl           time.Duration
	retryInterval time.Duration
	maxWait       time.Duration
	keyPrefix     string
	newToken      func() string
}

// New returns a Locker over client.
func New(client redis.Cmdable, options ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", credits.ErrInvalidServiceConfig)
	}
	locker := &Locker{
		client:        client,
		ttl:           defaultTTL,
		retryInterval: defaultRetryInterval,
		maxWait:       defaultMaxWait,
		keyPrefix:     defaultKeyPrefix,
		newToken:      uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Acquire blocks until the user's lock is held, maxWait elapses, or ctx ends.
func (locker *Locker) Acquire(ctx context.Context, userID credits.UserID) (func(context.Context) error, error) {
	key := locker.keyPrefix + userID.String()
	token := locker.newToken()
	waitCtx, cancel := context.WithTimeout(ctx, locker.maxWait)
	defer cancel()

	timer := time.NewTimer(locker.retryInterval)
	defer timer.Stop()
	for {
		acquired, err := locker.client.SetNX(waitCtx, key, token, locker.ttl).Result()
		if err != nil {
			return nil, credits.WrapError(errorOperationLock, errorSubjectUser, errorCodeAcquire,
				fmt.Errorf("%w: %w", credits.ErrLockUnavailable, err))
		}
		if acquired {
			return locker.releaser(key, token), nil
		}
		select {
		case <-waitCtx.Done():
			return nil, credits.WrapError(errorOperationLock, errorSubjectUser, errorCodeTimeout,
				fmt.Errorf("%w: %s: %w", credits.ErrLockUnavailable, key, waitCtx.Err()))
		case <-timer.C:
			timer.Reset(locker.retryInterval)
		}
	}
}

func (locker *Locker) releaser(key string, token string) func(context.Context) error {
	return func(ctx context.Context) error {
		deleted, err := locker.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return credits.WrapError(errorOperationLock, errorSubjectUser, errorCodeRelease, err)
		}
		if deleted == 0 {
			return credits.WrapError(errorOperationLock, errorSubjectUser, errorCodeRelease, ErrLockLost)
		}
		return nil
	}
}

// NewClient parses a redis:// URL and checks the connection with PING.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(redisURL)
	if trimmed == "" {
		return nil, errors.New("redis: url is empty")
	}
	options, err := redis.ParseURL(trimmed)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	options.DialTimeout = defaultDialTimeout
	options.ReadTimeout = defaultReadTimeout
	options.WriteTimeout = defaultWriteTimeout
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}
