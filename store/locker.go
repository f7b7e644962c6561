package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
)

// ErrLockNotObtained is returned when a lock could not be acquired before
// the retry budget ran out.
var ErrLockNotObtained = errors.New("lock not obtained")

// ReleaseLock releases a lock obtained from a Locker.
type ReleaseLock func(ctx context.Context) error

// Locker serializes work on a key, typically one questionnaire.
type Locker interface {
	Lock(ctx context.Context, key string) (ReleaseLock, error)
}

// QuestionnaireLockKey is the lock key for writes to one questionnaire.
func QuestionnaireLockKey(id string) string {
	return "questionnaire:" + id
}

// MemoryLocker is an in-process keyed mutex.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (ReleaseLock, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-kl.sem
			l.unref(key, kl)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports how many keys are tracked.
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RedisLocker holds locks in Redis so several API replicas serialize writes
// to the same questionnaire.
type RedisLocker struct {
	client *redis.Client
	locks  *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewRedisClient builds the client used by RedisLocker.
func NewRedisClient(addr string) *redis.Client {
	options := redis.Options{
		Addr:       addr,
		MaxRetries: 6,
	}
	return redis.NewClient(&options)
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		locks:  redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (ReleaseLock, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	lock, err := l.locks.Obtain(ctx, lockKey, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", lockKey, ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lockKey, err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// Expired under us; the write already committed or rolled back.
			return nil
		}
		return err
	}, nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
