package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	SweepLockKey   = "billing:sweep:lock"
	SweepCursorKey = "billing:sweep:cursor"
)

// ErrLockLost is returned by unlock when the lock expired and was taken
// over before the run finished.
var ErrLockLost = errors.New("sweep lock expired before release")

// Locker serializes sweep runs. TryLock returns ok=false when another
// holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (unlock func() error, ok bool, err error)
}

// releaseScript deletes the lock only if it still carries our token, so a
// run that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLocker(client redis.UniversalClient) Locker {
	return &redisLocker{client: client, key: SweepLockKey}
}

func (l *redisLocker) TryLock(ctx context.Context, ttl time.Duration) (func() error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() error {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release sweep lock: %w", err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return unlock, true, nil
}

// localLocker is used when Redis is not configured. It only serializes
// runs inside one process.
type localLocker struct {
	mu sync.Mutex
}

func NewLocalLocker() Locker {
	return &localLocker{}
}

func (l *localLocker) TryLock(ctx context.Context, ttl time.Duration) (func() error, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return func() error {
		l.mu.Unlock()
		return nil
	}, true, nil
}

// Cursor remembers the last account a sweep processed.
type Cursor interface {
	Load(ctx context.Context) (uuid.UUID, error)
	Save(ctx context.Context, after uuid.UUID) error
}

type redisCursor struct {
	client redis.UniversalClient
	key    string
}

func NewRedisCursor(client redis.UniversalClient) Cursor {
	return &redisCursor{client: client, key: SweepCursorKey}
}

func (c *redisCursor) Load(ctx context.Context) (uuid.UUID, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load sweep cursor: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		// A corrupt cursor restarts the walk.
		return uuid.Nil, nil
	}
	return id, nil
}

func (c *redisCursor) Save(ctx context.Context, after uuid.UUID) error {
	if err := c.client.Set(ctx, c.key, after.String(), 0).Err(); err != nil {
		return fmt.Errorf("failed to save sweep cursor: %w", err)
	}
	return nil
}

type memoryCursor struct {
	mu    sync.Mutex
	after uuid.UUID
}

func NewMemoryCursor() Cursor {
	return &memoryCursor{}
}

func (c *memoryCursor) Load(ctx context.Context) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.after, nil
}

func (c *memoryCursor) Save(ctx context.Context, after uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = after
	return nil
}
