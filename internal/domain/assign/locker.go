package assign

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes auto-assignment per event.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

// NoopLocker never blocks. Concurrent auto-assignments for one event may pick
// overlapping candidates.
type NoopLocker struct{}

// Lock implements Locker.
func (NoopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// MutexLocker serializes callers within one process.
type MutexLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMutexLocker returns an empty MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (m *MutexLocker) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *MutexLocker) release(key string, s *slot) {
	m.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}

// Redis lock defaults.
const (
	DefaultLockTTL   = 15 * time.Second
	defaultLockRetry = 25 * time.Millisecond
	lockKeyPrefix    = "rota:assign:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes callers across processes with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker builds a RedisLocker. A zero ttl uses DefaultLockTTL.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, retry: defaultLockRetry}
}

// Lock implements Locker.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, nil
}
