// Package lock serializes mutations of a single adjustment report.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/brokerpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotObtained = errors.New("lock_not_obtained")

// Locker hands out exclusive locks keyed by resource.
type Locker interface {
	Obtain(ctx context.Context, key string) (Releaser, error)
}

type Releaser interface {
	Release(ctx context.Context) error
}

var Module = fx.Module("lock",
	fx.Provide(NewFromConfig),
)

// NewFromConfig uses Redis when configured, otherwise an in-process lock.
func NewFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	if !cfg.Redis.Enabled() {
		log.Info("report locks are process-local")
		return NewLocal()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	ttl := time.Duration(cfg.LockTTLSeconds) * time.Second
	log.Info("report locks use redis", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", ttl))
	return NewRedis(client, ttl)
}

type redisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{client: redislock.New(client), ttl: ttl}
}

func (l *redisLocker) Obtain(ctx context.Context, key string) (Releaser, error) {
	lk, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrNotObtained
		}
		return nil, err
	}
	return lk, nil
}

type localLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns a process-local keyed lock.
func NewLocal() Locker {
	return &localLocker{slots: make(map[string]*slot)}
}

func (l *localLocker) Obtain(ctx context.Context, key string) (Releaser, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localRelease{locker: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

func (l *localLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localRelease struct {
	locker *localLocker
	key    string
	slot   *slot
	once   sync.Once
}

func (r *localRelease) Release(context.Context) error {
	r.once.Do(func() {
		<-r.slot.ch
		r.locker.unref(r.key, r.slot)
	})
	return nil
}
