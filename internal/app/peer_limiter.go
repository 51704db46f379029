package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPeerLimitWindow = time.Minute
	peerLimitSweepEvery    = 1024
)

// PeerAdmission is the outcome of counting one bank-to-bank request.
type PeerAdmission struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// PeerLimiter caps how many envelopes a sender may submit per window. Keys are
// opaque: the HTTP layer passes both the sender's socket address and the bank
// prefix claimed by the envelope.
type PeerLimiter interface {
	Admit(ctx context.Context, key string) (PeerAdmission, error)
}

// RedisPeerLimiter counts in a fixed window shared by every replica.
type RedisPeerLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisPeerLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisPeerLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "settlement"
	}
	if window < time.Second {
		window = DefaultPeerLimitWindow
	}
	return &RedisPeerLimiter{client: client, prefix: prefix + ":b2b_limit", limit: int64(limit), window: window}
}

func (l *RedisPeerLimiter) Admit(ctx context.Context, key string) (PeerAdmission, error) {
	key = strings.TrimSpace(key)
	if l.limit <= 0 || key == "" {
		return PeerAdmission{Allowed: true}, nil
	}

	redisKey := l.prefix + ":" + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, l.window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return PeerAdmission{}, err
	}

	admission := PeerAdmission{Count: incr.Val(), Allowed: incr.Val() <= l.limit}
	if !admission.Allowed {
		admission.RetryAfter = ttl.Val()
		if admission.RetryAfter <= 0 {
			admission.RetryAfter = l.window
		}
	}
	return admission, nil
}

// MemoryPeerLimiter is the single-process limiter used when Redis is not configured.
type MemoryPeerLimiter struct {
	mu      sync.Mutex
	limit   int64
	window  time.Duration
	now     func() time.Time
	windows map[string]*peerWindow
	calls   int
}

type peerWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryPeerLimiter(limit int, window time.Duration) *MemoryPeerLimiter {
	if window <= 0 {
		window = DefaultPeerLimitWindow
	}
	return &MemoryPeerLimiter{
		limit:   int64(limit),
		window:  window,
		now:     time.Now,
		windows: make(map[string]*peerWindow),
	}
}

func (l *MemoryPeerLimiter) Admit(_ context.Context, key string) (PeerAdmission, error) {
	key = strings.TrimSpace(key)
	if l.limit <= 0 || key == "" {
		return PeerAdmission{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%peerLimitSweepEvery == 0 {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &peerWindow{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}
	w.count++

	admission := PeerAdmission{Count: w.count, Allowed: w.count <= l.limit}
	if !admission.Allowed {
		admission.RetryAfter = w.resetAt.Sub(now)
	}
	return admission, nil
}
