package limiter

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"
)

// BasicLimiter allows at most limit concurrent holders per key.
type BasicLimiter struct {
	limit   uint
	buckets cmap.ConcurrentMap[string, chan struct{}]
}

func NewBasicLimiter(limit uint) *BasicLimiter {
	return &BasicLimiter{
		limit:   limit,
		buckets: cmap.New[chan struct{}](),
	}
}

func (l *BasicLimiter) Wait(ctx context.Context, key string) error {
	select {
	case l.bucket(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *BasicLimiter) Release(key string) {
	channel, ok := l.buckets.Get(key)
	if !ok {
		panic("Release called without Wait")
	}
	<-channel
}

// InUse reports the number of current holders for key.
func (l *BasicLimiter) InUse(key string) int {
	channel, ok := l.buckets.Get(key)
	if !ok {
		return 0
	}
	return len(channel)
}

func (l *BasicLimiter) bucket(key string) chan struct{} {
	if channel, ok := l.buckets.Get(key); ok {
		return channel
	}
	l.buckets.SetIfAbsent(key, make(chan struct{}, l.limit))
	channel, _ := l.buckets.Get(key)
	return channel
}

// RateLimiter allows limit requests per second per key with a burst of
// limit, instead of the one second buckets a channel based limiter gives.
type RateLimiter struct {
	limit    uint
	limiters cmap.ConcurrentMap[string, *rate.Limiter]
}

func NewRateLimiter(limit uint) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		limiters: cmap.New[*rate.Limiter](),
	}
}

func (l *RateLimiter) Wait(ctx context.Context, key string) error {
	lim, ok := l.limiters.Get(key)
	if !ok {
		l.limiters.SetIfAbsent(key, rate.NewLimiter(rate.Limit(l.limit), int(l.limit)))
		lim, _ = l.limiters.Get(key)
	}
	return lim.Wait(ctx)
}

// Release is a no-op, tokens refill with time.
func (l *RateLimiter) Release(key string) {}
