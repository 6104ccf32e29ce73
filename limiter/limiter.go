package limiter

import "context"

type LimiterMode string

// Limiter bounds upstream requests per key, the key is normally an
// upstream host.
type Limiter interface {
	Wait(ctx context.Context, key string) error
	Release(key string)
}

const (
	Concurrent LimiterMode = "concurrent"
	PerSecond  LimiterMode = "persecond"
)

// New returns a limiter for mode. A zero limit disables limiting.
func New(limit uint, mode LimiterMode) Limiter {
	if limit == 0 {
		return unlimited{}
	}
	if mode == PerSecond {
		return NewRateLimiter(limit)
	}
	return NewBasicLimiter(limit)
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context, key string) error { return ctx.Err() }

func (unlimited) Release(key string) {}
