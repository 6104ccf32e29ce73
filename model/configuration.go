package model

import (
	"time"

	"github.com/urfave/cli/v2"
)

// base useragent string, sent upstream unless the caller supplies its own
const USER_AGENT string = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Config struct {
	Host      string
	Port      string
	PublicUrl string
	UserAgent string

	PoolSize int
	Attempts int
	Backoff  time.Duration

	ConnectTimeout  time.Duration
	ResolveTimeout  time.Duration
	PlaylistTimeout time.Duration
	SegmentTimeout  time.Duration
	KeyTimeout      time.Duration

	Throttle     int
	ThrottleMode string

	LogLevel string
	LogJson  bool
}

func NewConfig(c *cli.Context) Config {
	return Config{
		Host:            c.String("host"),
		Port:            c.String("port"),
		PublicUrl:       c.String("public-url"),
		UserAgent:       c.String("user-agent"),
		PoolSize:        c.Int("pool-size"),
		Attempts:        c.Int("attempts"),
		Backoff:         c.Duration("backoff"),
		ConnectTimeout:  c.Duration("connect-timeout"),
		ResolveTimeout:  c.Duration("resolve-timeout"),
		PlaylistTimeout: c.Duration("playlist-timeout"),
		SegmentTimeout:  c.Duration("segment-timeout"),
		KeyTimeout:      c.Duration("key-timeout"),
		Throttle:        c.Int("throttle"),
		ThrottleMode:    c.String("throttle-mode"),
		LogLevel:        c.String("log-level"),
		LogJson:         c.Bool("log-json"),
	}
}

// DefaultConfig mirrors the flag defaults, used by tests and embedders
// that do not go through the cli.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            "7860",
		UserAgent:       USER_AGENT,
		PoolSize:        200,
		Attempts:        3,
		Backoff:         200 * time.Millisecond,
		ConnectTimeout:  3 * time.Second,
		ResolveTimeout:  8 * time.Second,
		PlaylistTimeout: 10 * time.Second,
		SegmentTimeout:  15 * time.Second,
		KeyTimeout:      8 * time.Second,
		ThrottleMode:    "concurrent",
		LogLevel:        "info",
	}
}

func (c Config) Address() string {
	return c.Host + ":" + c.Port
}
