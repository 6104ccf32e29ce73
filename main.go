package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitknox/hls-relay/http_retry"
	"github.com/bitknox/hls-relay/limiter"
	"github.com/bitknox/hls-relay/metrics"
	"github.com/bitknox/hls-relay/model"
	"github.com/bitknox/hls-relay/proxy"
	"github.com/bitknox/hls-relay/resolver"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:   "hls-relay",
		Usage:  "resolve embed pages to HLS streams and relay them",
		Flags:  flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func flags() []cli.Flag {
	defaults := model.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Value: defaults.Host, EnvVars: []string{"HLS_RELAY_HOST", "HOST"}},
		&cli.StringFlag{Name: "port", Value: defaults.Port, EnvVars: []string{"HLS_RELAY_PORT", "PORT"}},
		&cli.StringFlag{Name: "public-url", Usage: "prefix of generated relay links, empty for relative links", EnvVars: []string{"HLS_RELAY_PUBLIC_URL"}},
		&cli.StringFlag{Name: "user-agent", Value: defaults.UserAgent, EnvVars: []string{"HLS_RELAY_USER_AGENT"}},
		&cli.IntFlag{Name: "pool-size", Value: defaults.PoolSize, Usage: "idle upstream connections kept per host", EnvVars: []string{"HLS_RELAY_POOL_SIZE"}},
		&cli.IntFlag{Name: "attempts", Value: defaults.Attempts, Usage: "attempts per upstream GET on 500/502/503/504", EnvVars: []string{"HLS_RELAY_ATTEMPTS"}},
		&cli.DurationFlag{Name: "backoff", Value: defaults.Backoff, Usage: "first retry delay, doubled per retry", EnvVars: []string{"HLS_RELAY_BACKOFF"}},
		&cli.DurationFlag{Name: "connect-timeout", Value: defaults.ConnectTimeout, EnvVars: []string{"HLS_RELAY_CONNECT_TIMEOUT"}},
		&cli.DurationFlag{Name: "resolve-timeout", Value: defaults.ResolveTimeout, EnvVars: []string{"HLS_RELAY_RESOLVE_TIMEOUT"}},
		&cli.DurationFlag{Name: "playlist-timeout", Value: defaults.PlaylistTimeout, EnvVars: []string{"HLS_RELAY_PLAYLIST_TIMEOUT"}},
		&cli.DurationFlag{Name: "segment-timeout", Value: defaults.SegmentTimeout, EnvVars: []string{"HLS_RELAY_SEGMENT_TIMEOUT"}},
		&cli.DurationFlag{Name: "key-timeout", Value: defaults.KeyTimeout, EnvVars: []string{"HLS_RELAY_KEY_TIMEOUT"}},
		&cli.IntFlag{Name: "throttle", Usage: "upstream requests per host, 0 disables", EnvVars: []string{"HLS_RELAY_THROTTLE"}},
		&cli.StringFlag{Name: "throttle-mode", Value: defaults.ThrottleMode, Usage: "concurrent or persecond", EnvVars: []string{"HLS_RELAY_THROTTLE_MODE"}},
		&cli.StringFlag{Name: "log-level", Value: defaults.LogLevel, EnvVars: []string{"HLS_RELAY_LOG_LEVEL"}},
		&cli.BoolFlag{Name: "log-json", EnvVars: []string{"HLS_RELAY_LOG_JSON"}},
	}
}

func run(c *cli.Context) error {
	cfg := model.NewConfig(c)
	setupLogging(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	throttle := cfg.Throttle
	if throttle < 0 {
		throttle = 0
	}
	pool := http_retry.NewPool(http_retry.PoolConfig{
		Size:           cfg.PoolSize,
		ConnectTimeout: cfg.ConnectTimeout,
		Attempts:       cfg.Attempts,
		Backoff:        cfg.Backoff,
	}, limiter.New(uint(throttle), limiter.LimiterMode(cfg.ThrottleMode)), m)
	res := resolver.New(pool, m, resolver.Options{
		Timeout:   cfg.ResolveTimeout,
		UserAgent: cfg.UserAgent,
	})

	e := proxy.NewServer(proxy.NewRelay(cfg, pool, res, m), reg)

	// Start server
	go func() {
		log.WithField("address", cfg.Address()).Info("Relay listening")
		if err := e.Start(cfg.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("Shutting down")
	return e.Shutdown(shutdownCtx)
}

func setupLogging(cfg model.Config) {
	if cfg.LogJson {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
