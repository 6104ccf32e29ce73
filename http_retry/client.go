package http_retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/bitknox/hls-relay/limiter"
	"github.com/bitknox/hls-relay/metrics"
	"golang.org/x/net/publicsuffix"
)

// ErrTimeout is the cause of a fetch that saw no progress within its
// connect or read timeout.
var ErrTimeout = errors.New("upstream timed out")

// ErrBodyTooLarge is returned when a materialized body exceeds the cap.
var ErrBodyTooLarge = errors.New("upstream body too large")

// DefaultMaxBodySize caps materialized bodies: pages, playlists and keys.
const DefaultMaxBodySize = 8 << 20

// FetchError is the single failure type of the pool. StatusCode is zero
// when no response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: upstream returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type PoolConfig struct {
	Size           int
	ConnectTimeout time.Duration
	Attempts       int
	Backoff        time.Duration
	// MaxBodySize caps non streaming fetches, DefaultMaxBodySize when zero.
	MaxBodySize int64
	// Transport overrides the pooled transport, mostly for tests.
	Transport http.RoundTripper
}

type Request struct {
	Url    string
	Header http.Header
	// Timeout is the read timeout: the longest the pool waits for the
	// response headers or for the next body bytes.
	Timeout   time.Duration
	Streaming bool
}

type Response struct {
	StatusCode int
	FinalUrl   *url.URL
	Header     http.Header
	// Body is set for materialized fetches, Stream for streaming ones.
	// Stream must be closed by the caller.
	Body   []byte
	Stream io.ReadCloser
}

// Pool is the process wide upstream client. It is safe for concurrent
// use and meant to be created once and shared.
type Pool struct {
	client         *http.Client
	transport      http.RoundTripper
	limiter        limiter.Limiter
	metrics        *metrics.Metrics
	connectTimeout time.Duration
	attempts       uint
	backoff        time.Duration
	maxBodySize    int64
}

func NewPool(cfg PoolConfig, lim limiter.Limiter, m *metrics.Metrics) *Pool {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(cfg.Size, cfg.ConnectTimeout)
	}
	if lim == nil {
		lim = limiter.New(0, limiter.Concurrent)
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Pool{
		client:         &http.Client{Transport: transport},
		transport:      transport,
		limiter:        lim,
		metrics:        m,
		connectTimeout: cfg.ConnectTimeout,
		attempts:       uint(attempts),
		backoff:        cfg.Backoff,
		maxBodySize:    maxBody,
	}
}

// NewTransport builds the shared transport. Idle connections are kept up
// to size per host, dialing and TLS are bounded by the connect timeout.
func NewTransport(size int, connectTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSHandshakeTimeout = connectTimeout
	t.MaxIdleConns = size
	t.MaxIdleConnsPerHost = size
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// Fetch issues a GET through the shared client.
func (p *Pool) Fetch(ctx context.Context, r Request) (*Response, error) {
	return p.do(ctx, p.client, r)
}

// Session is a cookie carrying view of the pool. Cookies set by one hop
// are sent on the next, the connections stay shared with the pool.
type Session struct {
	pool   *Pool
	client *http.Client
}

func (p *Pool) Session() *Session {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Session{
		pool:   p,
		client: &http.Client{Transport: p.transport, Jar: jar},
	}
}

func (s *Session) Fetch(ctx context.Context, r Request) (*Response, error) {
	return s.pool.do(ctx, s.client, r)
}

func (p *Pool) do(ctx context.Context, client *http.Client, r Request) (*Response, error) {
	u, err := url.Parse(r.Url)
	if err != nil {
		return nil, &FetchError{URL: r.Url, Err: err}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(p.connectTimeout+r.Timeout, func() { cancel(ErrTimeout) })

	if err := p.limiter.Wait(ctx, u.Host); err != nil {
		watchdog.Stop()
		cancel(nil)
		return nil, &FetchError{URL: r.Url, Err: err}
	}

	var once sync.Once
	done := func() {
		once.Do(func() {
			watchdog.Stop()
			cancel(nil)
			p.limiter.Release(u.Host)
		})
	}

	resp, err := p.getWithRetry(ctx, client, r)
	if err != nil {
		err = p.failure(ctx, r.Url, err)
		done()
		return nil, err
	}

	//from here on only time spent inside an upstream read counts
	watchdog.Stop()

	out := &Response{
		StatusCode: resp.StatusCode,
		FinalUrl:   resp.Request.URL,
		Header:     resp.Header,
	}
	body := &watchdogReader{
		ReadCloser: resp.Body,
		timer:      watchdog,
		timeout:    r.Timeout,
		done:       done,
	}

	if r.Streaming {
		out.Stream = body
		return out, nil
	}

	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(decodeBody(out.Header, body), p.maxBodySize+1))
	if err != nil {
		return nil, p.failure(ctx, r.Url, err)
	}
	if int64(len(data)) > p.maxBodySize {
		return nil, p.failure(ctx, r.Url, ErrBodyTooLarge)
	}
	out.Body = data
	return out, nil
}

func (p *Pool) failure(ctx context.Context, rawUrl string, err error) error {
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		fetchErr = &FetchError{URL: rawUrl, Err: err}
	}
	if fetchErr.StatusCode == 0 && errors.Is(context.Cause(ctx), ErrTimeout) {
		fetchErr.Err = fmt.Errorf("%w: %v", ErrTimeout, fetchErr.Err)
	}

	if fetchErr.StatusCode != 0 {
		p.metrics.UpstreamFailed("status")
	} else {
		p.metrics.UpstreamFailed("network")
	}
	return fetchErr
}

// decodeBody undoes a brotli content encoding, which net/http does not
// handle on its own. gzip is already transparent.
func decodeBody(header http.Header, body io.Reader) io.Reader {
	if strings.EqualFold(strings.TrimSpace(header.Get("Content-Encoding")), "br") {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
		return brotli.NewReader(body)
	}
	return body
}

// watchdogReader arms the read timeout for the duration of each upstream
// read only, so a slow consumer does not count against upstream. It hands
// the connection back exactly once on close.
type watchdogReader struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	done    func()
}

func (w *watchdogReader) Read(b []byte) (int, error) {
	w.timer.Reset(w.timeout)
	n, err := w.ReadCloser.Read(b)
	w.timer.Stop()
	return n, err
}

func (w *watchdogReader) Close() error {
	err := w.ReadCloser.Close()
	w.done()
	return err
}
