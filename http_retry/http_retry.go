package http_retry

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/avast/retry-go"
	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"
)

// retryableStatus lists the server errors a GET is retried on. Anything
// else, including network errors, fails on the first attempt.
var retryableStatus = mapset.NewSet(
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
)

// Retryable reports whether err is an upstream answer worth retrying.
func Retryable(err error) bool {
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	return retryableStatus.Contains(fetchErr.StatusCode)
}

func (p *Pool) getWithRetry(ctx context.Context, client *http.Client, r Request) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Url, nil)
			if err != nil {
				return err
			}
			if r.Header != nil {
				req.Header = r.Header.Clone()
			}

			res, err := client.Do(req)
			if err != nil {
				return err
			}
			if res.StatusCode < 200 || res.StatusCode > 299 {
				_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
				res.Body.Close()
				return &FetchError{URL: r.Url, StatusCode: res.StatusCode}
			}
			resp = res
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(Retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			//the hook also runs after the last attempt, which is no retry
			if n+1 >= p.attempts {
				return
			}
			p.metrics.UpstreamRetry()
			log.WithFields(log.Fields{
				"url":     r.Url,
				"attempt": n + 1,
			}).Warn("Retrying request after error: ", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
