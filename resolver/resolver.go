// Package resolver turns a source url into a fetchable stream url. The
// source is either a playlist already or an embed page whose player runs
// an authentication handshake before it builds the stream url.
//
// Resolution never fails towards the caller: every stage error ends in
// the source url being returned unchanged, and is logged and counted.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitknox/hls-relay/extract"
	"github.com/bitknox/hls-relay/hls"
	"github.com/bitknox/hls-relay/http_retry"
	"github.com/bitknox/hls-relay/metrics"
	"github.com/bitknox/hls-relay/model"
	log "github.com/sirupsen/logrus"
)

type Stage string

const (
	StageFetchSource   Stage = "fetch_source"
	StageFindIframe    Stage = "find_iframe"
	StageFetchEmbed    Stage = "fetch_embed"
	StageExtractTokens Stage = "extract_tokens"
	StageAuthHandshake Stage = "auth_handshake"
	StageServerLookup  Stage = "server_lookup"
	StagePanic         Stage = "panic"
)

const (
	OutcomeDirect   = "direct"
	OutcomeResolved = "resolved"
	OutcomeFallback = "fallback"
)

var (
	ErrNoIframe    = errors.New("no iframe on source page")
	ErrNoServerKey = errors.New("lookup response has no server_key")
	ErrEmptySource = errors.New("empty source url")
)

// StageError is the failure of one resolution stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Options struct {
	// Timeout is the read timeout of every hop.
	Timeout   time.Duration
	UserAgent string
}

type Resolver struct {
	pool      *http_retry.Pool
	metrics   *metrics.Metrics
	timeout   time.Duration
	userAgent string
	iframe    extract.Table
	embed     extract.Table
}

func New(pool *http_retry.Pool, m *metrics.Metrics, opts Options) *Resolver {
	agent := opts.UserAgent
	if agent == "" {
		agent = model.USER_AGENT
	}
	return &Resolver{
		pool:      pool,
		metrics:   m,
		timeout:   opts.Timeout,
		userAgent: agent,
		iframe:    extract.IframeRules,
		embed:     extract.EmbedRules,
	}
}

// WithRules swaps the extraction tables, for upstreams whose player
// markup differs.
func (r *Resolver) WithRules(iframe, embed extract.Table) *Resolver {
	cp := *r
	cp.iframe = iframe
	cp.embed = embed
	return &cp
}

// Resolve always returns a result. On any failure ResolvedUrl is the
// source url.
func (r *Resolver) Resolve(ctx context.Context, req model.ResolutionRequest) (result model.ResolutionResult) {
	header := r.header(req.Header)
	result = model.ResolutionResult{ResolvedUrl: req.SourceUrl, Header: header}

	defer func() {
		if p := recover(); p != nil {
			r.fallback(req.SourceUrl, &StageError{Stage: StagePanic, Err: fmt.Errorf("%v", p)})
			result = model.ResolutionResult{ResolvedUrl: req.SourceUrl, Header: header}
		}
	}()

	if req.SourceUrl == "" {
		r.fallback(req.SourceUrl, &StageError{Stage: StageFetchSource, Err: ErrEmptySource})
		return result
	}

	resolved, outcome, err := r.resolve(ctx, req.SourceUrl, header)
	if err != nil {
		r.fallback(req.SourceUrl, err)
		return result
	}

	r.metrics.Resolution(outcome)
	log.WithFields(log.Fields{
		"source":   req.SourceUrl,
		"resolved": resolved,
		"outcome":  outcome,
	}).Debug("Resolved stream")
	result.ResolvedUrl = resolved
	return result
}

func (r *Resolver) fallback(source string, err error) {
	stage := Stage("unknown")
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	r.metrics.StageFailed(string(stage))
	r.metrics.Resolution(OutcomeFallback)
	log.WithFields(log.Fields{
		"source": source,
		"stage":  stage,
	}).Warn("Resolution fell back to source url: ", err)
}

func (r *Resolver) header(in http.Header) http.Header {
	out := http.Header{}
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", r.userAgent)
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, source string, header http.Header) (string, string, error) {
	session := r.pool.Session()
	fetch := func(u string) (*http_retry.Response, error) {
		return session.Fetch(ctx, http_retry.Request{Url: u, Header: header, Timeout: r.timeout})
	}

	page, err := fetch(source)
	if err != nil {
		return "", "", &StageError{Stage: StageFetchSource, Err: err}
	}
	if hls.HasHeader(string(page.Body)) {
		return page.FinalUrl.String(), OutcomeDirect, nil
	}

	src, ok := r.iframe.Apply(string(page.Body))[extract.Iframe]
	if !ok {
		return "", "", &StageError{Stage: StageFindIframe, Err: ErrNoIframe}
	}
	iframeUrl, err := page.FinalUrl.Parse(src)
	if err != nil {
		return "", "", &StageError{Stage: StageFindIframe, Err: err}
	}

	embed, err := fetch(iframeUrl.String())
	if err != nil {
		return "", "", &StageError{Stage: StageFetchEmbed, Err: err}
	}

	tokens, err := tokensFrom(r.embed.Apply(string(embed.Body)))
	if err != nil {
		return "", "", &StageError{Stage: StageExtractTokens, Err: err}
	}

	//only the session side effect of the handshake matters
	if _, err := fetch(tokens.AuthUrl()); err != nil {
		return "", "", &StageError{Stage: StageAuthHandshake, Err: err}
	}

	lookup, err := fetch(tokens.LookupUrl(iframeUrl.Host))
	if err != nil {
		return "", "", &StageError{Stage: StageServerLookup, Err: err}
	}
	var body struct {
		ServerKey string `json:"server_key"`
	}
	if err := json.Unmarshal(lookup.Body, &body); err != nil {
		return "", "", &StageError{Stage: StageServerLookup, Err: err}
	}
	if body.ServerKey == "" {
		return "", "", &StageError{Stage: StageServerLookup, Err: ErrNoServerKey}
	}

	return tokens.StreamUrl(body.ServerKey), OutcomeResolved, nil
}
