package proxy

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bitknox/hls-relay/hls"
	"github.com/bitknox/hls-relay/http_retry"
	"github.com/bitknox/hls-relay/metrics"
	"github.com/bitknox/hls-relay/model"
	"github.com/bitknox/hls-relay/parsing"
	"github.com/bitknox/hls-relay/resolver"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	MIMEPlaylist = "application/vnd.apple.mpegurl"
	MIMESegment  = "video/mp2t"

	// ChunkSize is the most the segment relay holds in memory per request.
	ChunkSize = 8192
)

// Relay serves the relay endpoints. One Relay is shared by all requests.
type Relay struct {
	pool     *http_retry.Pool
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	cfg      model.Config
}

func NewRelay(cfg model.Config, pool *http_retry.Pool, res *resolver.Resolver, m *metrics.Metrics) *Relay {
	return &Relay{
		pool:     pool,
		resolver: res,
		metrics:  m,
		cfg:      cfg,
	}
}

// ManifestProxy resolves the source, fetches the playlist it points at and
// rewrites it so that every reference goes back through the relay.
func (r *Relay) ManifestProxy(c echo.Context) error {
	input, err := parseInput(c)
	if err != nil {
		return badInput(c, err)
	}
	ctx := c.Request().Context()

	result := r.resolver.Resolve(ctx, model.ResolutionRequest{
		SourceUrl: input.Url,
		Header:    input.Header(r.cfg.UserAgent),
	})

	resp, err := r.pool.Fetch(ctx, http_retry.Request{
		Url:     result.ResolvedUrl,
		Header:  result.Header,
		Timeout: r.cfg.PlaylistTimeout,
	})
	if err != nil {
		return playlistError(c, err)
	}

	content := string(resp.Body)
	if !hls.LooksLikePlaylist(content) {
		r.metrics.Relayed("playlist", len(resp.Body))
		return c.Blob(http.StatusOK, MIMEPlaylist, resp.Body)
	}

	start := time.Now()
	out := hls.RewritePlaylist(content, hls.BaseUrl(resp.FinalUrl), r.links(input))
	log.WithField("url", resp.FinalUrl.String()).Debug("Modifying manifest took ", time.Since(start))

	r.metrics.Relayed("playlist", len(out))
	return c.Blob(http.StatusOK, MIMEPlaylist, []byte(out))
}

// TsProxy streams one segment from upstream to the client, a chunk at a
// time and flushing after each chunk.
func (r *Relay) TsProxy(c echo.Context) error {
	input, err := parseInput(c)
	if err != nil {
		return badInput(c, err)
	}

	header := input.Header(r.cfg.UserAgent)
	//copy over range header if applicable
	if rng := c.Request().Header.Get("Range"); rng != "" {
		header.Set("Range", rng)
	}

	resp, err := r.pool.Fetch(c.Request().Context(), http_retry.Request{
		Url:       input.Url,
		Header:    header,
		Timeout:   r.cfg.SegmentTimeout,
		Streaming: true,
	})
	if err != nil {
		log.WithField("url", input.Url).Warn("Segment fetch failed: ", err)
		return c.String(http.StatusInternalServerError, "Error: "+err.Error())
	}
	defer resp.Stream.Close()

	h := c.Response().Header()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = MIMESegment
	}
	h.Set(echo.HeaderContentType, contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
	//some playlists address byte ranges of one file, the range headers
	//have to reach the player
	for _, name := range []string{"Content-Range", "Content-Length", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	n, err := copyChunks(c.Response(), resp.Stream, ChunkSize)
	r.metrics.Relayed("segment", int(n))
	if err != nil {
		//the status line is gone already, all that is left is to stop
		log.WithFields(log.Fields{"url": input.Url, "bytes": n}).Debug("Segment relay stopped: ", err)
	}
	return nil
}

// KeyProxy relays a decryption key verbatim.
func (r *Relay) KeyProxy(c echo.Context) error {
	input, err := parseInput(c)
	if err != nil {
		return badInput(c, err)
	}

	resp, err := r.pool.Fetch(c.Request().Context(), http_retry.Request{
		Url:     input.Url,
		Header:  input.Header(r.cfg.UserAgent),
		Timeout: r.cfg.KeyTimeout,
	})
	if err != nil {
		log.WithField("url", input.Url).Warn("Key fetch failed: ", err)
		return c.String(http.StatusInternalServerError, "Error: "+err.Error())
	}

	r.metrics.Relayed("key", len(resp.Body))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, resp.Body)
}

// ResolveProxy answers with a one entry playlist pointing at the manifest
// endpoint for the resolved url, so a player can start from any source.
func (r *Relay) ResolveProxy(c echo.Context) error {
	input, err := parseInput(c)
	if err != nil {
		return badInput(c, err)
	}

	result := r.resolver.Resolve(c.Request().Context(), model.ResolutionRequest{
		SourceUrl: input.Url,
		Header:    input.Header(r.cfg.UserAgent),
	})

	body := "#EXTM3U\n#EXTINF:-1,Stream\n" + r.links(input).Playlist(result.ResolvedUrl)
	return c.Blob(http.StatusOK, MIMEPlaylist, []byte(body))
}

func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (r *Relay) links(input *model.Input) hls.Links {
	return hls.Links{
		Prefix: r.cfg.PublicUrl,
		Hint:   parsing.EncodeHint(input),
	}
}

func parseInput(c echo.Context) (*model.Input, error) {
	return parsing.ParseInput(c.QueryParam("url"), c.QueryParam("h"))
}

func badInput(c echo.Context, err error) error {
	if errors.Is(err, parsing.ErrMissingUrl) {
		return c.String(http.StatusBadRequest, "missing url")
	}
	return c.String(http.StatusBadRequest, "invalid url")
}

// playlistError relays the upstream status when there was one. Without an
// upstream answer the relay reports a bad gateway.
func playlistError(c echo.Context, err error) error {
	log.Warn("Playlist fetch failed: ", err)
	var fetchErr *http_retry.FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode >= 400 {
		return c.String(fetchErr.StatusCode, err.Error())
	}
	return c.String(http.StatusBadGateway, err.Error())
}

// copyChunks moves src to w through one buffer of size bytes, flushing
// after every write.
func copyChunks(w *echo.Response, src io.Reader, size int) (int64, error) {
	flush := func() {}
	if f, ok := w.Writer.(http.Flusher); ok {
		flush = f.Flush
	}

	buf := make([]byte, size)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
			flush()
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
