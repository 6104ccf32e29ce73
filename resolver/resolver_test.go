package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitknox/hls-relay/extract"
	"github.com/bitknox/hls-relay/http_retry"
	"github.com/bitknox/hls-relay/metrics"
	"github.com/bitknox/hls-relay/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream fakes the source page, the player page, the auth endpoint and
// the server lookup on one TLS server, since the lookup is always https.
type upstream struct {
	srv        *httptest.Server
	embed      string
	lookup     string
	authCalls  int32
	embedCalls int32
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{lookup: `{"server_key":"s1"}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><iframe src="%s/embed/ch.php"></iframe></html>`, u.srv.URL)
	})
	mux.HandleFunc("/relative", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<iframe src='/embed/ch.php'>`))
	})
	mux.HandleFunc("/embed/ch.php", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.embedCalls, 1)
		w.Write([]byte(u.embed))
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.authCalls, 1)
		if r.URL.Query().Get("channel") != "ch" || r.URL.Query().Get("sig") != "a+b/c=" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
	})
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("auth"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("channel_id") != "ch" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(u.lookup))
	})
	mux.HandleFunc("/direct", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/live/final.m3u8?tok=1", http.StatusFound)
	})
	mux.HandleFunc("/live/final.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\n  #EXTM3U\n#EXTINF:-1,\nseg1.ts\n"))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>nothing to see</html>"))
	})
	u.srv = httptest.NewTLSServer(mux)
	t.Cleanup(u.srv.Close)

	u.embed = embedPage(u.srv.URL+"/auth?channel=", "/lookup?channel_id=", "/live/", "ch")
	return u
}

func embedPage(authHost, lookupPath, hostTemplate, channelKey string) string {
	return `<script>
var channelKey = "` + channelKey + `";
var authTs = "1700000000";
var authRnd = "r4nd";
var authSig = "a+b/c=";
function boot() {
  if (a) { b() } fetchWithRetry('` + authHost + `', 2);
  return fetchWithRetry("` + lookupPath + `", 2);
}
const m3u8 = sk + '` + hostTemplate + `' + sk + "/" + channelKey + "/mono.m3u8";
</script>`
}

func (u *upstream) resolver(m *metrics.Metrics) *Resolver {
	pool := http_retry.NewPool(http_retry.PoolConfig{
		ConnectTimeout: time.Second,
		Attempts:       1,
		Transport:      u.srv.Client().Transport,
	}, nil, m)
	return New(pool, m, Options{Timeout: 2 * time.Second})
}

func resolve(r *Resolver, source string) model.ResolutionResult {
	return r.Resolve(context.Background(), model.ResolutionRequest{SourceUrl: source})
}

func TestResolveEmbedHandshake(t *testing.T) {
	u := newUpstream(t)
	m := metrics.New(prometheus.NewRegistry())

	res := resolve(u.resolver(m), u.srv.URL+"/watch")

	assert.Equal(t, "https://s1/live/s1/ch/mono.m3u8", res.ResolvedUrl)
	assert.Equal(t, model.USER_AGENT, res.Header.Get("User-Agent"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&u.authCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionCounter(OutcomeResolved)))
}

func TestResolveRelativeIframe(t *testing.T) {
	u := newUpstream(t)
	res := resolve(u.resolver(nil), u.srv.URL+"/relative")
	assert.Equal(t, "https://s1/live/s1/ch/mono.m3u8", res.ResolvedUrl)
}

func TestResolveDirectPlaylist(t *testing.T) {
	u := newUpstream(t)
	m := metrics.New(prometheus.NewRegistry())

	res := resolve(u.resolver(m), u.srv.URL+"/direct")

	assert.Equal(t, u.srv.URL+"/live/final.m3u8?tok=1", res.ResolvedUrl)
	assert.Equal(t, int32(0), atomic.LoadInt32(&u.embedCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionCounter(OutcomeDirect)))
}

func TestResolveKeepsCallerHeaders(t *testing.T) {
	u := newUpstream(t)
	header := http.Header{"User-Agent": {"custom"}, "Referer": {"https://ref/"}}

	res := u.resolver(nil).Resolve(context.Background(), model.ResolutionRequest{
		SourceUrl: u.srv.URL + "/direct",
		Header:    header,
	})
	assert.Equal(t, "custom", res.Header.Get("User-Agent"))
	assert.Equal(t, "https://ref/", res.Header.Get("Referer"))

	res.Header.Set("User-Agent", "mutated")
	assert.Equal(t, "custom", header.Get("User-Agent"))
}

func TestResolveWithoutIframeFallsBack(t *testing.T) {
	u := newUpstream(t)
	m := metrics.New(prometheus.NewRegistry())

	source := u.srv.URL + "/plain"
	res := resolve(u.resolver(m), source)

	assert.Equal(t, source, res.ResolvedUrl)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter(string(StageFindIframe))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionCounter(OutcomeFallback)))
}

func TestResolveUnreachableSourceFallsBack(t *testing.T) {
	u := newUpstream(t)
	m := metrics.New(prometheus.NewRegistry())

	source := u.srv.URL + "/missing"
	res := resolve(u.resolver(m), source)

	assert.Equal(t, source, res.ResolvedUrl)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter(string(StageFetchSource))))
}

func TestResolveMissingAnyTokenFallsBack(t *testing.T) {
	patterns := map[string]string{
		extract.ChannelKey:       `var channelKey = "ch";`,
		extract.AuthTs:           `var authTs = "1700000000";`,
		extract.AuthRnd:          `var authRnd = "r4nd";`,
		extract.AuthSig:          `var authSig = "a+b/c=";`,
		extract.AuthHost:         `} fetchWithRetry('`,
		extract.ServerLookupPath: `return fetchWithRetry("`,
		extract.HostTemplate:     `const m3u8 = sk + '`,
	}
	for _, name := range requiredTokens {
		t.Run(name, func(t *testing.T) {
			u := newUpstream(t)
			m := metrics.New(prometheus.NewRegistry())
			full := u.embed
			require.Contains(t, full, patterns[name])
			u.embed = strings.Replace(full, patterns[name], "/* removed */", 1)

			source := u.srv.URL + "/watch"
			res := resolve(u.resolver(m), source)

			assert.Equal(t, source, res.ResolvedUrl)
			assert.Equal(t, int32(0), atomic.LoadInt32(&u.authCalls))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter(string(StageExtractTokens))))
		})
	}
}

func TestResolveAuthFailureFallsBack(t *testing.T) {
	u := newUpstream(t)
	u.embed = strings.Replace(u.embed, `authSig = "a+b/c="`, `authSig = "wrong"`, 1)
	m := metrics.New(prometheus.NewRegistry())

	source := u.srv.URL + "/watch"
	res := resolve(u.resolver(m), source)

	assert.Equal(t, source, res.ResolvedUrl)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter(string(StageAuthHandshake))))
}

func TestResolveLookupFailuresFallBack(t *testing.T) {
	for name, body := range map[string]string{
		"no server key": `{"other":"x"}`,
		"empty key":     `{"server_key":""}`,
		"not json":      `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			u := newUpstream(t)
			u.lookup = body
			m := metrics.New(prometheus.NewRegistry())

			source := u.srv.URL + "/watch"
			res := resolve(u.resolver(m), source)

			assert.Equal(t, source, res.ResolvedUrl)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter(string(StageServerLookup))))
		})
	}
}

func TestResolveEmptySource(t *testing.T) {
	u := newUpstream(t)
	res := resolve(u.resolver(nil), "")
	assert.Equal(t, "", res.ResolvedUrl)
	assert.NotEmpty(t, res.Header.Get("User-Agent"))
}

func TestTokenUrls(t *testing.T) {
	tok := &Tokens{
		ChannelKey:       "ch",
		AuthTs:           "1",
		AuthRnd:          "2",
		AuthSig:          "a+b/c=",
		AuthHost:         "https://auth/",
		ServerLookupPath: "/server_lookup?channel_id=",
		HostTemplate:     "/live/",
	}
	assert.Equal(t, "https://auth/ch&ts=1&rnd=2&sig=a%2Bb%2Fc%3D", tok.AuthUrl())
	assert.Equal(t, "https://embed.example:8443/server_lookup?channel_id=ch", tok.LookupUrl("embed.example:8443"))
	assert.Equal(t, "https://s1/live/s1/ch/mono.m3u8", tok.StreamUrl("s1"))
}
