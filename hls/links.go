package hls

import (
	"net/url"
	"strings"
)

// Relay routes, relative to the public prefix.
const (
	PlaylistPath = "/proxy/m3u"
	SegmentPath  = "/proxy/ts"
	KeyPath      = "/proxy/key"
	ResolvePath  = "/proxy/resolve"
)

// Links builds references back into the relay. An empty Prefix gives
// relay-relative links. Hint is the encoded header hint, carried on
// every link when set.
type Links struct {
	Prefix string
	Hint   string
}

func (l Links) Playlist(upstream string) string {
	return l.build(PlaylistPath, upstream)
}

func (l Links) Segment(upstream string) string {
	return l.build(SegmentPath, upstream)
}

func (l Links) Key(upstream string) string {
	return l.build(KeyPath, upstream)
}

// Owns reports whether ref already points at one of the relay routes.
func (l Links) Owns(ref string) bool {
	for _, p := range []string{PlaylistPath, SegmentPath, KeyPath} {
		if strings.HasPrefix(ref, l.Prefix+p+"?") {
			return true
		}
	}
	return false
}

func (l Links) build(route string, upstream string) string {
	var b strings.Builder
	b.Grow(len(l.Prefix) + len(route) + len(upstream)*3/2 + len(l.Hint) + 8)
	b.WriteString(l.Prefix)
	b.WriteString(route)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(upstream))
	if l.Hint != "" {
		b.WriteString("&h=")
		b.WriteString(url.QueryEscape(l.Hint))
	}
	return b.String()
}
