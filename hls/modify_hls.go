package hls

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	Header    = "#EXTM3U"
	sniffSize = 100
)

var uriRe = regexp.MustCompile(`URI="([^"]+)"`)

// HasHeader reports whether content, once trimmed, starts with #EXTM3U.
func HasHeader(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), Header)
}

// LooksLikePlaylist only sniffs the head of content for the marker, so
// that a BOM or leading junk still counts as a playlist.
func LooksLikePlaylist(content string) bool {
	head := content
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	return strings.Contains(head, Header)
}

// BaseUrl keeps scheme, host and the directory of the final playlist url.
// Query and fragment are dropped.
func BaseUrl(final *url.URL) *url.URL {
	dir := final.Path
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = ""
	}
	return &url.URL{Scheme: final.Scheme, Host: final.Host, Path: dir}
}

// RewritePlaylist replaces every upstream reference in a playlist with a
// relay link. Lines are handled one at a time and the output has exactly
// the lines of the input, in order. Tags without a reference, comments
// and blank lines are kept byte for byte.
func RewritePlaylist(m3u8 string, base *url.URL, links Links) string {
	lines := strings.Split(m3u8, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case trimmed[0] == '#':
			if link := uriRoute(tagName(trimmed), links); link != nil {
				lines[i] = rewriteUri(line, base, links, link)
			}
		case links.Owns(trimmed):
		default:
			lines[i] = rewriteMedia(line, trimmed, base, links)
		}
	}
	return strings.Join(lines, "\n")
}

func tagName(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

// uriRoute picks the relay endpoint for the URI attribute of a tag, nil
// for tags whose URI is not relayed.
func uriRoute(tag string, links Links) func(string) string {
	switch tag {
	case "#EXT-X-KEY", "#EXT-X-SESSION-KEY":
		return links.Key
	case "#EXT-X-MAP", "#EXT-X-PART", "#EXT-X-PRELOAD-HINT":
		return links.Segment
	case "#EXT-X-MEDIA", "#EXT-X-I-FRAME-STREAM-INF", "#EXT-X-RENDITION-REPORT":
		return links.Playlist
	}
	return nil
}

func rewriteMedia(line, ref string, base *url.URL, links Links) string {
	abs, ok := resolve(base, ref)
	if !ok {
		return line
	}
	if isPlaylistRef(abs) {
		return links.Playlist(abs.String())
	}
	return links.Segment(abs.String())
}

// rewriteUri swaps the quoted URI attribute of a tag. A tag without one,
// or one that is already a relay link, is returned unchanged.
func rewriteUri(line string, base *url.URL, links Links, link func(string) string) string {
	m := uriRe.FindStringSubmatchIndex(line)
	if m == nil {
		return line
	}
	value := line[m[2]:m[3]]
	if links.Owns(value) {
		return line
	}
	abs, ok := resolve(base, value)
	if !ok {
		return line
	}
	return line[:m[2]] + link(abs.String()) + line[m[3]:]
}

// resolve makes ref absolute against base. Only http and https results
// can be relayed, anything else (skd://, data:) stays untouched.
func resolve(base *url.URL, ref string) (*url.URL, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	return abs, true
}

func isPlaylistRef(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}
