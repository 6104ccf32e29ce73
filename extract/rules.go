package extract

import "regexp"

// Field names of the embed handshake.
const (
	Iframe           = "iframe"
	ChannelKey       = "channelKey"
	AuthTs           = "authTs"
	AuthRnd          = "authRnd"
	AuthSig          = "authSig"
	AuthHost         = "authHost"
	ServerLookupPath = "serverLookupPath"
	HostTemplate     = "hostTemplate"
)

// IframeRules finds the player frame on a source page.
var IframeRules = Table{
	{Iframe, regexp.MustCompile(`iframe\s+src=['"]([^'"]+)['"]`)},
}

// EmbedRules extract the authentication tokens from the player page.
// The auth host and lookup path are the first arguments of the two
// fetchWithRetry calls, told apart by what precedes them.
var EmbedRules = Table{
	{ChannelKey, regexp.MustCompile(`channelKey\s*=\s*"([^"]*)"`)},
	{AuthTs, regexp.MustCompile(`authTs\s*=\s*"([^"]*)"`)},
	{AuthRnd, regexp.MustCompile(`authRnd\s*=\s*"([^"]*)"`)},
	{AuthSig, regexp.MustCompile(`authSig\s*=\s*"([^"]*)"`)},
	{AuthHost, regexp.MustCompile(`\}\s*fetchWithRetry\(\s*['"]([^'"]*)['"]`)},
	{ServerLookupPath, regexp.MustCompile(`n\s+fetchWithRetry\(\s*['"]([^'"]*)['"]`)},
	{HostTemplate, regexp.MustCompile(`m3u8\s*=.*?['"]([^'"]*)['"]`)},
}
