package resolver

import (
	"net/url"

	"github.com/bitknox/hls-relay/extract"
)

var requiredTokens = []string{
	extract.ChannelKey,
	extract.AuthTs,
	extract.AuthRnd,
	extract.AuthSig,
	extract.AuthHost,
	extract.ServerLookupPath,
	extract.HostTemplate,
}

// Tokens is the complete token set of one embed page. It only exists when
// all seven values were found.
type Tokens struct {
	ChannelKey       string
	AuthTs           string
	AuthRnd          string
	AuthSig          string
	AuthHost         string
	ServerLookupPath string
	HostTemplate     string
}

func tokensFrom(fields extract.Fields) (*Tokens, error) {
	if err := fields.Require(requiredTokens...); err != nil {
		return nil, err
	}
	return &Tokens{
		ChannelKey:       fields[extract.ChannelKey],
		AuthTs:           fields[extract.AuthTs],
		AuthRnd:          fields[extract.AuthRnd],
		AuthSig:          fields[extract.AuthSig],
		AuthHost:         fields[extract.AuthHost],
		ServerLookupPath: fields[extract.ServerLookupPath],
		HostTemplate:     fields[extract.HostTemplate],
	}, nil
}

// AuthUrl is the signed handshake request. The auth host already ends in
// the channel parameter name, the key is appended bare.
func (t *Tokens) AuthUrl() string {
	return t.AuthHost + t.ChannelKey +
		"&ts=" + t.AuthTs +
		"&rnd=" + t.AuthRnd +
		"&sig=" + url.QueryEscape(t.AuthSig)
}

func (t *Tokens) LookupUrl(embedHost string) string {
	return "https://" + embedHost + t.ServerLookupPath + t.ChannelKey
}

// StreamUrl fills the upstream url template. The server key appears twice,
// once as the host label and once as the first path segment, with the
// host template verbatim in between. Nothing upstream documents this
// shape; it is copied from what the player page builds and breaks as soon
// as the player changes.
func (t *Tokens) StreamUrl(serverKey string) string {
	return "https://" + serverKey + t.HostTemplate + serverKey + "/" + t.ChannelKey + "/mono.m3u8"
}
