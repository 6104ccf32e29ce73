package model

import "net/http"

// Input is a parsed relay request: the upstream url plus the headers to
// send with every upstream fetch made on its behalf.
type Input struct {
	Url     string
	Referer string
	Origin  string
	Agent   string
}

// Header builds the upstream request headers, falling back to the
// default user agent when the caller gave none.
func (i *Input) Header(defaultAgent string) http.Header {
	h := http.Header{}
	if i.Referer != "" {
		h.Set("Referer", i.Referer)
	}
	if i.Origin != "" {
		h.Set("Origin", i.Origin)
	}
	agent := i.Agent
	if agent == "" {
		agent = defaultAgent
	}
	if agent != "" {
		h.Set("User-Agent", agent)
	}
	return h
}

// HasHint reports whether the input carries any caller supplied header
// that must be propagated into generated links.
func (i *Input) HasHint() bool {
	return i.Referer != "" || i.Origin != "" || i.Agent != ""
}
