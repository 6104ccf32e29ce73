package model

import "net/http"

// ResolutionRequest is the immutable input of one resolution.
type ResolutionRequest struct {
	SourceUrl string
	Header    http.Header
}

// ResolutionResult always carries a url. When resolution fails it is the
// source url unchanged.
type ResolutionResult struct {
	ResolvedUrl string
	Header      http.Header
}
