package parsing

import (
	"errors"
	"net/url"
	"strings"

	"github.com/bitknox/hls-relay/model"
	"github.com/cristalhq/base64"
)

var (
	ErrMissingUrl        = errors.New("missing url")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// ParseInput builds a relay input from the already percent-decoded url
// query value and the optional base64 header hint.
func ParseInput(rawUrl string, hint string) (*model.Input, error) {
	rawUrl = strings.TrimSpace(rawUrl)
	if rawUrl == "" {
		return nil, ErrMissingUrl
	}

	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, ErrUnsupportedScheme
	}

	out := &model.Input{Url: rawUrl}
	if hint == "" {
		return out, nil
	}

	//a hint that does not decode is ignored, the url alone is still usable
	decoded, err := decodeHint(hint)
	if err != nil {
		return out, nil
	}

	parts := strings.Split(decoded, "|")
	out.Referer = parts[0]
	if len(parts) > 1 {
		out.Origin = parts[1]
	}
	if len(parts) > 2 {
		out.Agent = parts[2]
	}
	return out, nil
}

// EncodeHint is the inverse of the hint half of ParseInput. It returns an
// empty string when the input carries nothing worth propagating.
func EncodeHint(input *model.Input) string {
	if input == nil || !input.HasHint() {
		return ""
	}
	raw := input.Referer + "|" + input.Origin
	if input.Agent != "" {
		raw += "|" + input.Agent
	}
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func decodeHint(hint string) (string, error) {
	//an unescaped '+' arrives as a space after query decoding
	hint = strings.ReplaceAll(hint, " ", "+")
	decodedBytes, err := base64.StdEncoding.DecodeString(hint)
	if err != nil {
		return "", err
	}
	return string(decodedBytes), nil
}
