package upstream

import (
	"net/url"
	"strings"
)

const (
	codexBasePathSuffix = "/backend-api/codex"
	codexResponsesPrefix = codexBasePathSuffix + "/v1/responses"
	codexCompactPath     = codexBasePathSuffix + "/responses/compact"
)

// BuildTargetURL rewrites an inbound path+query against the configured
// upstream base URL. It special-cases the Codex "/v1/responses" endpoint,
// which the upstream only accepts at "/responses/compact" with no query.
func BuildTargetURL(baseURL, inboundPath, inboundRawQuery string) (string, error) {
	b, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	basePath := strings.TrimRight(b.Path, "/")

	if strings.HasSuffix(basePath, codexBasePathSuffix) && strings.HasPrefix(inboundPath, codexResponsesPrefix) {
		b.Path = codexCompactPath
		b.RawQuery = ""
		return b.String(), nil
	}

	b.Path = basePath + inboundPath
	b.RawQuery = inboundRawQuery
	return b.String(), nil
}
