package gwlog

import (
	"net/http"
	"strings"
)

const redacted = "[redacted]"

// sensitiveHeaders lists headers that must never reach a log line verbatim
// when debug-HTTP mode captures request/response headers.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// sensitiveAttrKeys lists slog attribute key suffixes (after any group
// prefix) that carry bearer material even outside of an http.Header value,
// e.g. a bare "access_token" attr.
var sensitiveAttrKeys = map[string]bool{
	"authorization": true,
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"bearer":        true,
	"password":      true,
}

// RedactHeaders returns a copy of header with sensitive values replaced,
// safe to pass to a debug log line.
func RedactHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for k, v := range header {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = []string{redacted}
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// redactAttrValue is Handle's single choke point for keeping secrets out of
// the ring buffer: any http.Header attr value is passed through
// RedactHeaders, and any attr whose own key names bearer material is masked
// outright, before the record is ever stored.
func redactAttrValue(key string, value any) any {
	if header, ok := value.(http.Header); ok {
		return RedactHeaders(header)
	}

	leaf := key
	if i := strings.LastIndexByte(leaf, '.'); i >= 0 {
		leaf = leaf[i+1:]
	}
	if sensitiveAttrKeys[strings.ToLower(leaf)] {
		return redacted
	}
	return value
}
