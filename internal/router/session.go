package router

import "net/http"

// sessionHeaderPriority lists the headers consulted, in order, to resolve
// a sticky session key for an inbound request.
var sessionHeaderPriority = []string{
	"x-session-id",
	"openai-session",
	"x-openai-session",
	"x-request-id",
}

// sessionKeyFor resolves the sticky-routing key for req: the first present
// header in sessionHeaderPriority, else the caller's remote address, else
// a fixed fallback shared by every unidentifiable client.
func sessionKeyFor(req *http.Request) string {
	for _, h := range sessionHeaderPriority {
		if v := req.Header.Get(h); v != "" {
			return v
		}
	}
	if req.RemoteAddr != "" {
		return "ip:" + req.RemoteAddr
	}
	return "default"
}
