// Package idgen generates request/attempt identifiers for log
// correlation. Grounded on the teacher's pervasive uuid.New() use for
// lock ids, session ids, and account ids.
package idgen

import "github.com/google/uuid"

// NewRequestID returns a fresh identifier for one inbound request. The
// server returns it to the client in the x-gateway-request-id response
// header; no log line carries it.
func NewRequestID() string {
	return uuid.New().String()
}
