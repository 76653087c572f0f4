// Package gwlog is the gateway's slog.Handler: a text handler to stderr
// backed by a fixed-size ring buffer so the last N log records stay
// queryable in-process, plus header and token-attr redaction for the
// optional debug-HTTP mode.
//
// Grounded on the teacher's internal/events/loghandler.go.
package gwlog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is a ring-buffer snapshot of one log line.
type Record struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Handler is an slog.Handler that writes to stderr and retains the last
// ringSize records in memory.
type Handler struct {
	inner     slog.Handler
	mu        sync.RWMutex
	ring      []Record
	ringSize  int
	ringPos   int
	ringCount int
	level     slog.Leveler
	attrs     []slog.Attr
	groups    []string
	root      *Handler // owner of the shared ring; nil on the handler New returns
}

// New builds a Handler logging at level with a ring buffer of ringSize
// records (defaulting to 1000 when ringSize <= 0).
func New(level slog.Leveler, ringSize int) *Handler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &Handler{
		inner:    slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:     make([]Record, ringSize),
		ringSize: ringSize,
		level:    level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle writes a redacted copy of r to the backing text handler and
// stores one in the ring buffer: any attr carrying an http.Header value or
// a key naming bearer material (access_token, authorization, ...) is
// masked before it reaches stderr or Recent(). Records from handlers
// derived via WithAttrs/WithGroup land in the same ring as their root.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = redactAttrValue(a.Key, a.Value.Any())
	}
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		v := redactAttrValue(a.Key, a.Value.Any())
		attrs[prefix+a.Key] = v
		out.AddAttrs(slog.Any(a.Key, v))
		return true
	})
	if err := h.inner.Handle(ctx, out); err != nil {
		return err
	}

	rec := Record{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}

	h = h.owner()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.ringPos] = rec
	h.ringPos = (h.ringPos + 1) % h.ringSize
	if h.ringCount < h.ringSize {
		h.ringCount++
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	safe := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		safe[i] = slog.Any(a.Key, redactAttrValue(a.Key, a.Value.Any()))
	}
	return &Handler{
		inner:     h.inner.WithAttrs(safe),
		ring:      h.ring,
		ringSize:  h.ringSize,
		ringPos:   h.ringPos,
		ringCount: h.ringCount,
		level:     h.level,
		attrs:     append(cloneAttrs(h.attrs), attrs...),
		groups:    h.groups,
		root:      h.owner(),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner:     h.inner.WithGroup(name),
		ring:      h.ring,
		ringSize:  h.ringSize,
		ringPos:   h.ringPos,
		ringCount: h.ringCount,
		level:     h.level,
		attrs:     cloneAttrs(h.attrs),
		groups:    append(append([]string{}, h.groups...), name),
		root:      h.owner(),
	}
}

// owner returns the handler whose ring h records into: the one New
// returned, shared by every handler derived from it.
func (h *Handler) owner() *Handler {
	if h.root != nil {
		return h.root
	}
	return h
}

// Recent returns the ring buffer's contents, oldest first.
func (h *Handler) Recent() []Record {
	h = h.owner()
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.ringCount == 0 {
		return nil
	}
	result := make([]Record, h.ringCount)
	start := (h.ringPos - h.ringCount + h.ringSize) % h.ringSize
	for i := 0; i < h.ringCount; i++ {
		result[i] = h.ring[(start+i)%h.ringSize]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
