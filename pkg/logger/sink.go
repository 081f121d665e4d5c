package logger

import (
	"context"
	"log/slog"
	"sync"
)

// sink holds the handler currently backing a family of loggers.
type sink struct {
	mu      sync.RWMutex
	handler slog.Handler
	gen     uint64
}

func newSink(h slog.Handler) *sink { return &sink{handler: h} }

func (s *sink) store(h slog.Handler) {
	s.mu.Lock()
	s.handler = h
	s.gen++
	s.mu.Unlock()
}

func (s *sink) load() (slog.Handler, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler, s.gen
}

// switchHandler replays its WithAttrs/WithGroup chain on top of whatever
// handler the sink holds, rebuilding only when the sink changes.
type switchHandler struct {
	sink     *sink
	fallback *sink
	chain    []func(slog.Handler) slog.Handler

	mu     sync.Mutex
	base   *sink
	gen    uint64
	cached slog.Handler
}

func (h *switchHandler) current() slog.Handler {
	src := h.sink
	base, gen := src.load()
	if base == nil && h.fallback != nil {
		src = h.fallback
		base, gen = src.load()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached == nil || h.base != src || h.gen != gen {
		for _, step := range h.chain {
			base = step(base)
		}
		h.cached, h.base, h.gen = base, src, gen
	}
	return h.cached
}

func (h *switchHandler) derive(step func(slog.Handler) slog.Handler) *switchHandler {
	chain := make([]func(slog.Handler) slog.Handler, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &switchHandler{sink: h.sink, fallback: h.fallback, chain: append(chain, step)}
}

func (h *switchHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.current().Enabled(ctx, l)
}

func (h *switchHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(b slog.Handler) slog.Handler { return b.WithAttrs(attrs) })
}

func (h *switchHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(b slog.Handler) slog.Handler { return b.WithGroup(name) })
}
