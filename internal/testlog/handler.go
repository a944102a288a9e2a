// Package testlog provides a slog.Handler that records log output without
// timestamps so tests can assert on it.
package testlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type record struct {
	mu       sync.Mutex
	lines    []string
	messages []string
}

// Handler records every message as "[index] LEVEL: message attrs".
type Handler struct {
	rec         *record
	attrs       []slog.Attr
	groups      []string
	ignoreDebug bool
}

type Option func(*Handler)

// WithIgnoreDebug drops DEBUG messages.
func WithIgnoreDebug() Option {
	return func(h *Handler) {
		h.ignoreDebug = true
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{rec: &record{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

//nolint:gocritic
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", r.Level, r.Message)
	line := msg
	if attrs := h.attrsToString(&r); attrs != "" {
		line += " " + attrs
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	h.rec.lines = append(h.rec.lines, fmt.Sprintf("[%d] %s", len(h.rec.lines), line))
	h.rec.messages = append(h.rec.messages, msg)
	return nil
}

// Lines returns the recorded output, attributes included.
func (h *Handler) Lines() []string {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return append([]string(nil), h.rec.lines...)
}

// Messages returns "LEVEL: message" for each record.
func (h *Handler) Messages() []string {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return append([]string(nil), h.rec.messages...)
}

func (h *Handler) attrsToString(r *slog.Record) string {
	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, formatAttr(a, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(a, prefix))
		return true
	})
	return strings.Join(parts, ", ")
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	next := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		next = append(next, a)
	}

	c := *h
	c.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], next...)
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &c
}
