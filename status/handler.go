package status

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"
)

// Handler is a slog.Handler that writes text to w and queues records at
// INFO and above as status events.
type Handler struct {
	text  slog.Handler
	queue *Queue
	attrs []slog.Attr
	group string
}

// NewHandler returns a handler writing to w (typically the console UART).
func NewHandler(w io.Writer, q *Queue, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{text: slog.NewTextHandler(w, opts), queue: q}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.text.Handle(ctx, r)
	if r.Level >= slog.LevelInfo && h.queue != nil {
		var buf [128]byte
		h.queue.Push(severity(r.Level), string(h.appendRecord(buf[:0], r)))
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		text:  h.text.WithAttrs(attrs),
		queue: h.queue,
		attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		group: h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		text:  h.text.WithGroup(name),
		queue: h.queue,
		attrs: h.attrs,
		group: group,
	}
}

func severity(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// appendRecord renders "group:msg k=v ..." with at most four record
// attributes, bounded by cap(dst).
func (h *Handler) appendRecord(dst []byte, r slog.Record) []byte {
	limit := cap(dst)
	put := func(s string) {
		n := min(len(s), limit-len(dst))
		dst = append(dst, s[:n]...)
	}
	if h.group != "" {
		put(h.group)
		put(":")
	}
	put(r.Message)
	for _, a := range h.attrs {
		put(" ")
		put(a.Key)
		put("=")
		put(formatValue(a.Value))
	}
	n := 0
	r.Attrs(func(a slog.Attr) bool {
		if n >= 4 || len(dst) >= limit-10 {
			return false
		}
		put(" ")
		put(a.Key)
		put("=")
		put(formatValue(a.Value))
		n++
		return true
	})
	return dst
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().Round(time.Microsecond).String()
	case slog.KindFloat64:
		return strconv.FormatInt(int64(v.Float64()), 10)
	default:
		return "?"
	}
}
