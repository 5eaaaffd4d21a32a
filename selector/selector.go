// Package selector turns button presses into transport switch requests.
package selector

import (
	"errors"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/transport"
)

// DefaultDebounce is the window in which further edges are ignored.
const DefaultDebounce = 500 * time.Millisecond

var (
	ErrNoSelection = errors.New("selector: nil selection")
	ErrEmpty       = errors.New("selector: no transports to cycle")
	ErrUnsupported = errors.New("selector: transport not in cycle")
	ErrOutstanding = errors.New("selector: switch already pending")
)

// Result is what happened to one trigger.
type Result uint8

const (
	Accepted Result = iota
	Bounced
	Dropped
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Bounced:
		return "bounced"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config of a Handler.
type Config struct {
	Selection *transport.Selection
	// Supported is the ordered cycle. The selection's current transport
	// positions the index; if absent the index starts at 0.
	Supported []transport.ID
	Debounce  time.Duration
	// Clear acknowledges the interrupt source. Optional.
	Clear func()
}

// Handler is safe to call from an interrupt handler: it never blocks and
// never allocates.
type Handler struct {
	sel       *transport.Selection
	supported []transport.ID
	window    int64
	clear     func()

	index    atomic.Uint32
	lastEdge atomic.Int64 // unix nanoseconds of the last accepted edge, 0 for none
	accepted atomic.Uint32
	bounced  atomic.Uint32
	dropped  atomic.Uint32
}

func New(cfg Config) (*Handler, error) {
	if cfg.Selection == nil {
		return nil, ErrNoSelection
	}
	if len(cfg.Supported) == 0 {
		return nil, ErrEmpty
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	h := &Handler{
		sel:       cfg.Selection,
		supported: append([]transport.ID(nil), cfg.Supported...),
		window:    int64(cfg.Debounce),
		clear:     cfg.Clear,
	}
	if i, ok := h.position(cfg.Selection.Current()); ok {
		h.index.Store(uint32(i))
	}
	return h, nil
}

// Trigger handles one edge at time now.
func (h *Handler) Trigger(now time.Time) Result {
	t := now.UnixNano()
	last := h.lastEdge.Load()
	if last != 0 && t-last < h.window {
		h.bounced.Add(1)
		return Bounced
	}
	if !h.lastEdge.CompareAndSwap(last, t) {
		h.bounced.Add(1)
		return Bounced
	}
	if h.clear != nil {
		h.clear()
	}

	if h.sel.Outstanding() {
		h.dropped.Add(1)
		return Dropped
	}
	i := h.index.Load()
	next := (i + 1) % uint32(len(h.supported))
	if !h.sel.Request(h.supported[next]) {
		h.dropped.Add(1)
		return Dropped
	}
	h.index.Store(next)
	h.accepted.Add(1)
	return Accepted
}

// Select requests a switch to id directly, with the same single-outstanding
// gate as Trigger. The cyclic index follows.
func (h *Handler) Select(id transport.ID) error {
	i, ok := h.position(id)
	if !ok {
		return ErrUnsupported
	}
	if h.sel.Outstanding() || !h.sel.Request(id) {
		h.dropped.Add(1)
		return ErrOutstanding
	}
	h.index.Store(uint32(i))
	h.accepted.Add(1)
	return nil
}

// Supported returns a copy of the cycle.
func (h *Handler) Supported() []transport.ID {
	return append([]transport.ID(nil), h.supported...)
}

// Stats returns the accepted, bounced and dropped counts.
func (h *Handler) Stats() (accepted, bounced, dropped uint32) {
	return h.accepted.Load(), h.bounced.Load(), h.dropped.Load()
}

func (h *Handler) position(id transport.ID) (int, bool) {
	for i, s := range h.supported {
		if s == id {
			return i, true
		}
	}
	return 0, false
}
