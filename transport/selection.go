package transport

import "sync/atomic"

// Selection is the current/pending record shared between the selection
// input (interrupt context) and the manager (main loop).
//
// pending is only written by Request, and only while it equals current.
// current is only written by the manager when a switch completes.
type Selection struct {
	current atomic.Uint32
	pending atomic.Uint32
}

// NewSelection returns a record with current = pending = def.
func NewSelection(def ID) *Selection {
	s := &Selection{}
	s.current.Store(uint32(def))
	s.pending.Store(uint32(def))
	return s
}

func (s *Selection) Current() ID { return ID(s.current.Load()) }
func (s *Selection) Pending() ID { return ID(s.pending.Load()) }

// Outstanding reports whether a switch has been requested but not applied.
func (s *Selection) Outstanding() bool {
	return s.current.Load() != s.pending.Load()
}

// Request arms a switch to id. It returns false, leaving the record
// untouched, when another switch is still outstanding. Requesting the
// current transport is a no-op that reports true.
func (s *Selection) Request(id ID) bool {
	cur := s.current.Load()
	return s.pending.CompareAndSwap(cur, uint32(id))
}

// commit completes a switch. Manager only.
func (s *Selection) commit(id ID) {
	s.current.Store(uint32(id))
}
