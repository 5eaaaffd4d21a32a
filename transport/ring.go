package transport

import "sync/atomic"

// Ring is a fixed-size single-producer single-consumer byte queue. The
// producer may run in interrupt context; neither side blocks or allocates.
type Ring struct {
	buf  []byte
	head atomic.Uint32 // next write, producer only
	tail atomic.Uint32 // next read, consumer only

	dropped atomic.Uint32
}

// NewRing allocates a ring holding up to size-1 bytes.
func NewRing(size int) *Ring {
	if size < 2 {
		size = 2
	}
	return &Ring{buf: make([]byte, size)}
}

// Put appends p. Bytes that do not fit are dropped and counted.
func (r *Ring) Put(p []byte) int {
	size := uint32(len(r.buf))
	head := r.head.Load()
	tail := r.tail.Load()
	n := 0
	for _, b := range p {
		next := (head + 1) % size
		if next == tail {
			r.dropped.Add(uint32(len(p) - n))
			break
		}
		r.buf[head] = b
		head = next
		n++
	}
	r.head.Store(head)
	return n
}

// Get moves up to len(p) bytes into p.
func (r *Ring) Get(p []byte) int {
	size := uint32(len(r.buf))
	head := r.head.Load()
	tail := r.tail.Load()
	n := 0
	for n < len(p) && tail != head {
		p[n] = r.buf[tail]
		tail = (tail + 1) % size
		n++
	}
	r.tail.Store(tail)
	return n
}

// Len returns the number of queued bytes.
func (r *Ring) Len() int {
	size := uint32(len(r.buf))
	return int((r.head.Load() + size - r.tail.Load()) % size)
}

// Clear drops everything queued. Consumer side only.
func (r *Ring) Clear() {
	r.tail.Store(r.head.Load())
}

// Dropped returns the number of bytes lost to overflow.
func (r *Ring) Dropped() uint32 {
	return r.dropped.Load()
}
