// Package status collects log events into a fixed ring and publishes them,
// together with a periodic device report, to a message broker.
package status

import (
	"sync"
	"time"
)

// Severity levels, OTLP numbering.
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// QueueSize is the number of events held before the oldest is overwritten.
const QueueSize = 16

// Entry is one queued event.
type Entry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [128]byte
}

// Text returns the event body.
func (e *Entry) Text() string { return string(e.Body[:e.BodyLen]) }

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Queued      int
	Overwritten int
	Paused      bool
}

// Queue is a fixed ring of events; when full the oldest entry is replaced.
type Queue struct {
	mu          sync.Mutex
	ring        [QueueSize]Entry
	head        int
	count       int
	overwritten int
	paused      bool
	now         func() time.Time
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now}
}

// Push queues msg. Pushes while paused are discarded.
func (q *Queue) Push(severity uint8, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	idx := (q.head + q.count) % len(q.ring)
	if q.count == len(q.ring) {
		q.head = (q.head + 1) % len(q.ring)
		q.overwritten++
	} else {
		q.count++
	}
	e := &q.ring[idx]
	e.Timestamp = q.now().UnixNano()
	e.Severity = severity
	e.BodyLen = uint8(copy(e.Body[:], msg))
}

// Drain copies up to len(dst) of the oldest entries into dst, removes them
// and returns the number copied.
func (q *Queue) Drain(dst []Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(len(dst), q.count)
	for i := 0; i < n; i++ {
		dst[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.head = (q.head + n) % len(q.ring)
	q.count -= n
	return n
}

// Pause stops accepting events. The publisher pauses the queue while a
// flush is running.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Queued: q.count, Overwritten: q.overwritten, Paused: q.paused}
}
