//go:build !tinygo

package stream

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

var ErrNoPeer = errors.New("stream: no client connected")

// readWait is the deadline of one non-blocking read on the host.
const readWait = time.Millisecond

// Listener is a host TCP Device: it accepts one client at a time, a new
// client replacing the previous one.
type Listener struct {
	addr string

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
	wg   sync.WaitGroup
}

func NewListener(addr string) *Listener {
	return &Listener{addr: addr}
}

func (l *Listener) Open() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.wg.Add(1)
	go l.accept(ln)
	return nil
}

func (l *Listener) accept(ln net.Listener) {
	defer l.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.conn = c
		l.mu.Unlock()
	}
}

// Addr returns the bound address, or nil when closed.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	ln, c := l.ln, l.conn
	l.ln, l.conn = nil, nil
	l.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	if c != nil {
		c.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) current() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) drop(c net.Conn) {
	l.mu.Lock()
	if l.conn == c {
		l.conn = nil
	}
	l.mu.Unlock()
	c.Close()
}

// Read returns what the client sent within a millisecond. A failed client
// is dropped and reads as empty.
func (l *Listener) Read(p []byte) (int, error) {
	c := l.current()
	if c == nil {
		return 0, nil
	}
	c.SetReadDeadline(time.Now().Add(readWait))
	n, err := c.Read(p)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		l.drop(c)
	}
	return n, nil
}

func (l *Listener) Write(p []byte) (int, error) {
	c := l.current()
	if c == nil {
		return 0, ErrNoPeer
	}
	n, err := c.Write(p)
	if err != nil {
		l.drop(c)
	}
	return n, err
}
