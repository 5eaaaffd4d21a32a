package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

const (
	// AuthTimeout bounds the password prompt.
	AuthTimeout = 10 * time.Second
	// PollInterval is the wait between empty reads.
	PollInterval = 50 * time.Millisecond
	maxPassword  = 63
)

// Conn is an accepted connection. Read returns 0, nil when no data is
// buffered yet.
type Conn interface {
	io.ReadWriter
	Flush() error
	// Closed reports that the peer went away.
	Closed() bool
}

// Server authenticates and serves console sessions.
type Server struct {
	Dispatcher *Dispatcher
	Lockout    *Lockout
	Password   string
	Logger     *slog.Logger
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
	Now   func() time.Time
}

func (s *Server) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Serve runs one connection to completion: password, banner, then
// commands until quit, reboot or disconnect.
func (s *Server) Serve(c Conn) {
	var dec lineDecoder
	if !s.authenticate(c, &dec) {
		s.log().Info("console:auth-failed", slog.Int("failures", s.Lockout.Failures()))
		return
	}
	s.log().Info("console:authenticated")
	io.WriteString(c, Banner+"> ")
	c.Flush()

	var rd [64]byte
	for !c.Closed() {
		n, err := c.Read(rd[:])
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		if n == 0 {
			s.sleep(PollInterval)
			continue
		}
		for _, b := range rd[:n] {
			line, ok, overflow := dec.feed(b)
			if overflow {
				io.WriteString(c, "\r\nLine too long\r\n> ")
				c.Flush()
				continue
			}
			if !ok {
				continue
			}
			if s.Dispatcher.Execute(c, line) {
				c.Flush()
				return
			}
			io.WriteString(c, "> ")
			c.Flush()
		}
	}
}

// Authenticate prompts for the password with client echo disabled and
// records the result in the lockout. An empty configured password never
// matches.
func (s *Server) Authenticate(c Conn) bool {
	var dec lineDecoder
	return s.authenticate(c, &dec)
}

// authenticate reads one byte at a time so input following the password
// stays in the connection for the command loop.
func (s *Server) authenticate(c Conn, dec *lineDecoder) bool {
	c.Write(willEcho)
	io.WriteString(c, "Password: ")
	c.Flush()
	restore := func() {
		c.Write(wontEcho)
		io.WriteString(c, "\r\n")
		c.Flush()
	}

	var pass [maxPassword + 1]byte
	var rd [1]byte
	deadline := s.now().Add(AuthTimeout)
	for s.now().Before(deadline) {
		if c.Closed() {
			restore()
			return false
		}
		got, err := c.Read(rd[:])
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			restore()
			return false
		}
		if got == 0 {
			s.sleep(PollInterval)
			continue
		}
		line, ok, _ := dec.feed(rd[0])
		if !ok {
			continue
		}
		n := copy(pass[:], line)
		restore()
		if len(line) <= maxPassword && s.Password != "" &&
			subtle.ConstantTimeCompare(pass[:n], []byte(s.Password)) == 1 {
			s.Lockout.Success()
			return true
		}
		s.Lockout.Failure()
		return false
	}
	restore()
	s.Lockout.Failure()
	return false
}
