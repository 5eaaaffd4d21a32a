//go:build !tinygo

package console

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"
)

// NetConn adapts a net.Conn to Conn with polling reads.
type NetConn struct {
	net.Conn
	closed bool
}

func (c *NetConn) Read(p []byte) (int, error) {
	c.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	n, err := c.Conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	if err != nil {
		c.closed = true
	}
	return n, err
}

func (c *NetConn) Flush() error { return nil }
func (c *NetConn) Closed() bool { return c.closed }

// ServeListener accepts and serves one connection at a time until ctx ends
// or ln fails. While locked out, clients are refused.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log().Info("console:listening", slog.String("addr", ln.Addr().String()))
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if locked, remaining := s.Lockout.Locked(); locked {
			s.log().Info("console:lockout",
				slog.Int("failures", s.Lockout.Failures()),
				slog.Duration("remaining", remaining),
			)
			c.Close()
			continue
		}
		s.log().Info("console:connected", slog.String("ip", c.RemoteAddr().String()))
		stopConn := context.AfterFunc(ctx, func() { c.Close() })
		s.Serve(&NetConn{Conn: c})
		stopConn()
		c.Close()
		s.log().Info("console:disconnected")
	}
}
