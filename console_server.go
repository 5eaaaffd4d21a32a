//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/dfuloader/console"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

// Pre-allocated console buffers
var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
)

// consoleConn adapts the lneto connection to console.Conn.
type consoleConn struct {
	conn *tcp.Conn
}

func (c consoleConn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

func (c consoleConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c consoleConn) Flush() error                { return c.conn.Flush() }

func (c consoleConn) Closed() bool {
	st := c.conn.State()
	return st.IsClosed() || st.IsClosing() || !st.RxDataOpen()
}

// consoleServer runs the debug console on port 23, one client at a time.
func consoleServer(stack *xnet.StackAsync, srv *console.Server, logger *slog.Logger) {
	// Recover from any panics to keep console server running
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		// Always abort any previous state before listening
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if locked, remaining := srv.Lockout.Locked(); locked {
			logger.Info("console:lockout",
				slog.Int("failures", srv.Lockout.Failures()),
				slog.Duration("remaining", remaining),
			)
			time.Sleep(time.Second)
			continue
		}

		err = stack.ListenTCP(&conn, consolePort)
		if err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			srv.Serve(consoleConn{conn: &conn})
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}
