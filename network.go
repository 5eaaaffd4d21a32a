//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/credentials"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	pollTime   = 5 * time.Millisecond
	dfuPort    = uint16(4242)
	dfuBufSize = 2 * 1024
)

var errNoPeer = errors.New("tcp: no client connected")

// Pre-allocated DFU connection buffers
var (
	dfuRxBuf [dfuBufSize]byte
	dfuTxBuf [512]byte
)

// setupNetwork joins WiFi and runs DHCP. ok is false when no credentials
// are configured; the device then works over wired transports only.
func setupNetwork(hostname string, logger *slog.Logger) (stack *xnet.StackAsync, ok bool, err error) {
	ssid, pass, ok := credentials.WiFi()
	if !ok {
		logger.Info("wifi:disabled")
		return nil, false, nil
	}

	// Network stack logs "packet dropped" at ERROR; keep it quiet.
	netLogger := slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(ssid, pass, devcfg, cywnet.StackConfig{
		Hostname:    hostname,
		MaxTCPPorts: 3, // DFU + debug console + MQTT
	})
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		return nil, true, err
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		return nil, true, err
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	return cystack.LnetoStack(), true, nil
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

// tcpDevice is the TCP transport: one client at a time on dfuPort. The
// accept loop runs while the device is open.
type tcpDevice struct {
	stack  *xnet.StackAsync
	logger *slog.Logger

	conn      tcp.Conn
	open      atomic.Bool
	connected atomic.Bool
	running   atomic.Bool
}

func newTCPDevice(stack *xnet.StackAsync, logger *slog.Logger) (*tcpDevice, error) {
	d := &tcpDevice{stack: stack, logger: logger}
	err := d.conn.Configure(tcp.ConnConfig{
		RxBuf:             dfuRxBuf[:],
		TxBuf:             dfuTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *tcpDevice) Open() error {
	d.open.Store(true)
	if !d.running.Swap(true) {
		go d.acceptLoop()
	}
	return nil
}

func (d *tcpDevice) Close() error {
	d.open.Store(false)
	d.connected.Store(false)
	d.conn.Abort()
	return nil
}

func (d *tcpDevice) acceptLoop() {
	defer d.running.Store(false)
	for d.open.Load() {
		d.conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := d.stack.ListenTCP(&d.conn, dfuPort); err != nil {
			d.logger.Error("tcp:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}
		d.logger.Info("tcp:listening", slog.Int("port", int(dfuPort)))
		for d.conn.State().IsPreestablished() && d.open.Load() {
			time.Sleep(10 * time.Millisecond)
		}
		if !d.conn.State().IsSynchronized() {
			continue
		}

		d.logger.Info("tcp:connected", slog.String("ip", formatRemoteIP(d.conn.RemoteAddr())))
		d.connected.Store(true)
		for d.open.Load() && d.connected.Load() {
			st := d.conn.State()
			if st.IsClosed() || st.IsClosing() || !st.RxDataOpen() {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		d.connected.Store(false)
		d.conn.Close()
		for i := 0; i < 30 && !d.conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		d.logger.Info("tcp:disconnected")
	}
}

func (d *tcpDevice) Read(p []byte) (int, error) {
	if !d.connected.Load() {
		return 0, nil
	}
	n, err := d.conn.Read(p)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		d.connected.Store(false)
		return n, nil
	}
	return n, nil
}

func (d *tcpDevice) Write(p []byte) (int, error) {
	if !d.connected.Load() {
		return 0, errNoPeer
	}
	n, err := d.conn.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.conn.Flush()
}

// formatRemoteIP renders a 4-byte remote address.
func formatRemoteIP(addr []byte) string {
	if ip, ok := netip.AddrFromSlice(addr); ok {
		return ip.String()
	}
	return "unknown"
}
