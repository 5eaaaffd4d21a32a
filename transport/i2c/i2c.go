// Package i2c carries DFU bytes over an I2C bus with the device in target
// mode. The host writes a command, then reads the response back.
package i2c

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/transport"
)

// DefaultAddress is the 7-bit target address.
const DefaultAddress = 0x0C

const (
	rxQueueSize = 1024
	txQueueSize = 512
	pollPeriod  = 2 * time.Millisecond
	// idleFill is clocked out when the host reads with no reply queued.
	idleFill = 0xFF
)

var ErrDisabled = errors.New("i2c: link disabled")

// Bus is the peripheral in target mode.
type Bus interface {
	Listen(addr uint8) error
	Stop() error
}

// Link is fed by the bus service routine through OnReceive and OnRequest.
type Link struct {
	bus  Bus
	addr uint8
	rx   *transport.Ring
	tx   *transport.Ring
	// txMu serializes Write's clear-and-put against OnRequest.
	txMu sync.Mutex

	open    atomic.Bool
	enabled atomic.Bool
	fault   atomic.Bool

	writes atomic.Uint32
	faults atomic.Uint32
}

func NewLink(bus Bus, addr uint8) *Link {
	return &Link{
		bus:  bus,
		addr: addr,
		rx:   transport.NewRing(rxQueueSize),
		tx:   transport.NewRing(txQueueSize),
	}
}

// Address returns the configured target address.
func (l *Link) Address() uint8 { return l.addr }

// OnReceive queues bytes the host wrote to us.
func (l *Link) OnReceive(p []byte) {
	if !l.enabled.Load() || l.fault.Load() {
		return
	}
	l.writes.Add(1)
	l.rx.Put(p)
}

// OnRequest fills p with the queued reply and pads the rest with the idle
// fill byte. It returns the number of reply bytes supplied. It runs on the
// bus service goroutine, never in interrupt context.
func (l *Link) OnRequest(p []byte) int {
	n := 0
	if l.enabled.Load() {
		l.txMu.Lock()
		n = l.tx.Get(p)
		l.txMu.Unlock()
	}
	for i := n; i < len(p); i++ {
		p[i] = idleFill
	}
	return n
}

// OnFault records a bus error. Input is ignored until Reset re-arms the link.
func (l *Link) OnFault() {
	l.faults.Add(1)
	l.fault.Store(true)
}

func (l *Link) Stats() transport.LinkStats {
	return transport.LinkStats{
		Packets: l.writes.Load(),
		Dropped: l.rx.Dropped() + l.tx.Dropped(),
		Faults:  l.faults.Load(),
	}
}

func (l *Link) Handle(a transport.Action) error {
	switch a {
	case transport.ActionInit:
		if l.open.Load() {
			return nil
		}
		if err := l.bus.Listen(l.addr); err != nil {
			return err
		}
		l.open.Store(true)
	case transport.ActionEnable:
		if !l.open.Load() {
			return transport.ErrNotConfigured
		}
		l.rx.Clear()
		l.txMu.Lock()
		l.tx.Clear()
		l.txMu.Unlock()
		l.fault.Store(false)
		l.enabled.Store(true)
	case transport.ActionDisable:
		l.enabled.Store(false)
	case transport.ActionDeinit:
		l.enabled.Store(false)
		if !l.open.Swap(false) {
			return nil
		}
		return l.bus.Stop()
	default:
		return transport.ErrUnsupported
	}
	return nil
}

func (l *Link) Read(p []byte, timeout time.Duration) (int, error) {
	if !l.enabled.Load() {
		return 0, ErrDisabled
	}
	deadline := time.Now().Add(timeout)
	for {
		if n := l.rx.Get(p); n > 0 {
			return n, nil
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(pollPeriod)
	}
}

// Write queues a reply for the host's next read. A reply that has not been
// collected is replaced.
func (l *Link) Write(p []byte) (int, error) {
	if !l.enabled.Load() {
		return 0, ErrDisabled
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()
	l.tx.Clear()
	return l.tx.Put(p), nil
}

// Reset re-arms the receiver after a bus fault. Bytes received after the
// fault are discarded.
func (l *Link) Reset() {
	if l.fault.Swap(false) {
		l.rx.Clear()
	}
}

// Adapter registers the I2C link and attaches its service routine.
type Adapter struct {
	link   *Link
	attach func(*Link) error
	// attached is set once; the service routine outlives transport switches.
	attached bool
}

// NewAdapter returns the adapter. attach starts the interrupt service
// routine that calls OnReceive/OnRequest/OnFault; it runs at most once.
func NewAdapter(bus Bus, addr uint8, attach func(*Link) error) *Adapter {
	return &Adapter{link: NewLink(bus, addr), attach: attach}
}

func (a *Adapter) ID() transport.ID { return transport.I2C }

func (a *Adapter) Configure(r transport.Registrar) error {
	if !a.attached && a.attach != nil {
		if err := a.attach(a.link); err != nil {
			return err
		}
		a.attached = true
	}
	r.ConfigureTransport(transport.I2C, a.link)
	return nil
}

func (a *Adapter) Link() *Link { return a.link }
