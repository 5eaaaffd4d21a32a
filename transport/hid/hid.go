// Package hid carries DFU bytes over 64-byte USB HID reports.
//
// Every report, in both directions, is laid out as [count][payload...]:
// the first byte holds the number of valid payload bytes that follow.
package hid

import (
	"errors"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/transport"
)

const (
	// ReportSize is the full-speed interrupt endpoint report size.
	ReportSize = 64
	// PayloadSize is the number of DFU bytes one report can carry.
	PayloadSize = ReportSize - 1

	rxQueueSize = 1024
	pollPeriod  = 2 * time.Millisecond
)

var (
	ErrDisabled  = errors.New("hid: link disabled")
	ErrBadReport = errors.New("hid: malformed report")
)

// Device is the HID class driver underneath the link.
type Device interface {
	Open() error
	Close() error
	SendReport(report []byte) error
}

// Link reassembles output reports into a byte stream and splits writes into
// input reports.
type Link struct {
	dev     Device
	rx      *transport.Ring
	open    atomic.Bool
	enabled atomic.Bool

	reports atomic.Uint32
	bad     atomic.Uint32
	tx      [ReportSize]byte
}

func NewLink(dev Device) *Link {
	return &Link{dev: dev, rx: transport.NewRing(rxQueueSize)}
}

// OnOutputReport queues the payload of a report received from the host.
// Called by the USB stack, possibly from interrupt context.
func (l *Link) OnOutputReport(report []byte) {
	if !l.enabled.Load() {
		return
	}
	if len(report) == 0 || int(report[0]) > len(report)-1 || int(report[0]) > PayloadSize {
		l.bad.Add(1)
		return
	}
	l.reports.Add(1)
	l.rx.Put(report[1 : 1+int(report[0])])
}

func (l *Link) Handle(a transport.Action) error {
	switch a {
	case transport.ActionInit:
		if l.open.Load() {
			return nil
		}
		if err := l.dev.Open(); err != nil {
			return err
		}
		l.open.Store(true)
	case transport.ActionEnable:
		if !l.open.Load() {
			return transport.ErrNotConfigured
		}
		l.rx.Clear()
		l.enabled.Store(true)
	case transport.ActionDisable:
		l.enabled.Store(false)
	case transport.ActionDeinit:
		l.enabled.Store(false)
		if !l.open.Swap(false) {
			return nil
		}
		return l.dev.Close()
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

// Write sends p as one or more reports. The final report is zero padded.
func (l *Link) Write(p []byte) (int, error) {
	if !l.enabled.Load() {
		return 0, ErrDisabled
	}
	sent := 0
	for sent < len(p) {
		n := min(len(p)-sent, PayloadSize)
		clear(l.tx[:])
		l.tx[0] = byte(n)
		copy(l.tx[1:], p[sent:sent+n])
		if err := l.dev.SendReport(l.tx[:]); err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// Reset is a no-op; queued payload may belong to the next command.
func (l *Link) Reset() {}

func (l *Link) Stats() transport.LinkStats {
	return transport.LinkStats{
		Packets:  l.reports.Load(),
		Rejected: l.bad.Load(),
		Dropped:  l.rx.Dropped(),
	}
}

// Adapter registers the HID link as transport.USBHID.
type Adapter struct {
	link *Link
}

func NewAdapter(dev Device) *Adapter {
	return &Adapter{link: NewLink(dev)}
}

func (a *Adapter) ID() transport.ID { return transport.USBHID }

func (a *Adapter) Configure(r transport.Registrar) error {
	r.ConfigureTransport(transport.USBHID, a.link)
	return nil
}

func (a *Adapter) Link() *Link { return a.link }
