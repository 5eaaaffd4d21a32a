// Package stream adapts byte-stream devices (USB-CDC serial, a TCP
// connection) to the transport link contract.
package stream

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/transport"
)

// PollInterval is the sleep between empty reads.
const PollInterval = 2 * time.Millisecond

var ErrDisabled = errors.New("stream: link disabled")

// Device is a non-blocking byte stream. Read returns (0, nil) when nothing
// is buffered.
type Device interface {
	Open() error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Link drives a Device through the init/enable/disable/deinit callbacks.
type Link struct {
	dev     Device
	open    atomic.Bool
	enabled atomic.Bool
}

func NewLink(dev Device) *Link {
	return &Link{dev: dev}
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

// Read polls the device until some bytes arrive or timeout elapses.
func (l *Link) Read(p []byte, timeout time.Duration) (int, error) {
	if !l.enabled.Load() {
		return 0, ErrDisabled
	}
	deadline := time.Now().Add(timeout)
	for {
		n, err := l.dev.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(PollInterval)
	}
}

func (l *Link) Write(p []byte) (int, error) {
	if !l.enabled.Load() {
		return 0, ErrDisabled
	}
	return l.dev.Write(p)
}

// Reset is a no-op: a stream has no receive state beyond the device buffer,
// which may already hold the start of the next command.
func (l *Link) Reset() {}

// Adapter registers a stream link under a transport id.
type Adapter struct {
	id   transport.ID
	link *Link
}

func NewAdapter(id transport.ID, dev Device) *Adapter {
	return &Adapter{id: id, link: NewLink(dev)}
}

func (a *Adapter) ID() transport.ID { return a.id }

func (a *Adapter) Configure(r transport.Registrar) error {
	r.ConfigureTransport(a.id, a.link)
	return nil
}

// Link returns the adapter's link.
func (a *Adapter) Link() *Link { return a.link }
