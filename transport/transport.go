// Package transport owns the set of interchangeable DFU channels, the
// current/pending selection record and the switch protocol that moves the
// protocol engine from one channel to another.
package transport

import (
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrUnknownID     = errors.New("transport: unknown transport")
	ErrNoAdapter     = errors.New("transport: no adapter for transport")
	ErrNotConfigured = errors.New("transport: link not configured")
	ErrUnsupported   = errors.New("transport: action not supported")
	ErrDuplicateID   = errors.New("transport: duplicate adapter")
)

// ID identifies one transport.
type ID uint8

const (
	I2C ID = iota
	USBCDC
	USBHID
	TCP

	numIDs
)

// Count is the number of known transports.
const Count = int(numIDs)

var idNames = [numIDs]string{"I2C", "USB-CDC", "USB-HID", "TCP"}

// String returns the name printed on the console.
func (id ID) String() string {
	if id < numIDs {
		return idNames[id]
	}
	return "unknown"
}

// Valid reports whether id is one of the known transports.
func (id ID) Valid() bool {
	return id < numIDs
}

// ParseID parses a transport name case-insensitively. "cdc", "hid" and
// "usb" are accepted as short forms.
func ParseID(s string) (ID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "CDC", "USB", "USBCDC":
		return USBCDC, nil
	case "HID", "USBHID":
		return USBHID, nil
	}
	for i, name := range idNames {
		if s == name {
			return ID(i), nil
		}
	}
	return 0, ErrUnknownID
}

// DefaultSupported is the cycled list on boards without networking.
func DefaultSupported() []ID {
	return []ID{I2C, USBCDC, USBHID}
}

// Action is one entry of the callback set a link exposes to the engine.
type Action uint8

const (
	ActionInit Action = iota
	ActionEnable
	ActionDisable
	ActionDeinit
)

func (a Action) String() string {
	switch a {
	case ActionInit:
		return "init"
	case ActionEnable:
		return "enable"
	case ActionDisable:
		return "disable"
	case ActionDeinit:
		return "deinit"
	default:
		return "unknown"
	}
}

// Link is the byte channel the protocol engine drives. Read returns as soon
// as some bytes are available or the timeout elapses (0, nil).
type Link interface {
	Handle(a Action) error
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	// Reset drops buffered receive data and re-arms the receiver.
	Reset()
}

// LinkStats are the counters kept by links fed from a service routine.
type LinkStats struct {
	Packets  uint32 // reports or bus writes accepted
	Rejected uint32 // malformed reports
	Dropped  uint32 // bytes lost to a full queue
	Faults   uint32 // bus errors
}

// Counter is implemented by links that keep LinkStats. Stats is safe to
// call from any goroutine.
type Counter interface {
	Stats() LinkStats
}

// Registrar accepts the link of a transport. Implemented by the engine.
type Registrar interface {
	ConfigureTransport(id ID, l Link)
}

// Adapter wraps one transport. Configure performs the adapter-specific
// initialization and registers the link with the engine.
type Adapter interface {
	ID() ID
	Configure(r Registrar) error
}

// Engine is the transport lifecycle surface of the protocol engine.
type Engine interface {
	Registrar
	TransportStart(id ID) error
	TransportStop()
	TransportReset()
}
