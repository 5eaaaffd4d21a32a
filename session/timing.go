package session

import (
	"errors"
	"time"
)

// Reference timing of the control loop.
const (
	DefaultTickPeriod     = 20 * time.Millisecond
	DefaultIdleTimeout    = 300 * time.Second
	DefaultCommandTimeout = 5 * time.Second
	DefaultLEDInterval    = 1000 * time.Millisecond
	DefaultSettleDelay    = 1000 * time.Millisecond
)

var ErrInvalidTiming = errors.New("session: invalid timing")

// Timing holds the wall-clock configuration of the loop.
type Timing struct {
	TickPeriod     time.Duration
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LEDInterval    time.Duration
	// SettleDelay is waited after Finished so the last response reaches the host.
	SettleDelay time.Duration
}

// DefaultTiming returns the reference configuration.
func DefaultTiming() Timing {
	return Timing{
		TickPeriod:     DefaultTickPeriod,
		IdleTimeout:    DefaultIdleTimeout,
		CommandTimeout: DefaultCommandTimeout,
		LEDInterval:    DefaultLEDInterval,
		SettleDelay:    DefaultSettleDelay,
	}
}

// Thresholds are the tick-count limits derived from Timing. They are fixed
// once the controller is built.
type Thresholds struct {
	IdleTicks      uint32
	CommandTicks   uint32
	HeartbeatTicks uint32
}

// NewThresholds converts t into tick counts by integer division.
func NewThresholds(t Timing) (Thresholds, error) {
	if t.TickPeriod <= 0 {
		return Thresholds{}, ErrInvalidTiming
	}
	th := Thresholds{
		IdleTicks:      uint32(t.IdleTimeout / t.TickPeriod),
		CommandTicks:   uint32(t.CommandTimeout / t.TickPeriod),
		HeartbeatTicks: uint32(t.LEDInterval / t.TickPeriod),
	}
	if th.HeartbeatTicks == 0 {
		return Thresholds{}, ErrInvalidTiming
	}
	return th, nil
}
