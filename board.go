//go:build tinygo

package main

import (
	"log/slog"
	"machine"
	"time"

	"openenterprise/dfuloader/ota"
	"openenterprise/dfuloader/selector"
)

// GPIO pin assignments
const (
	pinHeartbeatLED = machine.GP2
	pinSelectButton = machine.GP15
)

// boardLED is the heartbeat indicator on an external LED.
type boardLED struct {
	pin machine.Pin
	on  bool
}

func newBoardLED(pin machine.Pin) *boardLED {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Low()
	return &boardLED{pin: pin}
}

func (l *boardLED) Toggle() {
	l.on = !l.on
	l.pin.Set(l.on)
}

// blinkPartition shows the boot partition: 2 slow blinks for A, 10 fast
// blinks for B.
func (l *boardLED) blinkPartition(part int) {
	count, period := 2, 500*time.Millisecond
	if part == ota.PartitionB {
		count, period = 10, 100*time.Millisecond
	}
	for i := 0; i < count; i++ {
		l.pin.High()
		time.Sleep(period)
		l.pin.Low()
		time.Sleep(period)
	}
	l.on = false
}

// boardWatchdog feeds the hardware watchdog while the system is healthy.
type boardWatchdog struct{}

func (boardWatchdog) Feed() { feedWatchdogIfHealthy() }

// attachSelectButton routes falling edges of the select button to h. The
// handler runs in interrupt context; results are counted by h.
func attachSelectButton(h *selector.Handler, logger *slog.Logger) error {
	pinSelectButton.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	err := pinSelectButton.SetInterrupt(machine.PinFalling, func(machine.Pin) {
		h.Trigger(time.Now())
	})
	if err != nil {
		logger.Error("button:interrupt-failed", slog.String("err", err.Error()))
		return err
	}
	logger.Info("button:ready", slog.Int("pin", int(pinSelectButton)))
	return nil
}
