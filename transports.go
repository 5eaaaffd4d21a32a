//go:build tinygo

package main

import (
	"log/slog"
	"machine"
	"machine/usb/hid"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/transport"
	hidlink "openenterprise/dfuloader/transport/hid"
	i2clink "openenterprise/dfuloader/transport/i2c"
	"openenterprise/dfuloader/transport/stream"
)

// I2C target pins
const (
	pinTargetSDA = machine.GP4
	pinTargetSCL = machine.GP5
)

// cdcDevice is the USB-CDC serial port. Logs go to the UART, so the port
// carries DFU traffic only.
type cdcDevice struct{}

func (cdcDevice) Open() error  { return nil }
func (cdcDevice) Close() error { return nil }

func (cdcDevice) Read(p []byte) (int, error) {
	if machine.USBCDC.Buffered() == 0 {
		return 0, nil
	}
	return machine.USBCDC.Read(p)
}

func (cdcDevice) Write(p []byte) (int, error) {
	return machine.USBCDC.Write(p)
}

// hidDevice is the USB HID class driver. Output reports are handed to the
// link from the USB interrupt.
type hidDevice struct {
	link *hidlink.Link
	open atomic.Bool
}

func (d *hidDevice) Open() error {
	d.open.Store(true)
	return nil
}

func (d *hidDevice) Close() error {
	d.open.Store(false)
	return nil
}

func (d *hidDevice) SendReport(report []byte) error {
	hid.SendUSBPacket(report)
	return nil
}

// TxHandler reports that nothing is queued beyond SendReport.
func (d *hidDevice) TxHandler() bool { return false }

func (d *hidDevice) RxHandler(b []byte) bool {
	if d.open.Load() && d.link != nil {
		d.link.OnOutputReport(b)
	}
	return true
}

// targetBus runs I2C0 in target mode. The event loop is started once by the
// adapter and idles while the bus is stopped.
type targetBus struct {
	i2c     *machine.I2C
	logger  *slog.Logger
	running atomic.Bool
}

func (b *targetBus) Listen(addr uint8) error {
	err := b.i2c.Configure(machine.I2CConfig{
		Mode: machine.I2CModeTarget,
		SDA:  pinTargetSDA,
		SCL:  pinTargetSCL,
	})
	if err != nil {
		return err
	}
	if err := b.i2c.Listen(uint16(addr)); err != nil {
		return err
	}
	b.running.Store(true)
	return nil
}

func (b *targetBus) Stop() error {
	b.running.Store(false)
	return nil
}

// serve moves bytes between the bus and l until the program ends.
func (b *targetBus) serve(l *i2clink.Link) {
	var buf [64]byte
	for {
		evt, n, err := b.i2c.WaitForEvent(buf[:])
		if err != nil {
			if b.running.Load() {
				l.OnFault()
				b.logger.Debug("i2c:event-failed", slog.String("err", err.Error()))
			}
			time.Sleep(pollTime)
			continue
		}
		if !b.running.Load() {
			continue
		}
		switch evt {
		case machine.I2CReceive:
			l.OnReceive(buf[:n])
		case machine.I2CRequest:
			l.OnRequest(buf[:])
			b.i2c.Reply(buf[:])
		case machine.I2CFinish:
		}
	}
}

// boardAdapters returns the wired-transport adapters of the board. TCP is
// added by the network setup when WiFi comes up.
func boardAdapters(i2cAddr uint8, logger *slog.Logger) []transport.Adapter {
	hdev := &hidDevice{}
	hidAdapter := hidlink.NewAdapter(hdev)
	hdev.link = hidAdapter.Link()
	hid.SetHandler(hdev)

	bus := &targetBus{i2c: machine.I2C0, logger: logger}
	i2cAdapter := i2clink.NewAdapter(bus, i2cAddr, func(l *i2clink.Link) error {
		go bus.serve(l)
		return nil
	})

	return []transport.Adapter{
		stream.NewAdapter(transport.USBCDC, cdcDevice{}),
		hidAdapter,
		i2cAdapter,
	}
}
