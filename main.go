//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!
// Build with -serial=uart: USB-CDC is a DFU transport and must not carry logs.

import (
	"context"
	"encoding/binary"
	"log/slog"
	"machine"
	"runtime"
	"time"

	"openenterprise/dfuloader/config"
	"openenterprise/dfuloader/console"
	"openenterprise/dfuloader/credentials"
	"openenterprise/dfuloader/ota"
	"openenterprise/dfuloader/secondary"
	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/status"
	"openenterprise/dfuloader/transport"
	"openenterprise/dfuloader/transport/stream"
	"openenterprise/dfuloader/version"

	"github.com/soypat/lneto/x/xnet"
)

// logOutput is the UART console.
var logOutput = machine.Serial

// When false the watchdog is starved and resets the device.
var systemHealthy = true

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	// Stop feeding watchdog (in case loopForeverStack is running)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	ota.ROM{}.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

func deviceID() uint32 {
	id := machine.DeviceID()
	if len(id) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(id)
}

func main() {
	// CRITICAL: confirm the partition before any delay, the bootrom reverts
	// an unconfirmed try-before-you-buy image after 16.7s.
	rom := &ota.ROM{}
	confirmErr := rom.ConfirmBoot()

	time.Sleep(2 * time.Second) // Give time to connect to the UART.
	println("========================================")
	println("  Openenterprise DFU loader")
	println("  Version:", version.String())
	println("  Built:  ", version.BuildDate)
	println("  Image:  ", config.Image())
	println("  CPU:    ", runtime.GOARCH, machine.CPUFrequency()/1000000, "MHz")
	println("========================================")

	led := newBoardLED(pinHeartbeatLED)
	current := rom.BootPartition()
	led.blinkPartition(current)

	queue := status.NewQueue()
	logger := slog.New(status.NewHandler(logOutput, queue, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	if confirmErr != nil {
		logger.Warn("ota:confirm-failed", slog.String("err", confirmErr.Error()))
	}
	logger.Info("ota:booted", slog.Int("partition", current))

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	if vec := config.SecondaryVector(); vec != 0 {
		if err := secondary.Boot(secondary.FIFO{}, vec, logger); err != nil {
			logger.Warn("init:secondary-skipped", slog.String("err", err.Error()))
		}
	}

	target := ota.Target(current)
	region, err := ota.NewRegion(rom, target)
	if err != nil {
		logger.Error("ota:region-failed", slog.String("err", err.Error()))
		fatalError("No update partition - waiting for reset...")
	}

	adapters := boardAdapters(config.I2CAddress(), logger)
	stack, wifi, err := setupNetwork(config.ClientID(), logger)
	if err != nil {
		fatalError("WiFi setup failed - waiting for reset...")
	}
	if wifi {
		dev, err := newTCPDevice(stack, logger)
		if err != nil {
			logger.Error("tcp:configure-failed", slog.String("err", err.Error()))
		} else {
			adapters = append(adapters, stream.NewAdapter(transport.TCP, dev))
		}
		rom.Shutdown = func() {
			// The driver has no deinit; give pending packets time to drain.
			logger.Info("ota:wifi-shutdown")
			time.Sleep(100 * time.Millisecond)
		}
	}

	sys, err := newSystem(systemConfig{
		Timing:         config.Timing(),
		SessionTimeout: config.SessionTimeout(),
		Debounce:       config.Debounce(),
		Default:        config.Transport(),
		Supported:      config.Transports(),
		Memory:         region,
		Adapters:       adapters,
		Indicator:      led,
		Restart: func(verified func() bool) func() {
			return ota.Restart(rom, target, verified, logger)
		},
		Watchdog: boardWatchdog{},
		Clock:    session.SystemClock{},
		Logger:   logger,
		DeviceID: deviceID(),
		Version:  version.Triple(),
		Feed:     feedWatchdogIfHealthy,
	})
	if err != nil {
		logger.Error("init:system-failed", slog.String("err", err.Error()))
		fatalError("System setup failed - waiting for reset...")
	}
	if err := attachSelectButton(sys.selector, logger); err != nil {
		logger.Warn("init:button-unavailable")
	}

	id := identity{Device: config.ClientID(), Image: config.Image(), Started: time.Now()}
	var pub *status.Publisher
	if wifi {
		pub = startPublisher(stack, sys, id, queue, logger)
		if config.ConsoleEnabled() {
			srv := &console.Server{
				Dispatcher: console.NewDispatcher(sys.consoleEnv(id, queue, pub, rom.Reboot)),
				Lockout:    console.NewLockout(time.Now),
				Password:   credentials.ConsolePassword(),
				Logger:     logger,
			}
			go consoleServer(stack, srv, logger)
		}
	}

	if err := sys.start(); err != nil {
		logger.Error("init:start-failed", slog.String("err", err.Error()))
		fatalError("Transport start failed - waiting for reset...")
	}
	logger.Info("init:complete")

	err = sys.controller.Run(context.Background())
	logger.Error("session:stopped", slog.String("err", err.Error()))
	fatalError("Session loop stopped - waiting for reset...")
}

// startPublisher wires the status publisher to the broker. It returns nil
// when no broker is configured.
func startPublisher(stack *xnet.StackAsync, sys *system, id identity, queue *status.Queue, logger *slog.Logger) *status.Publisher {
	broker, err := config.BrokerAddr()
	if err != nil {
		logger.Info("status:disabled", slog.String("reason", err.Error()))
		return nil
	}
	sink, err := newMQTTSink(stack, broker, config.ClientID(), logger)
	if err != nil {
		logger.Error("status:sink-failed", slog.String("err", err.Error()))
		return nil
	}
	pub := status.NewPublisher(queue, sink, status.PublisherConfig{
		Device:   id.Device,
		Interval: config.PublishInterval(),
		Report:   func() status.Report { return sys.report(id, time.Now()) },
		Hold:     sys.busy,
		Logger:   logger,
	})
	logger.Info("status:publishing", slog.String("broker", broker.String()))
	go pub.Run(context.Background())
	return pub
}
