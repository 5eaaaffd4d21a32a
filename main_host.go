//go:build !tinygo

package main

// Host simulator: the full session stack over TCP with RAM as the update
// partition, for exercising dfuctl without hardware.

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openenterprise/dfuloader/config"
	"openenterprise/dfuloader/console"
	"openenterprise/dfuloader/credentials"
	"openenterprise/dfuloader/dfu"
	"openenterprise/dfuloader/ota"
	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/status"
	"openenterprise/dfuloader/transport"
	"openenterprise/dfuloader/transport/stream"
	"openenterprise/dfuloader/version"
)

// hostLED counts heartbeat toggles.
type hostLED struct {
	logger  *slog.Logger
	toggles int
}

func (l *hostLED) Toggle() {
	l.toggles++
	l.logger.Debug("led:toggle", slog.Int("count", l.toggles))
}

// writerSink publishes status messages as "topic payload" lines.
type writerSink struct {
	w io.Writer
}

func (writerSink) Open() error { return nil }
func (writerSink) Close()      {}

func (s writerSink) Publish(topic, payload []byte) error {
	_, err := fmt.Fprintf(s.w, "%s %s\n", topic, payload)
	return err
}

func main() {
	dfuAddr := flag.String("dfu", ":4242", "DFU transport listen address")
	consoleAddr := flag.String("console", ":2323", "Debug console listen address (empty disables)")
	password := flag.String("password", "", "Console password (or DFULOADER_PASSWORD env var)")
	memSize := flag.Uint("memory", ota.PartitionSize, "Simulated partition size in bytes")
	publish := flag.Bool("publish", false, "Print status messages to stdout")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if err := run(hostOptions{
		dfuAddr:     *dfuAddr,
		consoleAddr: *consoleAddr,
		password:    cmp.Or(*password, os.Getenv("DFULOADER_PASSWORD"), credentials.ConsolePassword()),
		memSize:     uint32(*memSize),
		publish:     *publish,
		verbose:     *verbose,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type hostOptions struct {
	dfuAddr     string
	consoleAddr string
	password    string
	memSize     uint32
	publish     bool
	verbose     bool
}

func run(opts hostOptions) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	queue := status.NewQueue()
	logger := slog.New(status.NewHandler(os.Stderr, queue, &slog.HandlerOptions{Level: level}))
	logger.Info("init:starting", slog.String("version", version.String()), slog.String("image", config.Image()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev := stream.NewListener(opts.dfuAddr)
	sys, err := newSystem(systemConfig{
		Timing:         config.Timing(),
		SessionTimeout: config.SessionTimeout(),
		Debounce:       config.Debounce(),
		Default:        transport.TCP,
		Supported:      []transport.ID{transport.TCP},
		Memory:         dfu.NewRAM(opts.memSize, ota.SectorSize),
		Adapters:       []transport.Adapter{stream.NewAdapter(transport.TCP, dev)},
		Indicator:      &hostLED{logger: logger},
		Restart: func(verified func() bool) func() {
			return func() {
				logger.Info("host:restart", slog.Bool("verified", verified()))
				stop()
			}
		},
		Clock:   session.SystemClock{},
		Logger:  logger,
		Version: version.Triple(),
	})
	if err != nil {
		return err
	}
	if err := sys.start(); err != nil {
		return err
	}
	defer dev.Close()
	logger.Info("tcp:listening", slog.String("addr", dev.Addr().String()))

	id := identity{Device: config.ClientID(), Image: config.Image(), Started: time.Now()}
	var pub *status.Publisher
	if opts.publish {
		pub = status.NewPublisher(queue, writerSink{w: os.Stdout}, status.PublisherConfig{
			Device:   id.Device,
			Interval: config.PublishInterval(),
			Report:   func() status.Report { return sys.report(id, time.Now()) },
			Hold:     sys.busy,
			Logger:   logger,
		})
		go pub.Run(ctx)
	}

	if opts.consoleAddr != "" {
		ln, err := net.Listen("tcp", opts.consoleAddr)
		if err != nil {
			return err
		}
		srv := &console.Server{
			Dispatcher: console.NewDispatcher(sys.consoleEnv(id, queue, pub, stop)),
			Lockout:    console.NewLockout(time.Now),
			Password:   opts.password,
			Logger:     logger,
		}
		go srv.ServeListener(ctx, ln)
	}

	err = sys.controller.Run(ctx)
	switch {
	case errors.Is(err, session.ErrRestartReturned), errors.Is(err, context.Canceled):
		logger.Info("host:stopped")
		return nil
	default:
		return err
	}
}
