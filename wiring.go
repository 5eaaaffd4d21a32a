package main

import (
	"cmp"
	"fmt"
	"log/slog"
	"time"

	"openenterprise/dfuloader/console"
	"openenterprise/dfuloader/dfu"
	"openenterprise/dfuloader/selector"
	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/status"
	"openenterprise/dfuloader/transport"
	"openenterprise/dfuloader/version"
)

// systemConfig is everything newSystem needs from the board.
type systemConfig struct {
	Timing         session.Timing
	SessionTimeout time.Duration
	Debounce       time.Duration
	Default        transport.ID
	Supported      []transport.ID
	Memory         dfu.Memory
	Adapters       []transport.Adapter
	Indicator      session.Indicator
	// Restart builds the restart hook once the engine exists; verified
	// reports whether the last session verified an image.
	Restart  func(verified func() bool) func()
	Watchdog session.Watchdog
	Clock    session.Clock
	Logger   *slog.Logger
	DeviceID uint32
	Version  [3]byte
	// Feed keeps the watchdog alive during long erases.
	Feed func()
	// ClearButton acknowledges the selector interrupt. Optional.
	ClearButton func()
}

// system is the wired engine, transport layer and control loop.
type system struct {
	engine     *dfu.Engine
	selection  *transport.Selection
	manager    *transport.Manager
	selector   *selector.Handler
	controller *session.Controller
}

func newSystem(cfg systemConfig) (*system, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	eng := dfu.New(dfu.Config{
		SessionTimeout: cfg.SessionTimeout,
		DeviceID:       cfg.DeviceID,
		Version:        cfg.Version,
		Feed:           cfg.Feed,
		Logger:         logger,
	})
	if err := eng.RegisterExternalMemory(cfg.Memory); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	sel := transport.NewSelection(cfg.Default)
	mgr, err := transport.NewManager(sel, eng, logger, cfg.Adapters...)
	if err != nil {
		return nil, err
	}
	mgr.OnSwitch = func(from, to transport.ID) {
		logger.Info("transport:switched",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}

	// Only transports the board can carry take part in the cycle.
	var supported []transport.ID
	for _, id := range cfg.Supported {
		if mgr.Has(id) {
			supported = append(supported, id)
		} else {
			logger.Warn("transport:unavailable", slog.String("name", id.String()))
		}
	}
	sw, err := selector.New(selector.Config{
		Selection: sel,
		Supported: supported,
		Debounce:  cfg.Debounce,
		Clear:     cfg.ClearButton,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Restart == nil {
		return nil, session.ErrMissingDependency
	}
	ctl, err := session.New(session.Config{
		Engine:     eng,
		Transports: mgr,
		Indicator:  cfg.Indicator,
		Restart:    cfg.Restart(func() bool { return eng.Stats().Verified }),
		Clock:      cfg.Clock,
		Watchdog:   cfg.Watchdog,
		Logger:     logger,
		Timing:     cfg.Timing,
	})
	if err != nil {
		return nil, err
	}

	return &system{
		engine:     eng,
		selection:  sel,
		manager:    mgr,
		selector:   sw,
		controller: ctl,
	}, nil
}

// start brings up the default transport and the first engine session.
func (s *system) start() error {
	if err := s.manager.Start(); err != nil {
		return err
	}
	return s.controller.Begin()
}

// identity names the running image in reports and on the console.
type identity struct {
	Device  string
	Image   string
	Started time.Time
}

// busy reports a session in progress; status flushes wait for it to end.
func (s *system) busy() bool {
	return s.controller.Snapshot().State == session.StateInProgress
}

func (s *system) report(id identity, now time.Time) status.Report {
	snap := s.controller.Snapshot()
	return status.Report{
		Device:    id.Device,
		Version:   version.String(),
		Image:     id.Image,
		State:     snap.State.String(),
		Outcome:   snap.Outcome.String(),
		Transport: s.selection.Current().String(),
		Ticks:     snap.Ticks,
		Steps:     snap.Total,
		Reinits:   snap.Reinits,
		Switches:  s.manager.Switches(),
		Frames:    s.engine.Stats().Frames,
		Uptime:    int64(now.Sub(id.Started) / time.Second),
	}
}

// consoleEnv exposes the system to console commands. pub may be nil when
// no broker is configured.
func (s *system) consoleEnv(id identity, q *status.Queue, pub *status.Publisher, reboot func()) console.Env {
	return console.Env{
		Session:    s.controller,
		Transports: s.selection,
		Switcher:   s.selector,
		Switches:   s.manager.Switches,
		Links:      s.engine.LinkStats,
		Engine:     s.engine.Stats,
		Queue:      q,
		Publisher:  pub,
		Version:    cmp.Or(version.Version, version.BuildMarker),
		GitSHA:     version.GitSHA,
		Built:      version.BuildDate,
		Image:      id.Image,
		Started:    id.Started,
		Reboot:     reboot,
	}
}
