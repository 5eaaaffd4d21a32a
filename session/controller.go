package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrMissingDependency = errors.New("session: missing dependency")
	ErrEngineInit        = errors.New("session: engine init failed")
	ErrTransport         = errors.New("session: transport check failed")
	ErrRestartReturned   = errors.New("session: restart returned")
)

// Engine is the DFU protocol engine driven by the controller.
type Engine interface {
	// Init starts a fresh session in StateIdle.
	Init() Outcome
	// Continue advances the session one step. It may block for up to the
	// engine's own session timeout.
	Continue() (State, Outcome)
}

// Checker is the transport manager's check operation.
type Checker interface {
	Check() error
}

// Indicator is the heartbeat output.
type Indicator interface {
	Toggle()
}

// Clock abstracts time so the loop can be driven deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Watchdog is fed once per tick when configured.
type Watchdog interface {
	Feed()
}

// SystemClock is the Clock backed by the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config wires a Controller. Engine, Transports, Indicator and Restart are
// required; the rest have defaults.
type Config struct {
	Engine     Engine
	Transports Checker
	Indicator  Indicator
	// Restart performs a full system restart. On hardware it never returns.
	Restart  func()
	Clock    Clock
	Watchdog Watchdog
	Logger   *slog.Logger
	Timing   Timing
}

// Snapshot is a point-in-time view of the controller, safe to read from
// other goroutines.
type Snapshot struct {
	State   State
	Outcome Outcome
	Ticks   uint32
	Total   uint64
	Reinits uint32
	Checks  uint32
}

// Controller is the session control loop. Tick and Run must be called from a
// single goroutine; Snapshot may be called from any.
type Controller struct {
	engine     Engine
	transports Checker
	indicator  Indicator
	restart    func()
	clock      Clock
	watchdog   Watchdog
	log        *slog.Logger
	timing     Timing
	th         Thresholds

	ticks uint32

	pubState   atomic.Uint32
	pubOutcome atomic.Uint32
	pubTicks   atomic.Uint32
	pubTotal   atomic.Uint64
	pubReinits atomic.Uint32
	pubChecks  atomic.Uint32
}

// New validates cfg and derives the tick thresholds.
func New(cfg Config) (*Controller, error) {
	if cfg.Engine == nil || cfg.Transports == nil || cfg.Indicator == nil || cfg.Restart == nil {
		return nil, ErrMissingDependency
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	th, err := NewThresholds(cfg.Timing)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		engine:     cfg.Engine,
		transports: cfg.Transports,
		indicator:  cfg.Indicator,
		restart:    cfg.Restart,
		clock:      cfg.Clock,
		watchdog:   cfg.Watchdog,
		log:        cfg.Logger,
		timing:     cfg.Timing,
		th:         th,
	}, nil
}

// Thresholds returns the derived tick limits.
func (c *Controller) Thresholds() Thresholds {
	return c.th
}

// Ticks returns the current tick counter.
func (c *Controller) Ticks() uint32 {
	return c.ticks
}

// Begin initializes the first engine session. A failure here is a
// configuration-time error.
func (c *Controller) Begin() error {
	if o := c.engine.Init(); o != OutcomeSuccess {
		c.log.Error("session:init-failed", slog.String("outcome", o.String()))
		return fmt.Errorf("%w: %s", ErrEngineInit, o)
	}
	c.ticks = 0
	c.log.Info("session:ready",
		slog.Int("idle_ticks", int(c.th.IdleTicks)),
		slog.Int("command_ticks", int(c.th.CommandTicks)),
		slog.Int("heartbeat_ticks", int(c.th.HeartbeatTicks)),
	)
	return nil
}

// Run ticks until ctx is done, the Finished restart returns, or a transport
// check fails.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := c.Tick()
		if done {
			return err
		}
	}
}

// Tick runs one iteration of the loop. done is true when the loop must not
// continue; err then says why.
func (c *Controller) Tick() (done bool, err error) {
	start := c.clock.Now()
	if c.watchdog != nil {
		c.watchdog.Feed()
	}

	state, outcome := c.engine.Continue()
	c.ticks++
	act := Decide(state, outcome, c.ticks, c.th)

	if act.Has(ActRestart) {
		c.log.Info("session:finished",
			slog.String("outcome", outcome.String()),
			slog.String("detail", outcome.Describe()),
		)
		c.publish(state, outcome)
		c.clock.Sleep(c.timing.SettleDelay)
		c.log.Warn("session:restarting")
		c.restart()
		return true, ErrRestartReturned
	}

	c.logTick(state, outcome, act)

	if act.Has(ActSettle) {
		c.clock.Sleep(c.timing.TickPeriod)
	}
	if act.Has(ActResetCounter) {
		c.ticks = 0
	}
	if act.Has(ActReinit) {
		if o := c.engine.Init(); o != OutcomeSuccess {
			c.log.Warn("session:reinit", slog.String("outcome", o.String()))
		}
		c.pubReinits.Add(1)
	}
	if act.Has(ActCheck) {
		c.pubChecks.Add(1)
		if err := c.transports.Check(); err != nil {
			c.log.Error("session:transport-check", slog.String("err", err.Error()))
			c.publish(state, outcome)
			return true, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	if c.ticks%c.th.HeartbeatTicks == 0 {
		c.indicator.Toggle()
	}
	c.publish(state, outcome)

	if remaining := start.Add(c.timing.TickPeriod).Sub(c.clock.Now()); remaining > 0 {
		c.clock.Sleep(remaining)
	}
	return false, nil
}

// Snapshot returns the last published view of the loop.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:   State(c.pubState.Load()),
		Outcome: Outcome(c.pubOutcome.Load()),
		Ticks:   c.pubTicks.Load(),
		Total:   c.pubTotal.Load(),
		Reinits: c.pubReinits.Load(),
		Checks:  c.pubChecks.Load(),
	}
}

func (c *Controller) publish(state State, outcome Outcome) {
	c.pubState.Store(uint32(state))
	c.pubOutcome.Store(uint32(outcome))
	c.pubTicks.Store(c.ticks)
	c.pubTotal.Add(1)
}

func (c *Controller) logTick(state State, outcome Outcome, act Action) {
	switch {
	case state == StateFailed:
		c.log.Error("session:failed",
			slog.String("outcome", outcome.String()),
			slog.String("detail", outcome.Describe()),
		)
	case state == StateInProgress && act.Has(ActReinit):
		c.log.Warn("session:command-timeout", slog.Int("ticks", int(c.ticks)))
	case state == StateInProgress && outcome.Class() == ClassError:
		c.log.Warn("session:rejected",
			slog.String("outcome", outcome.String()),
			slog.String("detail", outcome.Describe()),
		)
	case state == StateIdle && act.Has(ActResetCounter):
		c.log.Debug("session:idle-timeout", slog.Int("ticks", int(c.ticks)))
	}
}
