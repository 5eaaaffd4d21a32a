// Package secondary starts the second CPU core on an application image
// found in flash. The boot is fire-and-forget: nothing reports back once
// the core runs.
package secondary

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrInvalidVector = errors.New("secondary: invalid vector table")
	ErrLaunch        = errors.New("secondary: launch failed")
)

// Launcher reads a vector table and hands it to the second core.
type Launcher interface {
	// Vector returns the initial stack pointer and reset handler stored
	// at addr.
	Vector(addr uint32) (sp, entry uint32)
	Launch(sp, entry, vector uint32) error
}

// ValidVector reports whether sp and entry look like a programmed vector
// table: neither erased flash nor zero, and entry a Thumb address.
func ValidVector(sp, entry uint32) bool {
	switch {
	case sp == 0 || sp == 0xFFFFFFFF:
		return false
	case entry == 0 || entry == 0xFFFFFFFF:
		return false
	case entry&1 == 0:
		return false
	}
	return sp&3 == 0
}

// Core boots a secondary core at most once.
type Core struct {
	once sync.Once
	err  error
}

// Boot launches the core on the vector table at vectorAddr. Calls after
// the first return the first result without touching the hardware.
func (c *Core) Boot(l Launcher, vectorAddr uint32, logger *slog.Logger) error {
	c.once.Do(func() {
		c.err = boot(l, vectorAddr, logger)
	})
	return c.err
}

var core1 Core

// Boot starts core 1 once per process.
func Boot(l Launcher, vectorAddr uint32, logger *slog.Logger) error {
	return core1.Boot(l, vectorAddr, logger)
}

func boot(l Launcher, vectorAddr uint32, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sp, entry := l.Vector(vectorAddr)
	if !ValidVector(sp, entry) {
		logger.Warn("secondary:invalid-vector",
			slog.String("vector", fmt.Sprintf("0x%08x", vectorAddr)),
			slog.String("sp", fmt.Sprintf("0x%08x", sp)),
			slog.String("entry", fmt.Sprintf("0x%08x", entry)),
		)
		return ErrInvalidVector
	}
	if err := l.Launch(sp, entry, vectorAddr); err != nil {
		logger.Error("secondary:launch-failed", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	logger.Info("secondary:started",
		slog.String("vector", fmt.Sprintf("0x%08x", vectorAddr)),
		slog.String("entry", fmt.Sprintf("0x%08x", entry)),
	)
	return nil
}
