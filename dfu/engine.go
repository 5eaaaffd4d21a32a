// Package dfu is a DFU protocol engine: it assembles command frames from
// the active transport link, programs the registered external memory and
// reports a session state and outcome on every step.
package dfu

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/transport"
)

const (
	// DefaultSessionTimeout bounds one Continue call.
	DefaultSessionTimeout = 20 * time.Millisecond
	// MaxSendData bounds the bytes buffered by SendData before a Program.
	MaxSendData = 4096

	enterKeySize      = 6
	enterResponseSize = 8
	verifyRequestSize = 4 + sha256.Size
)

var (
	ErrNoMemory         = errors.New("dfu: no external memory registered")
	ErrMemoryRegistered = errors.New("dfu: external memory already registered")
	ErrBadMemory        = errors.New("dfu: invalid external memory geometry")
)

// Config of an Engine. Zero values select defaults.
type Config struct {
	SessionTimeout time.Duration
	// DeviceID and Version are reported in the EnterDFU response.
	DeviceID uint32
	Version  [3]byte
	// Feed is called before every sector erase. Optional.
	Feed   func()
	Logger *slog.Logger
}

// Stats is a snapshot of engine counters, safe to read from any goroutine.
type Stats struct {
	Frames     uint32
	Rejected   uint32
	Programmed uint32
	Verified   bool
}

// Engine implements session.Engine and transport.Engine. Apart from Stats
// and RegisterExternalMemory, all methods must be called from the main loop.
type Engine struct {
	cfg Config
	log *slog.Logger

	mem    Memory
	erased []bool
	sector []byte

	links    [transport.Count]transport.Link
	active   transport.Link
	activeID transport.ID

	state     session.State
	rx        [2 * MaxFrameSize]byte
	rxLen     int
	tx        [MaxFrameSize]byte
	sendBuf   [MaxSendData]byte
	sendLen   int
	hashBuf   [256]byte
	verified  bool
	imageSize uint32

	frames     atomic.Uint32
	rejected   atomic.Uint32
	programmed atomic.Uint32
	okVerify   atomic.Bool
}

// New returns an engine with no memory and no transport.
func New(cfg Config) *Engine {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{cfg: cfg, log: cfg.Logger}
}

// RegisterExternalMemory sets the programming target. It is done once at
// startup, before the first Init.
func (e *Engine) RegisterExternalMemory(m Memory) error {
	if e.mem != nil {
		return ErrMemoryRegistered
	}
	if m == nil || m.SectorSize() == 0 || m.Size() == 0 {
		return ErrBadMemory
	}
	sectors := (m.Size() + m.SectorSize() - 1) / m.SectorSize()
	e.mem = m
	e.erased = make([]bool, sectors)
	e.sector = make([]byte, m.SectorSize())
	e.log.Info("dfu:memory",
		slog.Int("size", int(m.Size())),
		slog.Int("sector", int(m.SectorSize())),
	)
	return nil
}

// Init starts a fresh session in Idle.
func (e *Engine) Init() session.Outcome {
	e.state = session.StateIdle
	e.rxLen = 0
	e.sendLen = 0
	e.verified = false
	e.imageSize = 0
	e.okVerify.Store(false)
	e.programmed.Store(0)
	clear(e.erased)
	if e.mem == nil {
		return session.OutcomeBadParam
	}
	return session.OutcomeSuccess
}

// State returns the current session state.
func (e *Engine) State() session.State {
	return e.state
}

// Continue waits up to the session timeout for one complete command frame
// and executes it.
func (e *Engine) Continue() (session.State, session.Outcome) {
	if e.active == nil || e.mem == nil {
		return e.state, session.OutcomeBadParam
	}
	deadline := time.Now().Add(e.cfg.SessionTimeout)
	progressed := false
	for {
		code, data, n, err := Decode(e.rx[:e.rxLen])
		if err == nil {
			e.frames.Add(1)
			out := e.dispatch(code, data)
			e.consume(n)
			if out != session.OutcomeSuccess {
				e.rejected.Add(1)
			}
			return e.state, out
		}
		if !errors.Is(err, ErrShortFrame) {
			out := frameOutcome(err)
			e.log.Debug("dfu:bad-frame", slog.String("err", err.Error()))
			e.rxLen = 0
			e.rejected.Add(1)
			e.respond(StatusFor(out), nil)
			return e.state, out
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			// A partial frame that made no progress for a whole window is stale.
			if !progressed {
				e.rxLen = 0
			}
			return e.state, session.OutcomeTimeout
		}
		got, err := e.active.Read(e.rx[e.rxLen:], remaining)
		if err != nil {
			e.log.Warn("dfu:read-failed", slog.String("err", err.Error()))
			return e.state, session.OutcomeUnknownError
		}
		if got > 0 {
			progressed = true
			e.rxLen += got
		}
	}
}

func (e *Engine) consume(n int) {
	copy(e.rx[:], e.rx[n:e.rxLen])
	e.rxLen -= n
}

func (e *Engine) dispatch(code byte, data []byte) session.Outcome {
	if e.state != session.StateInProgress && code != CmdEnter {
		return e.reject(session.OutcomeCommandError)
	}
	switch code {
	case CmdEnter:
		return e.enter(data)
	case CmdSync:
		e.sendLen = 0
		return session.OutcomeSuccess
	case CmdSendData:
		return e.sendData(data)
	case CmdProgram:
		return e.program(data)
	case CmdErase:
		return e.erase(data)
	case CmdVerifyApp:
		return e.verify(data)
	case CmdExit:
		return e.exit(data)
	default:
		return e.reject(session.OutcomeCommandError)
	}
}

func (e *Engine) enter(data []byte) session.Outcome {
	if len(data) != 0 && len(data) != enterKeySize {
		return e.reject(session.OutcomeLengthError)
	}
	var resp [enterResponseSize]byte
	binary.LittleEndian.PutUint32(resp[0:4], e.cfg.DeviceID)
	copy(resp[5:], e.cfg.Version[:])
	e.state = session.StateInProgress
	e.sendLen = 0
	e.verified = false
	e.respond(StatusSuccess, resp[:])
	e.log.Info("dfu:enter", slog.String("transport", e.activeID.String()))
	return session.OutcomeSuccess
}

func (e *Engine) sendData(data []byte) session.Outcome {
	if e.sendLen+len(data) > len(e.sendBuf) {
		e.sendLen = 0
		return e.reject(session.OutcomeLengthError)
	}
	e.sendLen += copy(e.sendBuf[e.sendLen:], data)
	e.respond(StatusSuccess, nil)
	return session.OutcomeSuccess
}

func (e *Engine) program(data []byte) session.Outcome {
	if len(data) < 4 {
		e.sendLen = 0
		return e.reject(session.OutcomeLengthError)
	}
	addr := binary.LittleEndian.Uint32(data[:4])
	payload := data[4:]
	if e.sendLen+len(payload) > len(e.sendBuf) {
		e.sendLen = 0
		return e.reject(session.OutcomeLengthError)
	}
	e.sendLen += copy(e.sendBuf[e.sendLen:], payload)
	chunk := e.sendBuf[:e.sendLen]
	e.sendLen = 0
	if len(chunk) == 0 {
		return e.reject(session.OutcomeLengthError)
	}
	if uint64(addr)+uint64(len(chunk)) > uint64(e.mem.Size()) {
		return e.reject(session.OutcomeAddressError)
	}
	if err := e.eraseSpan(addr, uint32(len(chunk))); err != nil {
		e.log.Error("dfu:erase-failed", slog.Int("addr", int(addr)), slog.String("err", err.Error()))
		return e.reject(session.OutcomeUnknownError)
	}
	if err := e.writeSpan(addr, chunk); err != nil {
		e.log.Error("dfu:write-failed", slog.Int("addr", int(addr)), slog.String("err", err.Error()))
		return e.reject(session.OutcomeUnknownError)
	}
	e.verified = false
	e.okVerify.Store(false)
	if end := addr + uint32(len(chunk)); end > e.imageSize {
		e.imageSize = end
		e.programmed.Store(end)
	}
	e.respond(StatusSuccess, nil)
	return session.OutcomeSuccess
}

// eraseSpan erases every not yet erased sector touched by [addr, addr+n).
func (e *Engine) eraseSpan(addr, n uint32) error {
	ss := e.mem.SectorSize()
	for s := addr / ss; s <= (addr+n-1)/ss; s++ {
		if e.erased[s] {
			continue
		}
		if e.cfg.Feed != nil {
			e.cfg.Feed()
		}
		if err := e.mem.EraseSector(s * ss); err != nil {
			return err
		}
		e.erased[s] = true
	}
	return nil
}

// writeSpan programs chunk at addr. A sector already holding data in the
// target range, such as a retried block, is read back, merged, erased and
// programmed whole.
func (e *Engine) writeSpan(addr uint32, chunk []byte) error {
	ss := e.mem.SectorSize()
	for len(chunk) > 0 {
		base := addr / ss * ss
		off := addr - base
		n := min(uint32(len(chunk)), ss-off)
		part := chunk[:n]
		if err := e.mem.ReadAt(e.sector[:n], addr); err != nil {
			return err
		}
		if blank(e.sector[:n]) {
			if err := e.mem.WriteAt(part, addr); err != nil {
				return err
			}
		} else {
			if err := e.mem.ReadAt(e.sector, base); err != nil {
				return err
			}
			copy(e.sector[off:], part)
			if e.cfg.Feed != nil {
				e.cfg.Feed()
			}
			if err := e.mem.EraseSector(base); err != nil {
				return err
			}
			if err := e.mem.WriteAt(e.sector, base); err != nil {
				return err
			}
			e.log.Debug("dfu:rewrite", slog.Int("sector", int(base/ss)))
		}
		addr += n
		chunk = chunk[n:]
	}
	return nil
}

func blank(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (e *Engine) erase(data []byte) session.Outcome {
	if len(data) != 4 {
		return e.reject(session.OutcomeLengthError)
	}
	addr := binary.LittleEndian.Uint32(data)
	if addr >= e.mem.Size() {
		return e.reject(session.OutcomeAddressError)
	}
	ss := e.mem.SectorSize()
	if e.cfg.Feed != nil {
		e.cfg.Feed()
	}
	if err := e.mem.EraseSector(addr / ss * ss); err != nil {
		e.log.Error("dfu:erase-failed", slog.Int("addr", int(addr)), slog.String("err", err.Error()))
		return e.reject(session.OutcomeUnknownError)
	}
	e.erased[addr/ss] = true
	e.respond(StatusSuccess, nil)
	return session.OutcomeSuccess
}

func (e *Engine) verify(data []byte) session.Outcome {
	if len(data) != verifyRequestSize {
		return e.reject(session.OutcomeLengthError)
	}
	length := binary.LittleEndian.Uint32(data[:4])
	if length == 0 || length > e.mem.Size() {
		return e.reject(session.OutcomeLengthError)
	}
	sum, err := e.digest(length)
	if err != nil {
		e.log.Error("dfu:read-failed", slog.String("err", err.Error()))
		return e.reject(session.OutcomeUnknownError)
	}
	if string(sum[:]) != string(data[4:]) {
		e.verified = false
		e.okVerify.Store(false)
		e.log.Warn("dfu:verify-mismatch", slog.Int("length", int(length)))
		return e.reject(session.OutcomeVerifyError)
	}
	e.verified = true
	e.okVerify.Store(true)
	e.log.Info("dfu:verified", slog.Int("length", int(length)))
	e.respond(StatusSuccess, []byte{1})
	return session.OutcomeSuccess
}

func (e *Engine) digest(length uint32) ([sha256.Size]byte, error) {
	h := sha256.New()
	var sum [sha256.Size]byte
	for off := uint32(0); off < length; {
		n := min(length-off, uint32(len(e.hashBuf)))
		if err := e.mem.ReadAt(e.hashBuf[:n], off); err != nil {
			return sum, fmt.Errorf("dfu: digest at %d: %w", off, err)
		}
		h.Write(e.hashBuf[:n])
		off += n
	}
	h.Sum(sum[:0])
	return sum, nil
}

func (e *Engine) exit(data []byte) session.Outcome {
	if len(data) != 0 {
		return e.reject(session.OutcomeLengthError)
	}
	if !e.verified {
		e.respond(StatusVerify, nil)
		e.state = session.StateFailed
		e.log.Warn("dfu:exit-unverified")
		return session.OutcomeVerifyError
	}
	e.respond(StatusSuccess, nil)
	e.state = session.StateFinished
	e.log.Info("dfu:exit", slog.Int("image", int(e.imageSize)))
	return session.OutcomeSuccess
}

// reject answers the host with the status of o and returns o.
func (e *Engine) reject(o session.Outcome) session.Outcome {
	e.respond(StatusFor(o), nil)
	return o
}

func (e *Engine) respond(status byte, data []byte) {
	if e.active == nil {
		return
	}
	n, err := Encode(e.tx[:], status, data)
	if err != nil {
		e.log.Error("dfu:encode-failed", slog.String("err", err.Error()))
		return
	}
	if _, err := e.active.Write(e.tx[:n]); err != nil {
		e.log.Debug("dfu:write-response", slog.String("err", err.Error()))
	}
}

// ConfigureTransport records the link of transport id.
func (e *Engine) ConfigureTransport(id transport.ID, l transport.Link) {
	if id.Valid() {
		e.links[id] = l
	}
}

// TransportStart initializes and enables the link of id and makes it the
// active one.
func (e *Engine) TransportStart(id transport.ID) error {
	if !id.Valid() || e.links[id] == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotConfigured, id)
	}
	l := e.links[id]
	if err := l.Handle(transport.ActionInit); err != nil {
		return fmt.Errorf("dfu: init %s: %w", id, err)
	}
	if err := l.Handle(transport.ActionEnable); err != nil {
		return fmt.Errorf("dfu: enable %s: %w", id, err)
	}
	e.active = l
	e.activeID = id
	e.rxLen = 0
	return nil
}

// TransportStop disables and deinitializes the active link.
func (e *Engine) TransportStop() {
	if e.active == nil {
		return
	}
	for _, a := range []transport.Action{transport.ActionDisable, transport.ActionDeinit} {
		if err := e.active.Handle(a); err != nil {
			e.log.Warn("dfu:transport-stop",
				slog.String("name", e.activeID.String()),
				slog.String("action", a.String()),
				slog.String("err", err.Error()),
			)
		}
	}
	e.active = nil
	e.rxLen = 0
}

// TransportReset re-arms the active link's receiver.
func (e *Engine) TransportReset() {
	if e.active != nil {
		e.active.Reset()
	}
}

// LinkStats returns the counters of the link registered for id, when it
// keeps any. Links are registered at startup, so any goroutine may call it
// afterwards.
func (e *Engine) LinkStats(id transport.ID) (transport.LinkStats, bool) {
	if !id.Valid() {
		return transport.LinkStats{}, false
	}
	c, ok := e.links[id].(transport.Counter)
	if !ok {
		return transport.LinkStats{}, false
	}
	return c.Stats(), true
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:     e.frames.Load(),
		Rejected:   e.rejected.Load(),
		Programmed: e.programmed.Load(),
		Verified:   e.okVerify.Load(),
	}
}
