// Package console is the line-oriented debug console: password check with
// lockout, command dispatch and the per-connection session loop. The
// listener lives with the network code.
package console

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"openenterprise/dfuloader/dfu"
	"openenterprise/dfuloader/selector"
	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/status"
	"openenterprise/dfuloader/transport"
)

// Banner is written after a successful login.
const Banner = "DFU loader debug console\r\nType 'help' for commands\r\n"

// SessionView is the session controller as seen by the console.
type SessionView interface {
	Snapshot() session.Snapshot
	Thresholds() session.Thresholds
}

// TransportView reports the transport selection.
type TransportView interface {
	Current() transport.ID
	Pending() transport.ID
	Outstanding() bool
}

// Switcher requests transport changes.
type Switcher interface {
	Trigger(now time.Time) selector.Result
	Select(id transport.ID) error
	Supported() []transport.ID
	Stats() (accepted, bounced, dropped uint32)
}

// Env is everything the commands read or act on. Nil members make the
// matching command report "unavailable".
type Env struct {
	Session    SessionView
	Transports TransportView
	Switcher   Switcher
	Switches   func() uint32
	Links      func(id transport.ID) (transport.LinkStats, bool)
	Engine     func() dfu.Stats
	Queue      *status.Queue
	Publisher  *status.Publisher

	Version string
	GitSHA  string
	Built   string
	Image   string
	Started time.Time
	Now     func() time.Time
	Reboot  func()
}

// Dispatcher executes console commands.
type Dispatcher struct {
	env Env
}

func NewDispatcher(env Env) *Dispatcher {
	if env.Now == nil {
		env.Now = time.Now
	}
	return &Dispatcher{env: env}
}

type command struct {
	name string
	help string
	run  func(d *Dispatcher, p *printer, arg []byte) bool
}

var commands []command

func init() {
	commands = []command{
		{"help", "list commands", (*Dispatcher).help},
		{"version", "build information", (*Dispatcher).version},
		{"status", "session state and counters", (*Dispatcher).status},
		{"transport", "current and supported transports", (*Dispatcher).transport},
		{"switch", "switch [name]: cycle or select a transport", (*Dispatcher).doSwitch},
		{"dfu", "protocol engine counters", (*Dispatcher).engine},
		{"publish", "status queue and publisher", (*Dispatcher).publish},
		{"reboot", "reset the device", (*Dispatcher).reboot},
		{"quit", "close the session", func(*Dispatcher, *printer, []byte) bool { return true }},
	}
}

// Execute runs one command line, writing its output to w. It reports
// whether the session should end.
func (d *Dispatcher) Execute(w io.Writer, line []byte) (quit bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	name, arg, _ := bytes.Cut(line, []byte{' '})
	arg = bytes.TrimSpace(arg)
	p := &printer{w: w}
	for i := range commands {
		if string(name) == commands[i].name {
			return commands[i].run(d, p, arg)
		}
	}
	p.str("Unknown command: ").bytes(name).str("\r\nType 'help' for commands\r\n")
	return false
}

func (d *Dispatcher) help(p *printer, _ []byte) bool {
	p.str("Commands:\r\n")
	for _, c := range commands {
		p.str("  ").pad(c.name, 10).str(c.help).nl()
	}
	return false
}

func (d *Dispatcher) version(p *printer, _ []byte) bool {
	p.str("DFU loader\r\n")
	p.str("  Version: ").str(d.env.Version).nl()
	p.str("  Git SHA: ").str(d.env.GitSHA).nl()
	p.str("  Built:   ").str(d.env.Built).nl()
	p.str("  Image:   ").str(d.env.Image).nl()
	return false
}

func (d *Dispatcher) status(p *printer, _ []byte) bool {
	if d.env.Session == nil {
		p.str("Session: unavailable\r\n")
		return false
	}
	s := d.env.Session.Snapshot()
	th := d.env.Session.Thresholds()
	p.str("Session:\r\n")
	p.str("  State:    ").str(s.State.String()).nl()
	p.str("  Outcome:  ").str(s.Outcome.String()).str(" (").str(s.Outcome.Describe()).str(")\r\n")
	p.str("  Ticks:    ").uint(uint64(s.Ticks))
	switch s.State {
	case session.StateIdle:
		p.str("/").uint(uint64(th.IdleTicks))
	case session.StateInProgress:
		p.str("/").uint(uint64(th.CommandTicks))
	}
	p.nl()
	p.str("  Steps:    ").uint(s.Total).nl()
	p.str("  Reinits:  ").uint(uint64(s.Reinits)).nl()
	p.str("  Checks:   ").uint(uint64(s.Checks)).nl()
	if !d.env.Started.IsZero() {
		p.str("  Uptime:   ").duration(d.env.Now().Sub(d.env.Started)).nl()
	}
	return false
}

func (d *Dispatcher) transport(p *printer, _ []byte) bool {
	if d.env.Transports == nil {
		p.str("Transport: unavailable\r\n")
		return false
	}
	t := d.env.Transports
	p.str("Transport:\r\n")
	p.str("  Current:   ").str(t.Current().String()).nl()
	if t.Outstanding() {
		p.str("  Pending:   ").str(t.Pending().String()).nl()
	}
	if d.env.Switcher != nil {
		p.str("  Supported:")
		for _, id := range d.env.Switcher.Supported() {
			p.str(" ").str(id.String())
		}
		p.nl()
		acc, bounced, dropped := d.env.Switcher.Stats()
		p.str("  Button:    ").uint(uint64(acc)).str(" accepted, ").
			uint(uint64(bounced)).str(" bounced, ").
			uint(uint64(dropped)).str(" dropped\r\n")
	}
	if d.env.Switches != nil {
		p.str("  Switches:  ").uint(uint64(d.env.Switches())).nl()
	}
	if d.env.Links != nil {
		for id := transport.ID(0); int(id) < transport.Count; id++ {
			s, ok := d.env.Links(id)
			if !ok {
				continue
			}
			p.str("  ").pad(id.String()+":", 11).uint(uint64(s.Packets)).str(" packets, ").
				uint(uint64(s.Rejected)).str(" rejected, ").
				uint(uint64(s.Dropped)).str(" dropped, ").
				uint(uint64(s.Faults)).str(" faults\r\n")
		}
	}
	return false
}

func (d *Dispatcher) doSwitch(p *printer, arg []byte) bool {
	if d.env.Switcher == nil {
		p.str("Switch: unavailable\r\n")
		return false
	}
	if len(arg) == 0 {
		switch d.env.Switcher.Trigger(d.env.Now()) {
		case selector.Accepted:
			p.str("Switch requested\r\n")
		case selector.Bounced:
			p.str("Ignored: debounce window\r\n")
		case selector.Dropped:
			p.str("Ignored: switch already pending\r\n")
		}
		return false
	}
	id, err := transport.ParseID(string(arg))
	if err == nil {
		err = d.env.Switcher.Select(id)
	}
	if err != nil {
		p.str("Switch failed: ").str(err.Error()).nl()
		return false
	}
	p.str("Switch to ").str(id.String()).str(" requested\r\n")
	return false
}

func (d *Dispatcher) engine(p *printer, _ []byte) bool {
	if d.env.Engine == nil {
		p.str("DFU: unavailable\r\n")
		return false
	}
	s := d.env.Engine()
	p.str("DFU engine:\r\n")
	p.str("  Frames:     ").uint(uint64(s.Frames)).nl()
	p.str("  Rejected:   ").uint(uint64(s.Rejected)).nl()
	p.str("  Programmed: ").uint(uint64(s.Programmed)).str(" bytes\r\n")
	p.str("  Verified:   ").bool(s.Verified).nl()
	return false
}

func (d *Dispatcher) publish(p *printer, _ []byte) bool {
	if d.env.Queue == nil {
		p.str("Status: unavailable\r\n")
		return false
	}
	q := d.env.Queue.Stats()
	p.str("Status queue:\r\n")
	p.str("  Queued:      ").uint(uint64(q.Queued)).nl()
	p.str("  Overwritten: ").uint(uint64(q.Overwritten)).nl()
	p.str("  Paused:      ").bool(q.Paused).nl()
	if d.env.Publisher != nil {
		s := d.env.Publisher.Stats()
		log, st := d.env.Publisher.Topics()
		p.str("  Topics:      ").str(log).str(", ").str(st).nl()
		p.str("  Sent:        ").uint(uint64(s.Sent)).nl()
		p.str("  Errors:      ").uint(uint64(s.Errors)).nl()
		p.str("  Held:        ").uint(uint64(s.Held)).nl()
	}
	return false
}

func (d *Dispatcher) reboot(p *printer, _ []byte) bool {
	if d.env.Reboot == nil {
		p.str("Reboot: unavailable\r\n")
		return false
	}
	p.str("Rebooting device...\r\n")
	d.env.Reboot()
	return true
}

// printer writes console output; write errors surface on the next read.
type printer struct {
	w   io.Writer
	tmp [24]byte
}

func (p *printer) str(s string) *printer {
	io.WriteString(p.w, s)
	return p
}

func (p *printer) bytes(b []byte) *printer {
	p.w.Write(b)
	return p
}

func (p *printer) nl() *printer { return p.str("\r\n") }

func (p *printer) uint(n uint64) *printer {
	p.w.Write(strconv.AppendUint(p.tmp[:0], n, 10))
	return p
}

func (p *printer) bool(b bool) *printer {
	if b {
		return p.str("yes")
	}
	return p.str("no")
}

func (p *printer) pad(s string, width int) *printer {
	p.str(s)
	for i := len(s); i < width; i++ {
		p.str(" ")
	}
	return p
}

func (p *printer) duration(d time.Duration) *printer {
	p.uint(uint64(d.Hours())).str("h ")
	p.uint(uint64(d.Minutes()) % 60).str("m ")
	return p.uint(uint64(d.Seconds()) % 60).str("s")
}
