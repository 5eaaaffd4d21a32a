package console

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openenterprise/dfuloader/dfu"
	"openenterprise/dfuloader/selector"
	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/status"
	"openenterprise/dfuloader/transport"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Sleep(d time.Duration)   { c.t = c.t.Add(d) }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLockoutWindows(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLockout(clk.Now)

	for i := 0; i < 2; i++ {
		l.Failure()
	}
	locked, _ := l.Locked()
	assert.False(t, locked)

	l.Failure()
	locked, remaining := l.Locked()
	assert.True(t, locked)
	assert.Equal(t, 5*time.Second, remaining)
	clk.advance(5 * time.Second)
	locked, _ = l.Locked()
	assert.False(t, locked)

	l.Failure()
	l.Failure()
	_, remaining = l.Locked()
	assert.Equal(t, 30*time.Second, remaining)

	for i := 0; i < 5; i++ {
		l.Failure()
	}
	_, remaining = l.Locked()
	assert.Equal(t, 5*time.Minute, remaining)
	assert.Equal(t, 10, l.Failures())

	l.Success()
	locked, _ = l.Locked()
	assert.False(t, locked)
}

func decodeAll(d *lineDecoder, in []byte) (lines []string, overflows int) {
	for _, b := range in {
		line, ok, over := d.feed(b)
		if over {
			overflows++
		}
		if ok {
			lines = append(lines, string(line))
		}
	}
	return lines, overflows
}

func TestLineDecoder(t *testing.T) {
	var d lineDecoder
	in := []byte("help\r\n\xff\xfd\x01status\n\x07x\r")
	lines, over := decodeAll(&d, in)
	assert.Equal(t, []string{"help", "status", "x"}, lines)
	assert.Zero(t, over)

	d.reset()
	long := bytes.Repeat([]byte{'a'}, MaxLine+1)
	lines, over = decodeAll(&d, append(long, "\rok\r"...))
	assert.Equal(t, 1, over)
	assert.Equal(t, []string{"", "ok"}, lines)
}

type fakeSession struct{ snap session.Snapshot }

func (f fakeSession) Snapshot() session.Snapshot { return f.snap }

func (f fakeSession) Thresholds() session.Thresholds {
	return session.Thresholds{IdleTicks: 15000, CommandTicks: 250, HeartbeatTicks: 50}
}

func newEnv(t *testing.T) (Env, *transport.Selection, *int) {
	sel := transport.NewSelection(transport.USBCDC)
	sw, err := selector.New(selector.Config{Selection: sel, Supported: transport.DefaultSupported()})
	require.NoError(t, err)
	reboots := new(int)
	clk := &fakeClock{t: time.Unix(5000, 0)}
	return Env{
		Session:    fakeSession{snap: session.Snapshot{State: session.StateInProgress, Outcome: session.OutcomeSuccess, Ticks: 12, Total: 99}},
		Transports: sel,
		Switcher:   sw,
		Switches:   func() uint32 { return 3 },
		Links: func(id transport.ID) (transport.LinkStats, bool) {
			if id != transport.I2C {
				return transport.LinkStats{}, false
			}
			return transport.LinkStats{Packets: 5, Dropped: 2, Faults: 1}, true
		},
		Engine:     func() dfu.Stats { return dfu.Stats{Frames: 7, Programmed: 4096, Verified: true} },
		Queue:      status.NewQueue(),
		Version:    "1.0.0",
		GitSHA:     "abc123",
		Image:      "boot",
		Started:    clk.Now().Add(-(time.Hour + 2*time.Minute + 3*time.Second)),
		Now:        clk.Now,
		Reboot:     func() { *reboots++ },
	}, sel, reboots
}

func run(d *Dispatcher, line string) (string, bool) {
	var out bytes.Buffer
	quit := d.Execute(&out, []byte(line))
	return out.String(), quit
}

func TestDispatcherCommands(t *testing.T) {
	env, sel, reboots := newEnv(t)
	d := NewDispatcher(env)

	out, quit := run(d, "help")
	assert.False(t, quit)
	for _, c := range []string{"version", "status", "transport", "switch", "reboot"} {
		assert.Contains(t, out, c)
	}

	out, _ = run(d, "  version ")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "Image:   boot")

	out, _ = run(d, "status")
	assert.Contains(t, out, "State:    in-progress")
	assert.Contains(t, out, "Ticks:    12/250")
	assert.Contains(t, out, "Uptime:   1h 2m 3s")

	out, _ = run(d, "transport")
	assert.Contains(t, out, "Current:   USB-CDC")
	assert.Contains(t, out, "Supported: I2C USB-CDC USB-HID")
	assert.Contains(t, out, "Switches:  3")
	assert.Contains(t, out, "  I2C:       5 packets, 0 rejected, 2 dropped, 1 faults\r\n")
	assert.NotContains(t, out, "USB-HID:")

	out, _ = run(d, "dfu")
	assert.Contains(t, out, "Programmed: 4096 bytes")
	assert.Contains(t, out, "Verified:   yes")

	out, _ = run(d, "publish")
	assert.Contains(t, out, "Queued:      0")

	out, _ = run(d, "bogus arg")
	assert.Contains(t, out, "Unknown command: bogus")

	out, _ = run(d, "")
	assert.Empty(t, out)

	out, quit = run(d, "reboot")
	assert.True(t, quit)
	assert.Contains(t, out, "Rebooting")
	assert.Equal(t, 1, *reboots)

	_, quit = run(d, "quit")
	assert.True(t, quit)
	assert.Equal(t, transport.USBCDC, sel.Current())
}

func TestDispatcherSwitch(t *testing.T) {
	env, sel, _ := newEnv(t)
	d := NewDispatcher(env)

	out, _ := run(d, "switch hid")
	assert.Contains(t, out, "Switch to USB-HID requested")
	assert.Equal(t, transport.USBHID, sel.Pending())

	out, _ = run(d, "switch i2c")
	assert.Contains(t, out, "Switch failed")

	out, _ = run(d, "switch")
	assert.Contains(t, out, "switch already pending")

	out, _ = run(d, "transport")
	assert.Contains(t, out, "Pending:   USB-HID")

	out, _ = run(d, "switch serial-port")
	assert.Contains(t, out, "Switch failed")
}

func TestDispatcherUnavailable(t *testing.T) {
	d := NewDispatcher(Env{})
	for _, cmd := range []string{"status", "transport", "switch", "dfu", "publish", "reboot"} {
		out, quit := run(d, cmd)
		assert.Contains(t, out, "unavailable", cmd)
		assert.False(t, quit, cmd)
	}
}

// scriptConn feeds in and then reports EOF, or polls empty forever when
// stall is set.
type scriptConn struct {
	in    *bytes.Reader
	out   bytes.Buffer
	stall bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if c.in.Len() == 0 {
		if c.stall {
			return 0, nil
		}
		return 0, io.EOF
	}
	return c.in.Read(p[:min(len(p), 5)])
}

func (c *scriptConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptConn) Flush() error                { return nil }
func (c *scriptConn) Closed() bool                { return false }

func newServer(t *testing.T, clk *fakeClock) *Server {
	env, _, _ := newEnv(t)
	return &Server{
		Dispatcher: NewDispatcher(env),
		Lockout:    NewLockout(clk.Now),
		Password:   "s3cret",
		Sleep:      clk.Sleep,
		Now:        clk.Now,
	}
}

func TestServeAuthenticatedSession(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newServer(t, clk)
	s.Lockout.Failure()
	c := &scriptConn{in: bytes.NewReader([]byte("s3cret\r\nstatus\r\nquit\r\nversion\r\n"))}

	s.Serve(c)
	out := c.out.String()
	assert.True(t, bytes.HasPrefix(c.out.Bytes(), willEcho))
	assert.Contains(t, out, Banner)
	assert.Contains(t, out, "State:    in-progress")
	assert.NotContains(t, out, "Git SHA", "commands after quit must not run")
	assert.Zero(t, s.Lockout.Failures())
}

func TestServeWrongPassword(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newServer(t, clk)
	c := &scriptConn{in: bytes.NewReader([]byte("guess\r\nstatus\r\n"))}

	s.Serve(c)
	assert.NotContains(t, c.out.String(), Banner)
	assert.True(t, strings.Contains(c.out.String(), string(wontEcho)))
	assert.Equal(t, 1, s.Lockout.Failures())
}

func TestAuthenticateRejectsEmptyPassword(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newServer(t, clk)
	s.Password = ""
	assert.False(t, s.Authenticate(&scriptConn{in: bytes.NewReader([]byte("\r\n"))}))
	assert.Equal(t, 1, s.Lockout.Failures())
}

func TestAuthenticateTimesOut(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newServer(t, clk)
	start := clk.Now()
	assert.False(t, s.Authenticate(&scriptConn{in: bytes.NewReader(nil), stall: true}))
	assert.GreaterOrEqual(t, clk.Now().Sub(start), AuthTimeout)
	assert.Equal(t, 1, s.Lockout.Failures())
}

func TestAuthenticateDisconnect(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newServer(t, clk)
	assert.False(t, s.Authenticate(&scriptConn{in: bytes.NewReader([]byte("s3c"))}))
	assert.Zero(t, s.Lockout.Failures())
}
