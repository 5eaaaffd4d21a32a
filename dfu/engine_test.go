package dfu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/transport"
)

// scriptLink hands the engine queued bytes and records its responses.
type scriptLink struct {
	rx      bytes.Buffer
	tx      [][]byte
	actions []transport.Action
	resets  int
	readErr error
}

func (l *scriptLink) Handle(a transport.Action) error {
	l.actions = append(l.actions, a)
	return nil
}

func (l *scriptLink) Read(p []byte, timeout time.Duration) (int, error) {
	if l.readErr != nil {
		return 0, l.readErr
	}
	if l.rx.Len() == 0 {
		time.Sleep(timeout)
		return 0, nil
	}
	return l.rx.Read(p)
}

func (l *scriptLink) Write(p []byte) (int, error) {
	l.tx = append(l.tx, bytes.Clone(p))
	return len(p), nil
}

func (l *scriptLink) Reset() { l.resets++ }

func (l *scriptLink) send(t *testing.T, cmd byte, data []byte) {
	t.Helper()
	buf := make([]byte, MaxFrameSize)
	n, err := Encode(buf, cmd, data)
	require.NoError(t, err)
	l.rx.Write(buf[:n])
}

// lastStatus decodes the most recent response.
func (l *scriptLink) lastStatus(t *testing.T) (byte, []byte) {
	t.Helper()
	require.NotEmpty(t, l.tx, "no response written")
	status, data, _, err := Decode(l.tx[len(l.tx)-1])
	require.NoError(t, err)
	return status, data
}

func newEngine(t *testing.T) (*Engine, *scriptLink, *RAM) {
	t.Helper()
	e := New(Config{SessionTimeout: 2 * time.Millisecond, DeviceID: 0x2350, Version: [3]byte{1, 0, 0}})
	mem := NewRAM(4*1024, 1024)
	require.NoError(t, e.RegisterExternalMemory(mem))
	require.Equal(t, session.OutcomeSuccess, e.Init())

	link := &scriptLink{}
	e.ConfigureTransport(transport.USBCDC, link)
	require.NoError(t, e.TransportStart(transport.USBCDC))
	return e, link, mem
}

func step(t *testing.T, e *Engine) (session.State, session.Outcome) {
	t.Helper()
	return e.Continue()
}

func programFrame(addr uint32, payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(b, addr)
	copy(b[4:], payload)
	return b
}

func verifyFrame(image []byte) []byte {
	sum := sha256.Sum256(image)
	b := make([]byte, verifyRequestSize)
	binary.LittleEndian.PutUint32(b, uint32(len(image)))
	copy(b[4:], sum[:])
	return b
}

func TestInitWithoutMemory(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, session.OutcomeBadParam, e.Init())
	st, out := e.Continue()
	assert.Equal(t, session.StateIdle, st)
	assert.Equal(t, session.OutcomeBadParam, out)
}

func TestRegisterExternalMemoryOnce(t *testing.T) {
	e := New(Config{})
	require.ErrorIs(t, e.RegisterExternalMemory(nil), ErrBadMemory)
	require.NoError(t, e.RegisterExternalMemory(NewRAM(1024, 256)))
	require.ErrorIs(t, e.RegisterExternalMemory(NewRAM(1024, 256)), ErrMemoryRegistered)
}

func TestIdleTimeout(t *testing.T) {
	e, _, _ := newEngine(t)
	st, out := step(t, e)
	assert.Equal(t, session.StateIdle, st)
	assert.Equal(t, session.OutcomeTimeout, out)
}

func TestEnterStartsSession(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)

	st, out := step(t, e)
	assert.Equal(t, session.StateInProgress, st)
	assert.Equal(t, session.OutcomeSuccess, out)

	status, data := link.lastStatus(t)
	assert.Equal(t, byte(StatusSuccess), status)
	require.Len(t, data, enterResponseSize)
	assert.Equal(t, uint32(0x2350), binary.LittleEndian.Uint32(data))
	assert.Equal(t, []byte{1, 0, 0}, data[5:])
}

func TestCommandsRejectedBeforeEnter(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdProgram, programFrame(0, []byte{1}))

	st, out := step(t, e)
	assert.Equal(t, session.StateIdle, st)
	assert.Equal(t, session.OutcomeCommandError, out)
	status, _ := link.lastStatus(t)
	assert.Equal(t, byte(StatusCommand), status)
}

func TestFullSession(t *testing.T) {
	e, link, mem := newEngine(t)
	image := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0x11}, 400) // spans two sectors

	link.send(t, CmdEnter, nil)
	link.send(t, CmdSendData, image[:500])
	link.send(t, CmdSendData, image[500:1000])
	link.send(t, CmdProgram, programFrame(0, image[1000:1500]))
	link.send(t, CmdProgram, programFrame(1500, image[1500:]))
	link.send(t, CmdVerifyApp, verifyFrame(image))
	link.send(t, CmdExit, nil)

	for i := 0; i < 6; i++ {
		st, out := step(t, e)
		require.Equal(t, session.OutcomeSuccess, out, "command %d", i)
		require.Equal(t, session.StateInProgress, st)
	}
	st, out := step(t, e)
	assert.Equal(t, session.StateFinished, st)
	assert.Equal(t, session.OutcomeSuccess, out)

	got := make([]byte, len(image))
	require.NoError(t, mem.ReadAt(got, 0))
	assert.Equal(t, image, got)
	assert.Equal(t, 2, mem.Erases(), "sectors erased once, on demand")

	stats := e.Stats()
	assert.Equal(t, uint32(7), stats.Frames)
	assert.Zero(t, stats.Rejected)
	assert.Equal(t, uint32(len(image)), stats.Programmed)
	assert.True(t, stats.Verified)
	assert.Len(t, link.tx, 7)
}

func TestVerifyMismatchKeepsSession(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)
	link.send(t, CmdProgram, programFrame(0, []byte("firmware")))
	link.send(t, CmdVerifyApp, verifyFrame([]byte("finnware")))
	for i := 0; i < 2; i++ {
		step(t, e)
	}

	st, out := step(t, e)
	assert.Equal(t, session.StateInProgress, st)
	assert.Equal(t, session.OutcomeVerifyError, out)
	status, _ := link.lastStatus(t)
	assert.Equal(t, byte(StatusVerify), status)
}

func TestExitWithoutVerifyFails(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)
	link.send(t, CmdProgram, programFrame(0, []byte("firmware")))
	link.send(t, CmdExit, nil)
	step(t, e)
	step(t, e)

	st, out := step(t, e)
	assert.Equal(t, session.StateFailed, st)
	assert.Equal(t, session.OutcomeVerifyError, out)

	assert.Equal(t, session.OutcomeSuccess, e.Init())
	assert.Equal(t, session.StateIdle, e.State())
}

func TestProgramOutsideMemory(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)
	link.send(t, CmdProgram, programFrame(4*1024-2, []byte{1, 2, 3}))
	step(t, e)

	st, out := step(t, e)
	assert.Equal(t, session.StateInProgress, st)
	assert.Equal(t, session.OutcomeAddressError, out)
}

func TestProgramRetryOverwrites(t *testing.T) {
	e, link, mem := newEngine(t)
	link.send(t, CmdEnter, nil)
	link.send(t, CmdProgram, programFrame(0, []byte{1, 2, 3, 4}))
	link.send(t, CmdProgram, programFrame(4, []byte{5, 6}))
	// The host lost the response and sends the block again.
	link.send(t, CmdProgram, programFrame(0, []byte{1, 2, 3, 4}))
	link.send(t, CmdProgram, programFrame(0, []byte{9, 9}))

	for i := 0; i < 5; i++ {
		_, out := step(t, e)
		require.Equal(t, session.OutcomeSuccess, out, "command %d", i)
	}

	got := make([]byte, 8)
	require.NoError(t, mem.ReadAt(got, 0))
	assert.Equal(t, []byte{9, 9, 3, 4, 5, 6, 0xFF, 0xFF}, got)
	assert.Equal(t, 3, mem.Erases(), "one on demand, one per rewrite")
	assert.Zero(t, e.Stats().Rejected)
}

func TestSendDataOverflow(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)
	step(t, e)
	for i := 0; i < MaxSendData/MaxDataSize; i++ {
		link.send(t, CmdSendData, make([]byte, MaxDataSize))
		_, out := step(t, e)
		require.Equal(t, session.OutcomeSuccess, out)
	}
	link.send(t, CmdSendData, []byte{1})
	_, out := step(t, e)
	assert.Equal(t, session.OutcomeLengthError, out)
}

func TestCorruptFrameOutcomes(t *testing.T) {
	e, link, _ := newEngine(t)
	link.send(t, CmdEnter, nil)
	step(t, e)

	frame := make([]byte, MaxFrameSize)
	n, err := Encode(frame, CmdSendData, []byte{1, 2, 3})
	require.NoError(t, err)
	frame[5] ^= 0x01
	link.rx.Write(frame[:n])

	st, out := step(t, e)
	assert.Equal(t, session.StateInProgress, st)
	assert.Equal(t, session.OutcomeChecksumError, out)
	status, _ := link.lastStatus(t)
	assert.Equal(t, byte(StatusChecksum), status)

	link.rx.Write([]byte{0x55, 0x38, 0x00, 0x00})
	_, out = step(t, e)
	assert.Equal(t, session.OutcomeDataError, out)

	link.send(t, 0x7E, nil)
	_, out = step(t, e)
	assert.Equal(t, session.OutcomeCommandError, out)
	assert.Equal(t, uint32(3), e.Stats().Rejected)
}

func TestStalePartialFrameIsDropped(t *testing.T) {
	e, link, _ := newEngine(t)
	link.rx.Write([]byte{0x01, 0x38})

	_, out := step(t, e)
	assert.Equal(t, session.OutcomeTimeout, out, "partial frame arrived during this window")
	_, out = step(t, e)
	assert.Equal(t, session.OutcomeTimeout, out)

	// The stale header is gone; a fresh frame decodes cleanly.
	link.send(t, CmdEnter, nil)
	st, out := step(t, e)
	assert.Equal(t, session.OutcomeSuccess, out)
	assert.Equal(t, session.StateInProgress, st)
}

func TestReadFailure(t *testing.T) {
	e, link, _ := newEngine(t)
	link.readErr = errors.New("usb: detached")
	_, out := step(t, e)
	assert.Equal(t, session.OutcomeUnknownError, out)
}

func TestTransportLifecycle(t *testing.T) {
	e := New(Config{})
	require.ErrorIs(t, e.TransportStart(transport.I2C), transport.ErrNotConfigured)

	link := &scriptLink{}
	e.ConfigureTransport(transport.I2C, link)
	require.NoError(t, e.TransportStart(transport.I2C))

	e.TransportReset()
	assert.Equal(t, 1, link.resets)

	e.TransportStop()
	assert.Equal(t, []transport.Action{
		transport.ActionInit, transport.ActionEnable,
		transport.ActionDisable, transport.ActionDeinit,
	}, link.actions)

	e.TransportStop()
	e.TransportReset()
	assert.Equal(t, 1, link.resets)
}

type countingLink struct {
	scriptLink
}

func (countingLink) Stats() transport.LinkStats { return transport.LinkStats{Packets: 4, Faults: 1} }

func TestLinkStats(t *testing.T) {
	e := New(Config{})
	e.ConfigureTransport(transport.I2C, &countingLink{})
	e.ConfigureTransport(transport.USBCDC, &scriptLink{})

	st, ok := e.LinkStats(transport.I2C)
	require.True(t, ok)
	assert.Equal(t, transport.LinkStats{Packets: 4, Faults: 1}, st)

	_, ok = e.LinkStats(transport.USBCDC)
	assert.False(t, ok, "link without counters")
	_, ok = e.LinkStats(transport.USBHID)
	assert.False(t, ok, "unregistered")
	_, ok = e.LinkStats(transport.ID(42))
	assert.False(t, ok)
}

// pipeLink adapts one end of net.Pipe to the link contract.
type pipeLink struct {
	conn net.Conn
}

func (l pipeLink) Handle(transport.Action) error { return nil }
func (l pipeLink) Reset()                        {}

func (l pipeLink) Read(p []byte, timeout time.Duration) (int, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := l.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (l pipeLink) Write(p []byte) (int, error) { return l.conn.Write(p) }

func TestClientPushEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	device, host := net.Pipe()
	defer host.Close()

	e := New(Config{SessionTimeout: 5 * time.Millisecond, Version: [3]byte{2, 0, 0}})
	mem := NewRAM(16*1024, 4096)
	require.NoError(t, e.RegisterExternalMemory(mem))
	require.Equal(t, session.OutcomeSuccess, e.Init())
	e.ConfigureTransport(transport.TCP, pipeLink{device})
	require.NoError(t, e.TransportStart(transport.TCP))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final := make(chan session.State, 1)
	go func() {
		defer device.Close()
		for ctx.Err() == nil {
			if st, _ := e.Continue(); st == session.StateFinished || st == session.StateFailed {
				final <- st
				return
			}
		}
		final <- e.State()
	}()

	image := make([]byte, 9*1024+17)
	for i := range image {
		image[i] = byte(i * 7)
	}
	var blocks int
	c := NewClient(host)
	require.NoError(t, c.Push(image, func(done, total int) { blocks++ }))

	assert.Equal(t, session.StateFinished, <-final)
	assert.Equal(t, 3, blocks)
	got := make([]byte, len(image))
	require.NoError(t, mem.ReadAt(got, 0))
	assert.Equal(t, image, got)
}

func TestClientReportsStatusError(t *testing.T) {
	defer goleak.VerifyNone(t)

	device, host := net.Pipe()
	defer host.Close()

	e := New(Config{SessionTimeout: 5 * time.Millisecond})
	require.NoError(t, e.RegisterExternalMemory(NewRAM(4096, 4096)))
	e.Init()
	e.ConfigureTransport(transport.TCP, pipeLink{device})
	require.NoError(t, e.TransportStart(transport.TCP))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer device.Close()
		for {
			if _, out := e.Continue(); out != session.OutcomeTimeout {
				return
			}
		}
	}()

	c := NewClient(host)
	err := c.Exit()
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, session.OutcomeCommandError, se.Outcome())
	assert.Contains(t, err.Error(), "not recognized")
	<-done
}
