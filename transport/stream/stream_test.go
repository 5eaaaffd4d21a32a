package stream

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openenterprise/dfuloader/transport"
)

type fakeDevice struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	tx      bytes.Buffer
	opens   int
	closes  int
	openErr error
	readErr error
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return d.openErr
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return 0, d.readErr
	}
	if d.rx.Len() == 0 {
		return 0, nil
	}
	return d.rx.Read(p)
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Write(p)
}

func (d *fakeDevice) feed(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx.Write(p)
}

func enabledLink(t *testing.T, dev *fakeDevice) *Link {
	t.Helper()
	l := NewLink(dev)
	require.NoError(t, l.Handle(transport.ActionInit))
	require.NoError(t, l.Handle(transport.ActionEnable))
	return l
}

func TestLifecycle(t *testing.T) {
	dev := &fakeDevice{}
	l := NewLink(dev)

	require.ErrorIs(t, l.Handle(transport.ActionEnable), transport.ErrNotConfigured)
	require.NoError(t, l.Handle(transport.ActionInit))
	require.NoError(t, l.Handle(transport.ActionInit))
	assert.Equal(t, 1, dev.opens, "init is idempotent")

	require.NoError(t, l.Handle(transport.ActionEnable))
	_, err := l.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, l.Handle(transport.ActionDisable))
	_, err = l.Read(make([]byte, 4), time.Millisecond)
	assert.ErrorIs(t, err, ErrDisabled)

	require.NoError(t, l.Handle(transport.ActionDeinit))
	require.NoError(t, l.Handle(transport.ActionDeinit))
	assert.Equal(t, 1, dev.closes)

	require.ErrorIs(t, l.Handle(transport.Action(9)), transport.ErrUnsupported)
}

func TestInitFailure(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("cdc: not enumerated")}
	l := NewLink(dev)
	require.Error(t, l.Handle(transport.ActionInit))
	require.ErrorIs(t, l.Handle(transport.ActionEnable), transport.ErrNotConfigured)
}

func TestDisabledLinkRefusesTraffic(t *testing.T) {
	l := NewLink(&fakeDevice{})
	_, err := l.Read(make([]byte, 4), time.Millisecond)
	require.ErrorIs(t, err, ErrDisabled)
	_, err = l.Write([]byte{1})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestReadReturnsBufferedBytes(t *testing.T) {
	dev := &fakeDevice{}
	l := enabledLink(t, dev)
	dev.feed([]byte{0x01, 0x38})

	buf := make([]byte, 8)
	n, err := l.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x38}, buf[:n])
}

func TestReadTimesOutEmpty(t *testing.T) {
	l := enabledLink(t, &fakeDevice{})
	start := time.Now()
	n, err := l.Read(make([]byte, 8), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestReadWaitsForLateBytes(t *testing.T) {
	dev := &fakeDevice{}
	l := enabledLink(t, dev)
	go func() {
		time.Sleep(5 * time.Millisecond)
		dev.feed([]byte("late"))
	}()
	buf := make([]byte, 8)
	n, err := l.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestReadPropagatesDeviceError(t *testing.T) {
	cause := errors.New("tcp: reset by peer")
	dev := &fakeDevice{readErr: cause}
	l := enabledLink(t, dev)
	_, err := l.Read(make([]byte, 8), time.Second)
	require.ErrorIs(t, err, cause)
}

func TestWrite(t *testing.T) {
	dev := &fakeDevice{}
	l := enabledLink(t, dev)
	n, err := l.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, dev.tx.Bytes())
}

type registrar struct {
	id   transport.ID
	link transport.Link
}

func (r *registrar) ConfigureTransport(id transport.ID, l transport.Link) {
	r.id, r.link = id, l
}

func TestAdapterRegistersLink(t *testing.T) {
	a := NewAdapter(transport.USBCDC, &fakeDevice{})
	r := &registrar{}
	require.NoError(t, a.Configure(r))
	assert.Equal(t, transport.USBCDC, a.ID())
	assert.Equal(t, transport.USBCDC, r.id)
	assert.Same(t, a.Link(), r.link)
}
