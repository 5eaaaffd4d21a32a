package transport

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{"I2C", I2C, false},
		{"i2c", I2C, false},
		{"usb-cdc", USBCDC, false},
		{" cdc ", USBCDC, false},
		{"USB-HID", USBHID, false},
		{"hid", USBHID, false},
		{"tcp", TCP, false},
		{"spi", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseID(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrUnknownID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, mustParse(t, got.String()), "String round-trips")
		})
	}
}

func mustParse(t *testing.T, s string) ID {
	t.Helper()
	id, err := ParseID(s)
	require.NoError(t, err)
	return id
}

func TestSelectionGate(t *testing.T) {
	s := NewSelection(I2C)
	assert.Equal(t, I2C, s.Current())
	assert.Equal(t, I2C, s.Pending())
	assert.False(t, s.Outstanding())

	require.True(t, s.Request(USBCDC))
	assert.True(t, s.Outstanding())

	assert.False(t, s.Request(USBHID), "second request while outstanding")
	assert.False(t, s.Request(I2C), "third request while outstanding")
	assert.Equal(t, USBCDC, s.Pending())
	assert.Equal(t, I2C, s.Current())

	s.commit(USBCDC)
	assert.False(t, s.Outstanding())
	require.True(t, s.Request(USBHID))
	assert.Equal(t, USBHID, s.Pending())
}

func TestSelectionConcurrentRequestsArmOnce(t *testing.T) {
	s := NewSelection(I2C)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id ID) {
			defer wg.Done()
			if s.Request(id) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(ID(1 + i%3))
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.True(t, s.Outstanding())
}

// fakeEngine records the transport lifecycle calls in order.
type fakeEngine struct {
	calls    []string
	links    map[ID]Link
	startErr error
}

func (e *fakeEngine) ConfigureTransport(id ID, l Link) {
	if e.links == nil {
		e.links = map[ID]Link{}
	}
	e.links[id] = l
	e.calls = append(e.calls, "configure "+id.String())
}

func (e *fakeEngine) TransportStart(id ID) error {
	e.calls = append(e.calls, "start "+id.String())
	return e.startErr
}

func (e *fakeEngine) TransportStop()  { e.calls = append(e.calls, "stop") }
func (e *fakeEngine) TransportReset() { e.calls = append(e.calls, "reset") }

type fakeAdapter struct {
	id  ID
	err error
}

func (a fakeAdapter) ID() ID { return a.id }

func (a fakeAdapter) Configure(r Registrar) error {
	if a.err != nil {
		return a.err
	}
	r.ConfigureTransport(a.id, nopLink{})
	return nil
}

type nopLink struct{}

func (nopLink) Handle(Action) error                     { return nil }
func (nopLink) Read([]byte, time.Duration) (int, error) { return 0, nil }
func (nopLink) Write(p []byte) (int, error)             { return len(p), nil }
func (nopLink) Reset()                                  {}

func newTestManager(t *testing.T, def ID) (*Manager, *Selection, *fakeEngine) {
	t.Helper()
	sel := NewSelection(def)
	eng := &fakeEngine{}
	m, err := NewManager(sel, eng, nil,
		fakeAdapter{id: I2C}, fakeAdapter{id: USBCDC}, fakeAdapter{id: USBHID})
	require.NoError(t, err)
	return m, sel, eng
}

func TestManagerStart(t *testing.T) {
	m, _, eng := newTestManager(t, USBCDC)
	require.NoError(t, m.Start())
	assert.Equal(t, []string{"configure USB-CDC", "start USB-CDC"}, eng.calls)
}

func TestManagerCheckSteadyStateResetsOnly(t *testing.T) {
	m, sel, eng := newTestManager(t, I2C)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Check())
	}
	assert.Equal(t, []string{"reset", "reset", "reset"}, eng.calls)
	assert.Equal(t, I2C, sel.Current())
	assert.Zero(t, m.Switches())
}

func TestManagerCheckAppliesSwitch(t *testing.T) {
	m, sel, eng := newTestManager(t, I2C)
	var from, to ID
	m.OnSwitch = func(f, n ID) { from, to = f, n }

	require.True(t, sel.Request(USBHID))
	require.NoError(t, m.Check())

	assert.Equal(t, []string{"reset", "stop", "configure USB-HID", "start USB-HID"}, eng.calls)
	assert.Equal(t, USBHID, sel.Current())
	assert.Equal(t, sel.Pending(), sel.Current())
	assert.Equal(t, I2C, from)
	assert.Equal(t, USBHID, to)
	assert.Equal(t, uint32(1), m.Switches())
	assert.Contains(t, eng.links, USBHID)

	eng.calls = nil
	require.NoError(t, m.Check())
	assert.Equal(t, []string{"reset"}, eng.calls)
}

func TestManagerSwitchFailureLeavesSwitchOutstanding(t *testing.T) {
	sel := NewSelection(I2C)
	eng := &fakeEngine{}
	cause := errors.New("usb: enumeration failed")
	m, err := NewManager(sel, eng, nil, fakeAdapter{id: I2C}, fakeAdapter{id: USBCDC, err: cause})
	require.NoError(t, err)

	require.True(t, sel.Request(USBCDC))
	err = m.Check()
	require.ErrorIs(t, err, cause)
	assert.Equal(t, I2C, sel.Current())
	assert.True(t, sel.Outstanding())
}

func TestManagerStartFailure(t *testing.T) {
	m, _, eng := newTestManager(t, I2C)
	eng.startErr = errors.New("engine: busy")
	require.ErrorContains(t, m.Start(), "start I2C")
}

func TestManagerSwitchToMissingAdapter(t *testing.T) {
	m, sel, _ := newTestManager(t, I2C)
	require.True(t, sel.Request(TCP))
	require.ErrorIs(t, m.Check(), ErrNoAdapter)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(NewSelection(TCP), &fakeEngine{}, nil, fakeAdapter{id: I2C})
	require.ErrorIs(t, err, ErrNoAdapter)

	_, err = NewManager(NewSelection(I2C), &fakeEngine{}, nil, fakeAdapter{id: I2C}, fakeAdapter{id: I2C})
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = NewManager(NewSelection(I2C), &fakeEngine{}, nil, fakeAdapter{id: ID(42)})
	require.ErrorIs(t, err, ErrUnknownID)
}

// After any Check with pending != current on entry, current == pending on exit.
func TestCheckConvergesForEveryPair(t *testing.T) {
	ids := []ID{I2C, USBCDC, USBHID}
	for _, from := range ids {
		for _, to := range ids {
			t.Run(fmt.Sprintf("%s-%s", from, to), func(t *testing.T) {
				m, sel, _ := newTestManager(t, from)
				sel.Request(to)
				require.NoError(t, m.Check())
				assert.Equal(t, to, sel.Current())
				assert.False(t, sel.Outstanding())
			})
		}
	}
}
