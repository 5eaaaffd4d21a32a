package session

import (
	"fmt"
	"time"
)

type step struct {
	state   State
	outcome Outcome
}

// recorder collects the ordered side effects of every fake.
type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	rec    *recorder
	script []step
	// fallback is returned once the script is exhausted.
	fallback step
	initOut  Outcome
	calls    int
}

func (e *fakeEngine) Init() Outcome {
	e.rec.add("init")
	return e.initOut
}

func (e *fakeEngine) Continue() (State, Outcome) {
	e.rec.add("continue")
	s := e.fallback
	if e.calls < len(e.script) {
		s = e.script[e.calls]
	}
	e.calls++
	return s.state, s.outcome
}

type fakeChecker struct {
	rec *recorder
	err error
}

func (c *fakeChecker) Check() error {
	c.rec.add("check")
	return c.err
}

type fakeIndicator struct {
	rec     *recorder
	toggles []uint64
	tick    func() uint64
}

func (i *fakeIndicator) Toggle() {
	i.rec.add("toggle")
	if i.tick != nil {
		i.toggles = append(i.toggles, i.tick())
	}
}

type fakeClock struct {
	rec *recorder
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.rec.add("sleep %s", d)
	c.now = c.now.Add(d)
}

type harness struct {
	rec       *recorder
	engine    *fakeEngine
	checker   *fakeChecker
	indicator *fakeIndicator
	clock     *fakeClock
	restarts  int
	ctrl      *Controller
}

func newHarness(timing Timing, script []step, fallback step) (*harness, error) {
	rec := &recorder{}
	h := &harness{
		rec:       rec,
		engine:    &fakeEngine{rec: rec, script: script, fallback: fallback},
		checker:   &fakeChecker{rec: rec},
		indicator: &fakeIndicator{rec: rec},
		clock:     &fakeClock{rec: rec, now: time.Unix(1700000000, 0)},
	}
	ctrl, err := New(Config{
		Engine:     h.engine,
		Transports: h.checker,
		Indicator:  h.indicator,
		Restart: func() {
			rec.add("restart")
			h.restarts++
		},
		Clock:  h.clock,
		Timing: timing,
	})
	if err != nil {
		return nil, err
	}
	h.ctrl = ctrl
	return h, nil
}
