package session

import "strings"

// Action is the set of steps the controller performs after a tick.
type Action uint8

const (
	// ActResetCounter zeroes the tick counter.
	ActResetCounter Action = 1 << iota
	// ActReinit starts a fresh engine session.
	ActReinit
	// ActSettle sleeps one tick period so an error response can drain.
	ActSettle
	// ActCheck runs the transport manager check.
	ActCheck
	// ActRestart restarts the system. Terminal.
	ActRestart
)

// Has reports whether all bits of b are set in a.
func (a Action) Has(b Action) bool {
	return a&b == b
}

// String returns the set bits joined by "|", or "none".
func (a Action) String() string {
	if a == 0 {
		return "none"
	}
	names := [...]string{"reset-counter", "reinit", "settle", "check", "restart"}
	var sb strings.Builder
	for i, name := range names {
		if a&(1<<i) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
	}
	return sb.String()
}

// Guard selects the tick threshold that gates the guarded part of a rule.
type Guard uint8

const (
	GuardNone Guard = iota
	GuardCommandTimeout
	GuardIdleTimeout
)

// Rule is one row of the transition table. Always is applied on every match;
// Guarded only once the counter has reached the threshold named by Guard.
type Rule struct {
	Always  Action
	Guard   Guard
	Guarded Action
}

type ruleKey struct {
	state State
	class Class
}

var transitions = map[ruleKey]Rule{
	// Finished: settle, then restart. Never returns on hardware.
	{StateFinished, ClassSuccess}: {Always: ActRestart},
	{StateFinished, ClassTimeout}: {Always: ActRestart},
	{StateFinished, ClassError}:   {Always: ActRestart},

	// Failed: start over on whatever transport is (or is about to be) active.
	{StateFailed, ClassSuccess}: {Always: ActResetCounter | ActReinit | ActCheck},
	{StateFailed, ClassTimeout}: {Always: ActResetCounter | ActReinit | ActCheck},
	{StateFailed, ClassError}:   {Always: ActResetCounter | ActReinit | ActCheck},

	// InProgress: progress resets the stall clock and leaves the transport alone.
	{StateInProgress, ClassSuccess}: {Always: ActResetCounter},
	{StateInProgress, ClassTimeout}: {
		Guard:   GuardCommandTimeout,
		Guarded: ActResetCounter | ActReinit | ActCheck,
	},
	// The session is kept; only the transport is reset once the error
	// response has had a tick to drain.
	{StateInProgress, ClassError}: {Always: ActSettle | ActResetCounter | ActCheck},

	{StateIdle, ClassSuccess}: {Always: ActCheck, Guard: GuardIdleTimeout, Guarded: ActResetCounter},
	{StateIdle, ClassTimeout}: {Always: ActCheck, Guard: GuardIdleTimeout, Guarded: ActResetCounter},
	{StateIdle, ClassError}:   {Always: ActCheck, Guard: GuardIdleTimeout, Guarded: ActResetCounter},
}

// Lookup returns the rule for (state, outcome). Unknown states are treated
// as Idle.
func Lookup(state State, outcome Outcome) Rule {
	r, ok := transitions[ruleKey{state, outcome.Class()}]
	if !ok {
		r = transitions[ruleKey{StateIdle, outcome.Class()}]
	}
	return r
}

// Decide returns the actions for a tick that produced (state, outcome) with
// the counter already incremented to ticks.
func Decide(state State, outcome Outcome, ticks uint32, th Thresholds) Action {
	r := Lookup(state, outcome)
	act := r.Always
	switch r.Guard {
	case GuardCommandTimeout:
		if ticks >= th.CommandTicks {
			act |= r.Guarded
		}
	case GuardIdleTimeout:
		if ticks >= th.IdleTicks {
			act |= r.Guarded
		}
	}
	return act
}
