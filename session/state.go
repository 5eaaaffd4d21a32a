// Package session drives a DFU protocol engine at a fixed tick period and
// applies the timeout-based recovery policies that keep an update session
// from getting stuck.
package session

// State is the session state reported by the protocol engine on every tick.
type State uint8

const (
	StateIdle State = iota
	StateInProgress
	StateFinished
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in-progress"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the status returned alongside State on every tick.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeVerifyError
	OutcomeLengthError
	OutcomeDataError
	OutcomeCommandError
	OutcomeChecksumError
	OutcomeAddressError
	OutcomeTimeout
	OutcomeBadParam
	OutcomeUnknownError
)

// String returns a short outcome name suitable for log attributes.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeVerifyError:
		return "verify-error"
	case OutcomeLengthError:
		return "length-error"
	case OutcomeDataError:
		return "data-error"
	case OutcomeCommandError:
		return "command-error"
	case OutcomeChecksumError:
		return "checksum-error"
	case OutcomeAddressError:
		return "address-error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBadParam:
		return "bad-param"
	case OutcomeUnknownError:
		return "unknown-error"
	default:
		return "unrecognized"
	}
}

// Describe returns the human-readable explanation printed on the console.
func (o Outcome) Describe() string {
	switch o {
	case OutcomeSuccess:
		return "DFU: success"
	case OutcomeVerifyError:
		return "DFU: verification failed"
	case OutcomeLengthError:
		return "DFU: the length of the packet is outside of the expected range"
	case OutcomeDataError:
		return "DFU: the data in the received packet is invalid"
	case OutcomeCommandError:
		return "DFU: the command is not recognized"
	case OutcomeChecksumError:
		return "DFU: the checksum does not match the expected value"
	case OutcomeAddressError:
		return "DFU: the wrong address"
	case OutcomeTimeout:
		return "DFU: the command timed out"
	case OutcomeBadParam:
		return "DFU: one or more of input parameters are invalid"
	case OutcomeUnknownError:
		return "DFU: did not recognize error"
	default:
		return "not recognized DFU status code"
	}
}

// Class groups outcomes by the recovery branch they select.
type Class uint8

const (
	ClassSuccess Class = iota
	ClassTimeout
	ClassError
)

// Class returns the recovery class of the outcome. Anything that is neither
// success nor timeout is an error, including values outside the enumeration.
func (o Outcome) Class() Class {
	switch o {
	case OutcomeSuccess:
		return ClassSuccess
	case OutcomeTimeout:
		return ClassTimeout
	default:
		return ClassError
	}
}
