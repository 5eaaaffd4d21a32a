package dfu

import (
	"encoding/binary"
	"errors"

	"openenterprise/dfuloader/session"
)

// Frame layout: [SOP][CMD|STATUS][LEN_L][LEN_H][DATA...][SUM_L][SUM_H][EOP]
const (
	StartOfPacket = 0x01
	EndOfPacket   = 0x17

	headerSize  = 4
	trailerSize = 3
	// MinFrameSize is a frame with no data.
	MinFrameSize = headerSize + trailerSize
	// MaxDataSize bounds the data field of a single frame.
	MaxDataSize = 512
	// MaxFrameSize is the largest frame accepted or produced.
	MaxFrameSize = MaxDataSize + MinFrameSize
)

// Command codes.
const (
	CmdVerifyApp = 0x31
	CmdSync      = 0x35
	CmdSendData  = 0x37
	CmdEnter     = 0x38
	CmdProgram   = 0x39
	CmdExit      = 0x3B
	CmdErase     = 0x44
)

// Status codes sent in responses.
const (
	StatusSuccess  = 0x00
	StatusVerify   = 0x02
	StatusLength   = 0x03
	StatusData     = 0x04
	StatusCommand  = 0x05
	StatusChecksum = 0x08
	StatusAddress  = 0x0A
	StatusBadParam = 0x0B
	StatusUnknown  = 0x0F
)

// Packet errors
var (
	ErrShortFrame   = errors.New("dfu: incomplete frame")
	ErrStartOfFrame = errors.New("dfu: missing start of packet")
	ErrEndOfFrame   = errors.New("dfu: missing end of packet")
	ErrFrameLength  = errors.New("dfu: data length out of range")
	ErrChecksum     = errors.New("dfu: checksum mismatch")
	ErrBufferSize   = errors.New("dfu: buffer too small")
)

// Checksum is the two's complement of the 16-bit sum of p.
func Checksum(p []byte) uint16 {
	var sum uint16
	for _, b := range p {
		sum += uint16(b)
	}
	return ^sum + 1
}

// Encode writes a frame carrying code and data into dst and returns its
// length.
func Encode(dst []byte, code byte, data []byte) (int, error) {
	if len(data) > MaxDataSize {
		return 0, ErrFrameLength
	}
	n := len(data) + MinFrameSize
	if len(dst) < n {
		return 0, ErrBufferSize
	}
	dst[0] = StartOfPacket
	dst[1] = code
	binary.LittleEndian.PutUint16(dst[2:4], uint16(len(data)))
	copy(dst[headerSize:], data)
	end := headerSize + len(data)
	binary.LittleEndian.PutUint16(dst[end:], Checksum(dst[:end]))
	dst[end+2] = EndOfPacket
	return n, nil
}

// Decode parses the frame at the start of p. It returns the code, the data
// (aliasing p) and the number of bytes the frame occupies. ErrShortFrame
// means more bytes are needed; any other error means p does not start with
// a valid frame.
func Decode(p []byte) (code byte, data []byte, n int, err error) {
	if len(p) == 0 {
		return 0, nil, 0, ErrShortFrame
	}
	if p[0] != StartOfPacket {
		return 0, nil, 0, ErrStartOfFrame
	}
	if len(p) < headerSize {
		return 0, nil, 0, ErrShortFrame
	}
	size := int(binary.LittleEndian.Uint16(p[2:4]))
	if size > MaxDataSize {
		return 0, nil, 0, ErrFrameLength
	}
	n = size + MinFrameSize
	if len(p) < n {
		return 0, nil, 0, ErrShortFrame
	}
	end := headerSize + size
	if p[end+2] != EndOfPacket {
		return 0, nil, n, ErrEndOfFrame
	}
	if binary.LittleEndian.Uint16(p[end:]) != Checksum(p[:end]) {
		return 0, nil, n, ErrChecksum
	}
	return p[1], p[headerSize:end], n, nil
}

// frameOutcome maps a Decode error to the session outcome it reports.
func frameOutcome(err error) session.Outcome {
	switch {
	case err == nil:
		return session.OutcomeSuccess
	case errors.Is(err, ErrFrameLength):
		return session.OutcomeLengthError
	case errors.Is(err, ErrChecksum):
		return session.OutcomeChecksumError
	case errors.Is(err, ErrStartOfFrame), errors.Is(err, ErrEndOfFrame):
		return session.OutcomeDataError
	default:
		return session.OutcomeUnknownError
	}
}

// StatusFor returns the wire status code of an outcome. Timeout is never
// sent and maps to StatusUnknown.
func StatusFor(o session.Outcome) byte {
	switch o {
	case session.OutcomeSuccess:
		return StatusSuccess
	case session.OutcomeVerifyError:
		return StatusVerify
	case session.OutcomeLengthError:
		return StatusLength
	case session.OutcomeDataError:
		return StatusData
	case session.OutcomeCommandError:
		return StatusCommand
	case session.OutcomeChecksumError:
		return StatusChecksum
	case session.OutcomeAddressError:
		return StatusAddress
	case session.OutcomeBadParam:
		return StatusBadParam
	default:
		return StatusUnknown
	}
}

// OutcomeFor is the inverse of StatusFor, used by hosts reading responses.
func OutcomeFor(status byte) session.Outcome {
	switch status {
	case StatusSuccess:
		return session.OutcomeSuccess
	case StatusVerify:
		return session.OutcomeVerifyError
	case StatusLength:
		return session.OutcomeLengthError
	case StatusData:
		return session.OutcomeDataError
	case StatusCommand:
		return session.OutcomeCommandError
	case StatusChecksum:
		return session.OutcomeChecksumError
	case StatusAddress:
		return session.OutcomeAddressError
	case StatusBadParam:
		return session.OutcomeBadParam
	default:
		return session.OutcomeUnknownError
	}
}
