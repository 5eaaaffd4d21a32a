package console

const (
	iac = 0xFF

	// MaxLine bounds a command line.
	MaxLine = 256
)

// Telnet echo negotiation.
var (
	willEcho = []byte{iac, 0xFB, 0x01} // server echoes, client stops
	wontEcho = []byte{iac, 0xFC, 0x01} // client resumes echo
)

// lineDecoder turns a telnet byte stream into command lines. IAC sequences
// are skipped, CR LF pairs count once and only printable ASCII is kept.
type lineDecoder struct {
	buf        [MaxLine]byte
	n          int
	skip       int
	gotNewline bool
}

// feed consumes one byte. It returns a complete line when b ends one, and
// overflow when the line grew past MaxLine and was discarded.
func (d *lineDecoder) feed(b byte) (line []byte, ok, overflow bool) {
	if d.skip > 0 {
		d.skip--
		return nil, false, false
	}
	switch {
	case b == iac:
		// command + option; WILL/WONT/DO/DONT carry an option byte
		d.skip = 2
	case b == '\r' || b == '\n':
		if d.gotNewline {
			return nil, false, false
		}
		d.gotNewline = true
		line = d.buf[:d.n]
		d.n = 0
		return line, true, false
	case b >= 32 && b < 127:
		d.gotNewline = false
		if d.n == len(d.buf) {
			d.n = 0
			return nil, false, true
		}
		d.buf[d.n] = b
		d.n++
	}
	return nil, false, false
}

func (d *lineDecoder) reset() {
	*d = lineDecoder{}
}
