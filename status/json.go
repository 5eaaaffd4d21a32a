package status

import "strconv"

// Report is the periodic device summary.
type Report struct {
	Device    string
	Version   string
	Image     string
	State     string
	Outcome   string
	Transport string
	Ticks     uint32
	Steps     uint64
	Reinits   uint32
	Switches  uint32
	Frames    uint32
	Uptime    int64 // seconds
}

// jsonWriter appends JSON into a fixed buffer; output past the end is
// dropped.
type jsonWriter struct {
	buf []byte
	pos int
}

func (w *jsonWriter) raw(s string) {
	if w.pos+len(s) > len(w.buf) {
		return
	}
	w.pos += copy(w.buf[w.pos:], s)
}

func (w *jsonWriter) byte(b byte) {
	if w.pos < len(w.buf) {
		w.buf[w.pos] = b
		w.pos++
	}
}

// str writes a quoted string, escaping quotes and control characters and
// skipping other non-printable bytes.
func (w *jsonWriter) str(s string) {
	w.byte('"')
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case '"':
			w.raw(`\"`)
		case '\\':
			w.raw(`\\`)
		case '\n':
			w.raw(`\n`)
		case '\r':
			w.raw(`\r`)
		case '\t':
			w.raw(`\t`)
		default:
			if b >= 32 && b < 127 {
				w.byte(b)
			}
		}
	}
	w.byte('"')
}

func (w *jsonWriter) int(n int64) {
	var tmp [20]byte
	w.raw(string(strconv.AppendInt(tmp[:0], n, 10)))
}

func (w *jsonWriter) field(first bool, key string) {
	if !first {
		w.byte(',')
	}
	w.str(key)
	w.byte(':')
}

// EncodeEntry writes {"device":..,"severity":..,"time":..,"msg":..} into
// buf and returns the length.
func EncodeEntry(buf []byte, device string, e *Entry) int {
	w := jsonWriter{buf: buf}
	w.byte('{')
	w.field(true, "device")
	w.str(device)
	w.field(false, "severity")
	w.int(int64(e.Severity))
	w.field(false, "time")
	w.int(e.Timestamp)
	w.field(false, "msg")
	w.str(e.Text())
	w.byte('}')
	return w.pos
}

// EncodeReport writes r as a JSON object into buf and returns the length.
func EncodeReport(buf []byte, r *Report) int {
	w := jsonWriter{buf: buf}
	w.byte('{')
	w.field(true, "device")
	w.str(r.Device)
	w.field(false, "version")
	w.str(r.Version)
	w.field(false, "image")
	w.str(r.Image)
	w.field(false, "state")
	w.str(r.State)
	w.field(false, "outcome")
	w.str(r.Outcome)
	w.field(false, "transport")
	w.str(r.Transport)
	w.field(false, "ticks")
	w.int(int64(r.Ticks))
	w.field(false, "steps")
	w.int(int64(r.Steps))
	w.field(false, "reinits")
	w.int(int64(r.Reinits))
	w.field(false, "switches")
	w.int(int64(r.Switches))
	w.field(false, "frames")
	w.int(int64(r.Frames))
	w.field(false, "uptime")
	w.int(r.Uptime)
	w.byte('}')
	return w.pos
}
