// Package version carries build information injected with -ldflags "-X".
package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker identifies the firmware revision when ldflags were not set.
const BuildMarker = "dfuloader-001"

// String returns "<version> (<sha>)", falling back to BuildMarker.
func String() string {
	v := Version
	if v == "" {
		v = BuildMarker
	}
	if GitSHA == "" {
		return v
	}
	return v + " (" + GitSHA + ")"
}

// Triple parses Version as "major.minor.patch" for the DFU enter response.
// Missing or non-numeric parts are zero.
func Triple() [3]byte {
	var out [3]byte
	part := 0
	for i := 0; i < len(Version) && part < 3; i++ {
		c := Version[i]
		switch {
		case c == 'v' && i == 0:
		case c >= '0' && c <= '9':
			n := int(out[part])*10 + int(c-'0')
			if n > 255 {
				n = 255
			}
			out[part] = byte(n)
		case c == '.':
			part++
		default:
			return out
		}
	}
	return out
}
