//go:build tinygo

package secondary

import (
	"device/arm"
	"errors"
	"runtime/volatile"
	"unsafe"
)

const (
	sioBase   = 0xd0000000
	fifoST    = 0x50
	fifoWR    = 0x54
	fifoRD    = 0x58
	fifoVLD   = 1 << 0
	fifoRDY   = 1 << 1
	spinLimit = 1_000_000
	seqLimit  = 64
)

var errHandshake = errors.New("secondary: core 1 did not answer")

func sioReg(off uintptr) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(sioBase) + off))
}

// FIFO launches core 1 through the inter-core FIFO handshake the bootrom
// waits on.
type FIFO struct{}

func (FIFO) Vector(addr uint32) (sp, entry uint32) {
	words := (*[2]uint32)(unsafe.Pointer(uintptr(addr)))
	return words[0], words[1]
}

func (FIFO) Launch(sp, entry, vector uint32) error {
	seq := [...]uint32{0, 0, 1, vector, sp, entry}
	st, wr, rd := sioReg(fifoST), sioReg(fifoWR), sioReg(fifoRD)
	i := 0
	for tries := 0; i < len(seq); tries++ {
		if tries > seqLimit {
			return errHandshake
		}
		cmd := seq[i]
		if cmd == 0 {
			for st.Get()&fifoVLD != 0 {
				rd.Get()
			}
			arm.Asm("sev")
		}
		if !spin(func() bool { return st.Get()&fifoRDY != 0 }) {
			return errHandshake
		}
		wr.Set(cmd)
		arm.Asm("sev")
		if !spin(func() bool { return st.Get()&fifoVLD != 0 }) {
			return errHandshake
		}
		if rd.Get() == cmd {
			i++
		} else {
			i = 0
		}
	}
	return nil
}

func spin(ready func() bool) bool {
	for n := 0; n < spinLimit; n++ {
		if ready() {
			return true
		}
	}
	return false
}
