package dfu

import (
	"errors"
	"sync"
)

var (
	ErrOutOfRange = errors.New("dfu: memory access out of range")
	ErrNotErased  = errors.New("dfu: write to unerased memory")
	ErrAlignment  = errors.New("dfu: erase offset not sector aligned")
)

// Memory is the programming target registered with the engine. Offsets are
// relative to the start of the region.
type Memory interface {
	Size() uint32
	SectorSize() uint32
	EraseSector(off uint32) error
	WriteAt(p []byte, off uint32) error
	ReadAt(p []byte, off uint32) error
}

// RAM is an in-memory Memory with flash semantics: erased bytes read 0xFF
// and only erased bytes may be written.
type RAM struct {
	mu     sync.Mutex
	data   []byte
	sector uint32
	erases int
}

// NewRAM returns a region of size bytes in sectors of sector bytes, fully
// programmed with zeros so an erase is required before writing.
func NewRAM(size, sector uint32) *RAM {
	if sector == 0 || size%sector != 0 {
		panic("dfu: RAM size must be a multiple of the sector size")
	}
	return &RAM{data: make([]byte, size), sector: sector}
}

func (m *RAM) Size() uint32       { return uint32(len(m.data)) }
func (m *RAM) SectorSize() uint32 { return m.sector }

func (m *RAM) EraseSector(off uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off%m.sector != 0 {
		return ErrAlignment
	}
	if uint64(off)+uint64(m.sector) > uint64(len(m.data)) {
		return ErrOutOfRange
	}
	for i := range m.data[off : off+m.sector] {
		m.data[off+uint32(i)] = 0xFF
	}
	m.erases++
	return nil
}

func (m *RAM) WriteAt(p []byte, off uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(off)+uint64(len(p)) > uint64(len(m.data)) {
		return ErrOutOfRange
	}
	for i, b := range p {
		if m.data[off+uint32(i)] != 0xFF {
			return ErrNotErased
		}
		m.data[off+uint32(i)] = b
	}
	return nil
}

func (m *RAM) ReadAt(p []byte, off uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(off)+uint64(len(p)) > uint64(len(m.data)) {
		return ErrOutOfRange
	}
	copy(p, m.data[off:])
	return nil
}

// Erases returns the number of sector erases performed.
func (m *RAM) Erases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}
