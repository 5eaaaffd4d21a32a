package ota

// Flash is raw flash access by offset from the start of flash. Program
// offsets and lengths are page aligned.
type Flash interface {
	Erase(off, n uint32) error
	Program(off uint32, p []byte) error
	Read(p []byte, off uint32) error
}

// Region is one partition seen as the DFU external memory. Offsets are
// relative to the partition start.
type Region struct {
	flash Flash
	base  uint32
	size  uint32
	page  [PageSize]byte
}

// NewRegion returns the region of the given partition.
func NewRegion(f Flash, partition int) (*Region, error) {
	if partition != PartitionA && partition != PartitionB {
		return nil, ErrPartition
	}
	return &Region{flash: f, base: PartitionOffset(partition), size: PartitionSize}, nil
}

func (r *Region) Size() uint32       { return r.size }
func (r *Region) SectorSize() uint32 { return SectorSize }

func (r *Region) EraseSector(off uint32) error {
	if off%SectorSize != 0 {
		return ErrAlignment
	}
	if off >= r.size {
		return ErrOutOfRange
	}
	return r.flash.Erase(r.base+off, SectorSize)
}

// WriteAt programs p page by page. Bytes of a page outside p are written
// as 0xFF, which leaves flash contents unchanged.
func (r *Region) WriteAt(p []byte, off uint32) error {
	if uint64(off)+uint64(len(p)) > uint64(r.size) {
		return ErrOutOfRange
	}
	if len(p) == 0 {
		return nil
	}
	start, length := PageSpan(off, uint32(len(p)))
	for pg := start; pg < start+length; pg += PageSize {
		for i := range r.page {
			r.page[i] = 0xFF
		}
		lo := max(off, pg)
		hi := min(off+uint32(len(p)), pg+PageSize)
		copy(r.page[lo-pg:], p[lo-off:hi-off])
		if err := r.flash.Program(r.base+pg, r.page[:]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Region) ReadAt(p []byte, off uint32) error {
	if uint64(off)+uint64(len(p)) > uint64(r.size) {
		return ErrOutOfRange
	}
	return r.flash.Read(p, r.base+off)
}
