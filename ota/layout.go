// Package ota exposes the RP2350 A/B flash partitions as the DFU engine's
// external memory and provides the restart that follows a finished session.
package ota

import "errors"

// Partition constants
const (
	PartitionA = 0
	PartitionB = 1

	SectorSize = 4096 // erase block
	PageSize   = 256  // program block

	// Layout: PT (8KB) | Partition A (1984KB) | Partition B (1984KB) | Reserved
	XIPBase          = 0x10000000
	PartitionAOffset = 0x2000
	PartitionBOffset = 0x1F2000
	PartitionSize    = 0x1F0000
)

// Errors
var (
	ErrConfirmFailed = errors.New("ota: partition confirm failed")
	ErrRebootFailed  = errors.New("ota: reboot failed")
	ErrOutOfRange    = errors.New("ota: access outside partition")
	ErrAlignment     = errors.New("ota: erase offset not sector aligned")
	ErrPartition     = errors.New("ota: unknown partition")
)

// PartitionOffset returns the raw flash offset of a partition.
func PartitionOffset(partition int) uint32 {
	if partition == PartitionA {
		return PartitionAOffset
	}
	return PartitionBOffset
}

// PartitionXIPAddr returns the memory-mapped address of a partition.
func PartitionXIPAddr(partition int) uint32 {
	return XIPBase + PartitionOffset(partition)
}

// Target returns the partition an update is written to while running from
// current.
func Target(current int) int {
	if current == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// SectorSpan returns the first and last sector index touched by n bytes at
// off. n must be non-zero.
func SectorSpan(off, n uint32) (first, last uint32) {
	return off / SectorSize, (off + n - 1) / SectorSize
}

// PageSpan returns the page-aligned start and the aligned length covering n
// bytes at off.
func PageSpan(off, n uint32) (start, length uint32) {
	start = off &^ (PageSize - 1)
	end := (off + n + PageSize - 1) &^ (PageSize - 1)
	return start, end - start
}
