package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"openenterprise/dfuloader/ota"
)

// UF2 block layout (512 bytes):
//
//	0-3     magic 1 ("UF2\n")
//	4-7     magic 2
//	8-11    flags
//	12-15   target address
//	16-19   payload size
//	20-23   block number
//	24-27   total blocks
//	28-31   family ID (or file size)
//	32-507  payload
//	508-511 final magic
const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655
	uf2Magic2     = 0x9E5D5157
	uf2MagicEnd   = 0x0AB16F30

	uf2FlagNotMainFlash = 0x00000001
	uf2FlagContainer    = 0x00001000
	uf2FlagFamilyID     = 0x00002000
	uf2FlagMD5          = 0x00004000
	uf2FlagExtension    = 0x00008000
)

var (
	errTooSmall   = errors.New("image: file too small to be UF2")
	errBlockAlign = errors.New("image: UF2 size not a multiple of 512")
	errNoPayload  = errors.New("image: no main flash blocks")
	errTooLarge   = errors.New("image: larger than a partition")
)

// firmware is the binary pushed to the device.
type firmware struct {
	Data []byte
	UF2  bool
	// UF2 only
	Base   uint32
	Blocks int
	Flags  uint32
	Family uint32
}

func isUF2(b []byte) bool {
	return len(b) >= uf2BlockSize &&
		binary.LittleEndian.Uint32(b[0:4]) == uf2Magic1 &&
		binary.LittleEndian.Uint32(b[4:8]) == uf2Magic2
}

// parseUF2 extracts the main flash payload. Gaps between blocks are filled
// with 0xFF, the erased flash value.
func parseUF2(b []byte) (*firmware, error) {
	if len(b) < uf2BlockSize {
		return nil, errTooSmall
	}
	if len(b)%uf2BlockSize != 0 {
		return nil, errBlockAlign
	}

	fw := &firmware{UF2: true}
	numBlocks := len(b) / uf2BlockSize
	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for i := 0; i < numBlocks; i++ {
		block := b[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if binary.LittleEndian.Uint32(block[0:4]) != uf2Magic1 ||
			binary.LittleEndian.Uint32(block[4:8]) != uf2Magic2 ||
			binary.LittleEndian.Uint32(block[508:512]) != uf2MagicEnd {
			return nil, fmt.Errorf("image: block %d: invalid magic", i)
		}
		flags := binary.LittleEndian.Uint32(block[8:12])
		if i == 0 {
			fw.Flags = flags
			if flags&uf2FlagFamilyID != 0 {
				fw.Family = binary.LittleEndian.Uint32(block[28:32])
			}
		}
		if flags&uf2FlagNotMainFlash != 0 {
			continue
		}
		addr := binary.LittleEndian.Uint32(block[12:16])
		size := binary.LittleEndian.Uint32(block[16:20])
		if size > uf2MaxPayload {
			return nil, fmt.Errorf("image: block %d: payload of %d bytes", i, size)
		}
		minAddr = min(minAddr, addr)
		maxAddr = max(maxAddr, addr+size)
		fw.Blocks++
	}
	if fw.Blocks == 0 {
		return nil, errNoPayload
	}
	if maxAddr-minAddr > ota.PartitionSize {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, maxAddr-minAddr)
	}

	fw.Base = minAddr
	fw.Data = bytes.Repeat([]byte{0xFF}, int(maxAddr-minAddr))
	for i := 0; i < numBlocks; i++ {
		block := b[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if binary.LittleEndian.Uint32(block[8:12])&uf2FlagNotMainFlash != 0 {
			continue
		}
		addr := binary.LittleEndian.Uint32(block[12:16])
		size := binary.LittleEndian.Uint32(block[16:20])
		off := addr - minAddr
		copy(fw.Data[off:off+size], block[32:32+size])
	}
	return fw, nil
}

// loadFirmware reads a UF2 container or, failing the magic check, a raw
// binary taken as-is.
func loadFirmware(path string) (*firmware, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isUF2(b) {
		return parseUF2(b)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("image: %s is empty", path)
	}
	if len(b) > ota.PartitionSize {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, len(b))
	}
	return &firmware{Data: b}, nil
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	default:
		return "unknown"
	}
}

func printFirmware(w io.Writer, path string, fw *firmware) {
	sum := sha256Hex(fw.Data)
	fmt.Fprintf(w, "Image: %s\n", path)
	if !fw.UF2 {
		fmt.Fprintf(w, "  Format: raw binary\n")
	} else {
		fmt.Fprintf(w, "  Format: UF2, %d blocks\n", fw.Blocks)
		fmt.Fprintf(w, "  Base address: 0x%08x\n", fw.Base)
		fmt.Fprintf(w, "  Flags: 0x%08x\n", fw.Flags)
		for _, f := range []struct {
			bit  uint32
			name string
		}{
			{uf2FlagNotMainFlash, "NOT_MAIN_FLASH"},
			{uf2FlagContainer, "FILE_CONTAINER"},
			{uf2FlagFamilyID, "FAMILY_ID_PRESENT"},
			{uf2FlagMD5, "MD5_CHECKSUM_PRESENT"},
			{uf2FlagExtension, "EXTENSION_TAGS_PRESENT"},
		} {
			if fw.Flags&f.bit != 0 {
				fmt.Fprintf(w, "    - %s\n", f.name)
			}
		}
		if fw.Flags&uf2FlagFamilyID != 0 {
			fmt.Fprintf(w, "  Family ID: 0x%08x (%s)\n", fw.Family, familyName(fw.Family))
		}
	}
	fmt.Fprintf(w, "  Binary size: %d bytes (%d KB)\n", len(fw.Data), len(fw.Data)/1024)
	fmt.Fprintf(w, "  SHA256: %s\n", sum)
}
