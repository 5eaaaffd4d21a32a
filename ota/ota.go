//go:build tinygo

package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT                 ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY           ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO           ROM_TABLE_CODE('G', 'S')
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_TABLE_LOOKUP_OFFSET 0x16
#define RT_FLAG_FUNC_ARM_SEC        0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

#define SYS_INFO_BOOT_INFO 0x0040

#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

#define WATCHDOG_CTRL         0x400d8000
#define WATCHDOG_CTRL_TRIGGER (1u << 31)

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out, uint32_t words, uint32_t flags);
typedef void (*flash_void_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);

// Runs in Secure state; TinyGo does not configure TrustZone.
__attribute__((always_inline))
static void *rom_lookup(uint32_t code) {
    rom_table_lookup_fn lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int dfu_rom_confirm(void) {
    rom_explicit_buy_fn fn = (rom_explicit_buy_fn) rom_lookup(ROM_FUNC_EXPLICIT_BUY);
    if (!fn) return -1;
    uint32_t workarea[64];
    return fn((uint8_t*)workarea, sizeof(workarea));
}

// p0 is the XIP address of the updated region. Returns only on failure.
static int dfu_rom_reboot_update(uint32_t xip_addr) {
    rom_reboot_fn fn = (rom_reboot_fn) rom_lookup(ROM_FUNC_REBOOT);
    if (!fn) return -1;
    int ret = fn(REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000, xip_addr, 0);
    if (ret == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
    return ret;
}

static void dfu_rom_reset(void) {
    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while (1) { __asm__("nop"); }
}

// Word 1 of BOOT_INFO is 0xttppbbdd; pp is the boot partition, 0xFF for none.
static int dfu_rom_boot_partition(void) {
    rom_get_sys_info_fn fn = (rom_get_sys_info_fn) rom_lookup(ROM_FUNC_GET_SYS_INFO);
    if (!fn) return 0;
    uint32_t buf[5];
    if (fn(buf, 5, SYS_INFO_BOOT_INFO) < 0) return 0;
    if (!(buf[0] & SYS_INFO_BOOT_INFO)) return 0;
    uint8_t p = (buf[1] >> 16) & 0xFF;
    return p == 0xFF ? 0 : (int)p;
}

// op 0 erases count bytes at offset, op 1 programs data.
static int dfu_rom_flash(int op, uint32_t offset, const uint8_t *data, uint32_t count) {
    flash_void_fn connect = (flash_void_fn) rom_lookup(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_void_fn exit_xip = (flash_void_fn) rom_lookup(ROM_FUNC_FLASH_EXIT_XIP);
    flash_void_fn flush = (flash_void_fn) rom_lookup(ROM_FUNC_FLASH_FLUSH_CACHE);
    flash_range_erase_fn erase = (flash_range_erase_fn) rom_lookup(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_range_program_fn program = (flash_range_program_fn) rom_lookup(ROM_FUNC_FLASH_RANGE_PROGRAM);
    if (!connect || !exit_xip || !flush || !erase || !program) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    if (op == 0) {
        erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    } else {
        program(offset, data, count);
    }
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}
*/
import "C"

import (
	"errors"
	"unsafe"
)

var ErrFlashOp = errors.New("ota: flash rom function unavailable")

// ROM drives flash and reboot through the RP2350 bootrom. Flash access
// bypasses machine.Flash, which offsets by FlashDataStart.
type ROM struct {
	// Shutdown runs before any reboot, typically the radio deinit.
	Shutdown func()
}

// ConfirmBoot confirms the running partition. Must be called within 16.7s
// of a try-before-you-buy boot or the bootrom reverts.
func (ROM) ConfirmBoot() error {
	if C.dfu_rom_confirm() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// BootPartition reports the partition the device booted from.
func (ROM) BootPartition() int {
	return int(C.dfu_rom_boot_partition())
}

func (r ROM) RebootToPartition(partition int) error {
	r.shutdown()
	if C.dfu_rom_reboot_update(C.uint32_t(PartitionXIPAddr(partition))) != 0 {
		return ErrRebootFailed
	}
	return nil
}

func (r ROM) Reboot() {
	r.shutdown()
	C.dfu_rom_reset()
}

func (r ROM) shutdown() {
	if r.Shutdown != nil {
		r.Shutdown()
	}
}

func (ROM) Erase(off, n uint32) error {
	if C.dfu_rom_flash(0, C.uint32_t(off), nil, C.uint32_t(n)) != 0 {
		return ErrFlashOp
	}
	return nil
}

func (ROM) Program(off uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if C.dfu_rom_flash(1, C.uint32_t(off), (*C.uint8_t)(&p[0]), C.uint32_t(len(p))) != 0 {
		return ErrFlashOp
	}
	return nil
}

// Read copies from the memory-mapped flash window.
func (ROM) Read(p []byte, off uint32) error {
	if len(p) == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(XIPBase+off))), len(p))
	copy(p, src)
	return nil
}
