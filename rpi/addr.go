package rpi

// The BCM283x deals in three kinds of address (see p6 of the BCM2835 peripherals datasheet):
//
//   - virtual: whatever our mmap of /dev/mem returned, only meaningful inside this process
//   - physical: the ARM's view, used as the offset into /dev/mem
//   - bus: the VideoCore's view, used by the DMA engine. The top two bits select the cache
//     alias, and peripherals live at 0x7Exxxxxx no matter where the ARM sees them.
//
// The DMA engine only ever dereferences bus addresses, so anything written into a control
// block has to be one.

const (
	PAGE_SIZE         = 4096 // Theoretically, we could get this via whatever getconf does
	BUS_ALIAS_MASK    = uint32(0xC0000000)
	BUS_PERIPH_BASE   = uint32(0x7e000000)
	BUS_PERIPH_LENGTH = uint32(0x01000000)
)

// BusToPhys converts a bus address to a physical address by dropping the cache alias bits (p7).
func BusToPhys(busAddr uint32) uint32 {
	return busAddr &^ BUS_ALIAS_MASK
}

// PhysToBus converts a physical SDRAM address to a bus address under the given cache alias
// (e.g. 0x40000000 for L2-coherent on a Pi 1, 0xC0000000 for uncached).
func PhysToBus(physAddr uint32, alias uint32) uint32 {
	return BusToPhys(physAddr) | (alias & BUS_ALIAS_MASK)
}

// PeriphBusAddr converts an offset from the peripheral base to the bus address the DMA engine
// needs to reach that register.
func PeriphBusAddr(offset uintptr) uint32 {
	return BUS_PERIPH_BASE + uint32(offset)
}

// IsPeriphBusAddr reports whether busAddr is in the peripheral window.
func IsPeriphBusAddr(busAddr uint32) bool {
	return busAddr >= BUS_PERIPH_BASE && busAddr-BUS_PERIPH_BASE < BUS_PERIPH_LENGTH
}

// PageRoundUp rounds size up to the next multiple of PAGE_SIZE. Exact multiples are left alone.
func PageRoundUp(size uint32) uint32 {
	return (size + PAGE_SIZE - 1) &^ (PAGE_SIZE - 1)
}

// pageSplit splits addr into the page-aligned address mmap wants and the offset within that
// page.
func pageSplit(addr uintptr) (uintptr, uintptr) {
	offs := addr & (PAGE_SIZE - 1)
	return addr - offs, offs
}
