package vm

// Geometry of 32-bit two-level paging: bits [31:22] index the directory,
// bits [21:12] index a table, bits [11:0] are the in-page offset.
const (
	// PageBits is the number of in-page offset bits.
	PageBits = 12

	// PageSize is the size of one page in bytes.
	PageSize = 1 << PageBits

	// PageMask masks the page-aligned part of an address.
	PageMask = 0xFFFFF000

	// EntryBits is the number of index bits per paging level.
	EntryBits = 10

	// EntriesPerTable is the number of entries in a directory or table.
	EntriesPerTable = 1 << EntryBits

	// HugePageSize is the region covered by one huge directory entry.
	HugePageSize = 1 << (PageBits + EntryBits)
)

// dirIndex extracts the directory index from a virtual address.
func dirIndex(vaddr uint32) uint32 {
	return vaddr >> (PageBits + EntryBits)
}

// tableIndex extracts the table index from a virtual address.
func tableIndex(vaddr uint32) uint32 {
	return (vaddr >> PageBits) & (EntriesPerTable - 1)
}

// pageOffset extracts the in-page offset from a virtual address.
func pageOffset(vaddr uint32) uint32 {
	return vaddr & (PageSize - 1)
}

// pageAligned reports whether an address sits on a page boundary.
func pageAligned(addr uint32) bool {
	return addr&(PageSize-1) == 0
}
