// Package vm models the virtual-memory subsystem of a 32-bit x86 teaching
// kernel: two-level self-referential page tables kept inside simulated
// physical memory, a TLB, and the full mapping lifecycle from bootstrap to
// per-process address-space copy and teardown.
package vm

import "fmt"

// Flags is the set of flag bits in the low 12 bits of a page entry. The bit
// positions are the hardware ones and form an ABI; fault-handling code and
// debugging tooling depend on them.
type Flags uint32

const (
	// FlagPresent marks an entry as meaningful. The frame bits of an
	// entry without this flag must not be interpreted.
	FlagPresent Flags = 1 << 0

	// FlagRW makes the page writable.
	FlagRW Flags = 1 << 1

	// FlagUser makes the page addressable from user mode. The effective
	// permission is the AND of the directory and table entries.
	FlagUser Flags = 1 << 2

	// FlagWriteThrough activates write-through caching for the page.
	FlagWriteThrough Flags = 1 << 3

	// FlagCacheDisable disables caching for the page.
	FlagCacheDisable Flags = 1 << 4

	// FlagAccessed is set by the hardware when the page is accessed.
	FlagAccessed Flags = 1 << 5

	// FlagDirty is set by the hardware when the page is written.
	FlagDirty Flags = 1 << 6

	// FlagHuge marks a directory entry that maps a 4MB region directly.
	// On a table entry the same bit is the PAT bit.
	FlagHuge Flags = 1 << 7

	// FlagPAT is the page attribute table bit on table entries.
	FlagPAT = FlagHuge

	// FlagGlobal keeps the translation in the TLB across address-space
	// switches.
	FlagGlobal Flags = 1 << 8

	// FlagBoot marks pages and tables that belong to the bootstrap
	// identity mapping and are reclaimed by PageInit.
	FlagBoot Flags = 1 << 9
)

// flagMask covers the low 12 bits of an entry.
const flagMask = 0xFFF

// An Entry is a single word in a page directory or page table. It packs a
// page-aligned physical frame address in its high 20 bits and Flags in its
// low 12 bits.
type Entry uint32

// NewEntry packs a frame address and flags into an entry. The frame address
// must be page-aligned; a misaligned address is a caller bug.
func NewEntry(frame uint32, flags Flags) Entry {
	if frame&(PageSize-1) != 0 {
		panic(fmt.Sprintf("frame address 0x%08x is not page-aligned", frame))
	}

	return Entry(frame | uint32(flags)&flagMask)
}

// Frame returns the physical frame address the entry points to.
func (e Entry) Frame() uint32 {
	return uint32(e) & PageMask
}

// HugeFrame returns the 4MB-aligned physical base of a huge directory entry.
func (e Entry) HugeFrame() uint32 {
	return uint32(e) &^ (HugePageSize - 1)
}

// Flags returns the flag bits of the entry.
func (e Entry) Flags() Flags {
	return Flags(uint32(e) & flagMask)
}

// Has returns true if the entry has all the given flags set.
func (e Entry) Has(flags Flags) bool {
	return Flags(e)&flags == flags
}

// HasAny returns true if the entry has at least one of the given flags set.
func (e Entry) HasAny(flags Flags) bool {
	return Flags(e)&flags != 0
}

// SetFlags sets the given flags on the entry.
func (e *Entry) SetFlags(flags Flags) {
	*e = Entry(uint32(*e) | uint32(flags&flagMask))
}

// ClearFlags unsets the given flags on the entry.
func (e *Entry) ClearFlags(flags Flags) {
	*e = Entry(uint32(*e) &^ uint32(flags&flagMask))
}

// String renders the entry for logs and the inspector.
func (e Entry) String() string {
	if !e.Has(FlagPresent) {
		return "absent"
	}

	return fmt.Sprintf("frame=0x%08x flags=0x%03x", e.Frame(), uint32(e.Flags()))
}
