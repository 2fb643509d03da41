package vm

// The last directory entry points at the directory's own frame. Through this
// self-reference the active tree is visible as ordinary memory: the full
// table array appears at TableWindowBase (table t of directory slot d at
// TableWindowBase + d*PageSize + t*4) and the directory itself appears as if
// it were one more table at DirWindowBase.
//
// These addresses are an aliasing relation over the *active* tree only. They
// must be recomputed, never cached, across a root-register switch: the same
// virtual address refers to a different tree's frames afterwards.
const (
	// selfRefIndex is the directory slot that references the directory.
	selfRefIndex = EntriesPerTable - 1

	// TableWindowBase is the virtual base of the window exposing all
	// tables of the active tree.
	TableWindowBase = 0xFFC00000

	// DirWindowBase is the virtual base of the window exposing the active
	// directory as a table.
	DirWindowBase = 0xFFFFF000

	// scratchDirIndex is the directory slot holding the kernel scratch
	// table. Its two top pages are the transient frame-copy windows and
	// are never available for ordinary mapping.
	scratchDirIndex = EntriesPerTable - 2

	// scratchSlot0 and scratchSlot1 are the two scratch page addresses.
	scratchSlot0 = 0xFFBFE000
	scratchSlot1 = 0xFFBFF000

	// loWindowBound is the first virtual address claimed by the reserved
	// kernel windows (scratch region and self-map). Ordinary mappings
	// must stay below it.
	loWindowBound = uint32(scratchDirIndex) << (PageBits + EntryBits)
)

// DirEntryAddr returns the virtual address through which directory entry d of
// the active tree can be read or written.
func DirEntryAddr(d uint32) uint32 {
	return DirWindowBase + d*4
}

// TableEntryAddr returns the virtual address through which table entry t
// under directory slot d of the active tree can be read or written.
func TableEntryAddr(d, t uint32) uint32 {
	return TableWindowBase + d*PageSize + t*4
}

// tableWindowPage returns the virtual page through which the table under
// directory slot d is visible.
func tableWindowPage(d uint32) uint32 {
	return TableWindowBase + d*PageSize
}
