package vm

import "fmt"

// VirtToPhys converts a virtual address of the active address space to the
// physical address it maps to. The walk reads the directory and table
// entries through the self-map windows. It has no structural side effects,
// but the underlying walk touches the TLB and the accessed bits, so it takes
// the critical section; concurrent callers are safe.
func (m *Machine) VirtToPhys(viraddr uint32) (uint32, error) {
	done := m.beginCritical()
	defer done()

	d := dirIndex(viraddr)

	de := Entry(m.mustReadVirt32(DirEntryAddr(d)))
	if !de.Has(FlagPresent) {
		return 0, fmt.Errorf("translate 0x%08x: %w", viraddr, ErrNotMapped)
	}

	if de.Has(FlagHuge) {
		return de.HugeFrame() + (viraddr & (HugePageSize - 1)), nil
	}

	pe := Entry(m.mustReadVirt32(TableEntryAddr(d, tableIndex(viraddr))))
	if !pe.Has(FlagPresent) {
		return 0, fmt.Errorf("translate 0x%08x: %w", viraddr, ErrNotMapped)
	}

	return pe.Frame() | pageOffset(viraddr), nil
}
