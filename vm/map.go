package vm

import "fmt"

// PageMap maps pages consecutive 4KB slots starting at viraddr to the
// physical region starting at phyaddr. Both addresses must be page-aligned
// and the range must stay below the reserved kernel windows. Missing tables
// are allocated on demand from the frame allocator.
//
// Mapping a slot that is already present fails with ErrAlreadyMapped; so
// does a huge mapping standing in the way. There is no silent overwrite.
// On a mid-range failure the slots already written remain mapped; the
// caller unmaps the range if it needs to back out.
func (m *Machine) PageMap(viraddr, phyaddr uint32, pages int, flags Flags) error {
	if err := checkRange(viraddr, pages); err != nil {
		return err
	}
	if !pageAligned(phyaddr) {
		return fmt.Errorf("physical address 0x%08x: %w", phyaddr, ErrInvalidAddress)
	}

	done := m.beginCritical()
	defer done()

	return m.mapRangeLocked(viraddr, phyaddr, pages, flags)
}

func (m *Machine) mapRangeLocked(viraddr, phyaddr uint32, pages int, flags Flags) error {
	for i := 0; i < pages; i++ {
		v := viraddr + uint32(i)*PageSize
		p := phyaddr + uint32(i)*PageSize

		if err := m.mapOne(v, p, flags); err != nil {
			return err
		}
	}

	return nil
}

// mapOne installs a single leaf entry. Must run inside the critical section.
func (m *Machine) mapOne(v, p uint32, flags Flags) error {
	d, t := dirIndex(v), tableIndex(v)

	de := Entry(m.mustReadVirt32(DirEntryAddr(d)))
	newTable := false

	switch {
	case !de.Has(FlagPresent):
		if err := m.installTable(d, flags); err != nil {
			return err
		}
		newTable = true

	case de.Has(FlagHuge):
		return fmt.Errorf("0x%08x is covered by a 4MB mapping: %w",
			v, ErrAlreadyMapped)

	case flags.has(FlagUser) && !de.Has(FlagUser):
		// The effective permission is the AND of both levels, so a
		// user mapping needs the user bit on the directory entry too.
		de.SetFlags(FlagUser)
		m.mustWriteVirt32(DirEntryAddr(d), uint32(de))
	}

	teAddr := TableEntryAddr(d, t)
	pe := Entry(m.mustReadVirt32(teAddr))
	if pe.Has(FlagPresent) {
		return fmt.Errorf("0x%08x: %w", v, ErrAlreadyMapped)
	}

	m.mustWriteVirt32(teAddr, uint32(NewEntry(p, flags|FlagPresent)))

	// The new translation must not be observable through a stale TLB line.
	m.tlb.FlushPage(v)

	m.recordMap(v, p, flags, newTable)

	return nil
}

// installTable allocates, installs, and zeroes a fresh table for directory
// slot d. The new table becomes visible through the table window right away.
func (m *Machine) installTable(d uint32, flags Flags) error {
	frame, err := m.allocator.AcquireFrame()
	if err != nil {
		return fmt.Errorf("allocating table for directory slot %d: %w", d, err)
	}

	dirFlags := FlagPresent | FlagRW
	if flags.has(FlagUser) {
		dirFlags |= FlagUser
	}

	m.mustWriteVirt32(DirEntryAddr(d), uint32(NewEntry(frame, dirFlags)))

	// The table window page for this slot may still carry a translation
	// to a previously installed table.
	window := tableWindowPage(d)
	m.tlb.FlushPage(window)

	for t := uint32(0); t < EntriesPerTable; t++ {
		m.mustWriteVirt32(window+4*t, 0)
	}

	return nil
}

// PageUnmap removes up to pages consecutive leaf mappings starting at
// viraddr. Slots that are already absent are skipped, so unmapping is
// idempotent. Tables that become empty are not reclaimed here; only
// PageMapDrop returns table frames to the allocator.
func (m *Machine) PageUnmap(viraddr uint32, pages int) error {
	if err := checkRange(viraddr, pages); err != nil {
		return err
	}

	done := m.beginCritical()
	defer done()

	return m.unmapRangeLocked(viraddr, pages)
}

func (m *Machine) unmapRangeLocked(viraddr uint32, pages int) error {
	for i := 0; i < pages; i++ {
		v := viraddr + uint32(i)*PageSize
		d, t := dirIndex(v), tableIndex(v)

		de := Entry(m.mustReadVirt32(DirEntryAddr(d)))
		if !de.Has(FlagPresent) {
			continue
		}
		if de.Has(FlagHuge) {
			return fmt.Errorf(
				"0x%08x is covered by a 4MB mapping that cannot be unmapped page-wise: %w",
				v, ErrInvalidAddress)
		}

		teAddr := TableEntryAddr(d, t)
		pe := Entry(m.mustReadVirt32(teAddr))
		if !pe.Has(FlagPresent) {
			continue
		}

		// Clear the whole entry, not just the present bit, so no
		// stale frame address lingers.
		m.mustWriteVirt32(teAddr, 0)
		m.tlb.FlushPage(v)

		m.recordUnmap(v)
	}

	return nil
}

// checkRange validates alignment, page count, and that the range stays out
// of the reserved kernel windows.
func checkRange(viraddr uint32, pages int) error {
	if !pageAligned(viraddr) {
		return fmt.Errorf("virtual address 0x%08x: %w", viraddr, ErrInvalidAddress)
	}
	if pages < 1 {
		return fmt.Errorf("page count %d: %w", pages, ErrInvalidAddress)
	}

	size := uint64(pages) * PageSize
	if uint64(viraddr)+size > uint64(loWindowBound) {
		return fmt.Errorf(
			"range 0x%08x+0x%x reaches into the reserved kernel windows: %w",
			viraddr, size, ErrInvalidAddress)
	}

	return nil
}

func (f Flags) has(flags Flags) bool {
	return f&flags == flags
}
