package vm

import "fmt"

// mapScratch transiently maps a physical frame at one of the two scratch
// slots and returns its virtual address. The scratch table is installed by
// PageInit and is part of every tree's shared kernel region, so the slots
// are usable regardless of which tree is active.
func (m *Machine) mapScratch(slot int, frame uint32) uint32 {
	v := uint32(scratchSlot0)
	if slot == 1 {
		v = scratchSlot1
	}

	d, t := dirIndex(v), tableIndex(v)
	m.mustWriteVirt32(TableEntryAddr(d, t), uint32(NewEntry(frame, FlagPresent|FlagRW)))
	m.tlb.FlushPage(v)

	return v
}

// unmapScratch tears the transient mapping down again.
func (m *Machine) unmapScratch(slot int) {
	v := uint32(scratchSlot0)
	if slot == 1 {
		v = scratchSlot1
	}

	d, t := dirIndex(v), tableIndex(v)
	m.mustWriteVirt32(TableEntryAddr(d, t), 0)
	m.tlb.FlushPage(v)
}

// PageCopy copies the contents of one physical frame to another. Physical
// memory is only reachable through virtual addresses, so both frames are
// transiently mapped at the scratch slots for the duration of the copy.
func (m *Machine) PageCopy(destPhys, srcPhys uint32) error {
	if !pageAligned(destPhys) || !pageAligned(srcPhys) {
		return fmt.Errorf("page copy 0x%08x <- 0x%08x: %w",
			destPhys, srcPhys, ErrInvalidAddress)
	}

	done := m.beginCritical()
	defer done()

	m.pageCopyLocked(destPhys, srcPhys)

	return nil
}

func (m *Machine) pageCopyLocked(destPhys, srcPhys uint32) {
	src := m.mapScratch(0, srcPhys)
	dest := m.mapScratch(1, destPhys)

	data, err := m.readVirtLocked(src, PageSize)
	if err != nil {
		m.halt("scratch read of frame 0x%08x failed: %v", srcPhys, err)
	}
	if err := m.writeVirtLocked(dest, data); err != nil {
		m.halt("scratch write of frame 0x%08x failed: %v", destPhys, err)
	}

	m.unmapScratch(0)
	m.unmapScratch(1)
}

// readTableFrame reads a directory or table frame into host memory through
// scratch slot 0.
func (m *Machine) readTableFrame(frame uint32) [EntriesPerTable]Entry {
	var entries [EntriesPerTable]Entry

	v := m.mapScratch(0, frame)
	for i := uint32(0); i < EntriesPerTable; i++ {
		entries[i] = Entry(m.mustReadVirt32(v + 4*i))
	}
	m.unmapScratch(0)

	return entries
}

// writeTableFrame stores a full directory or table frame through scratch
// slot 0.
func (m *Machine) writeTableFrame(frame uint32, entries [EntriesPerTable]Entry) {
	v := m.mapScratch(0, frame)
	for i := uint32(0); i < EntriesPerTable; i++ {
		m.mustWriteVirt32(v+4*i, uint32(entries[i]))
	}
	m.unmapScratch(0)
}

// PageMapCopy duplicates the src tree into dest. dest must be a freshly
// created space that holds only the shared kernel mappings.
//
// Directory slots without the user bit belong to the shared kernel region
// and are aliased verbatim. User slots get fresh tables; their writable user
// leaves get fresh frames filled by PageCopy, while read-only or kernel
// leaves inside a user table are aliased. On allocator exhaustion every
// frame acquired by the partial copy is released again and dest is left
// untouched.
func (m *Machine) PageMapCopy(dest, src *Space) error {
	done := m.beginCritical()
	defer done()

	srcDir := m.readTableFrame(src.root)
	destDir := m.readTableFrame(dest.root)

	var acquired []uint32
	rollback := func() {
		for _, f := range acquired {
			m.allocator.ReleaseFrame(f)
		}
	}

	copied, shared := 0, 0

	for d := uint32(0); d < EntriesPerTable; d++ {
		de := srcDir[d]

		if d == selfRefIndex || !de.Has(FlagPresent) {
			continue
		}

		if !de.Has(FlagUser) {
			// Shared kernel region: same table frame, no ownership.
			destDir[d] = de
			shared++
			continue
		}

		tableFrame, err := m.allocator.AcquireFrame()
		if err != nil {
			rollback()
			m.recordTreeOp("copy", dest.root, copied, shared, len(acquired), true)
			return fmt.Errorf("copying tree 0x%08x: %w", src.root, err)
		}
		acquired = append(acquired, tableFrame)

		srcTable := m.readTableFrame(de.Frame())
		var destTable [EntriesPerTable]Entry

		for t := uint32(0); t < EntriesPerTable; t++ {
			te := srcTable[t]
			if !te.Has(FlagPresent) {
				continue
			}

			if !te.Has(FlagUser) || !te.Has(FlagRW) {
				destTable[t] = te
				shared++
				continue
			}

			frame, err := m.allocator.AcquireFrame()
			if err != nil {
				rollback()
				m.recordTreeOp("copy", dest.root, copied, shared, len(acquired), true)
				return fmt.Errorf("copying tree 0x%08x: %w", src.root, err)
			}
			acquired = append(acquired, frame)

			m.pageCopyLocked(frame, te.Frame())
			destTable[t] = NewEntry(frame, te.Flags())
			copied++
		}

		m.writeTableFrame(tableFrame, destTable)
		destDir[d] = NewEntry(tableFrame, de.Flags())
	}

	m.writeTableFrame(dest.root, destDir)

	m.recordTreeOp("copy", dest.root, copied, shared, 0, false)

	return nil
}
