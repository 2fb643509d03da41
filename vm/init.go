package vm

// Fixed physical regions of the simulated machine.
const (
	// KernelImageBase is where the kernel image starts, right above the
	// legacy low-memory hole.
	KernelImageBase = 0x00100000

	// VideoMemBase is the text-mode video memory.
	VideoMemBase = 0x000B8000
)

// bootstrap builds the identity-mapped boot tree and turns paging on. It
// runs before any virtual access exists, so it writes the boot tables
// straight into physical memory, the way the early assembly stub would.
func (m *Machine) bootstrap() {
	dirFrame, err := m.allocator.AcquireFrame()
	if err != nil {
		m.halt("no frame for the boot directory: %v", err)
	}

	var dir [EntriesPerTable]Entry

	for base := uint32(0); base < m.bootRegionEnd; base += HugePageSize {
		tableFrame, err := m.allocator.AcquireFrame()
		if err != nil {
			m.halt("no frame for a boot table: %v", err)
		}

		var table [EntriesPerTable]Entry
		for t := uint32(0); t < EntriesPerTable; t++ {
			table[t] = NewEntry(base+t*PageSize, FlagPresent|FlagRW|FlagBoot)
		}

		m.writeTableFramePhys(tableFrame, table)
		dir[dirIndex(base)] = NewEntry(tableFrame, FlagPresent|FlagRW|FlagBoot)
	}

	dir[selfRefIndex] = NewEntry(dirFrame, FlagPresent|FlagRW)
	m.writeTableFramePhys(dirFrame, dir)

	m.cr3 = dirFrame
	m.active = &Space{root: dirFrame}
	m.irqEnabled = true
}

// writeTableFramePhys stores a table directly into physical memory. Only the
// bootstrap may use it; after paging is on, tables are reached through the
// self-map or the scratch windows.
func (m *Machine) writeTableFramePhys(frame uint32, entries [EntriesPerTable]Entry) {
	for i := uint32(0); i < EntriesPerTable; i++ {
		err := m.storage.WriteUint32(uint64(frame+4*i), uint32(entries[i]))
		if err != nil {
			m.halt("writing boot table at 0x%08x: %v", frame, err)
		}
	}
}

// PageInit replaces the bootstrap identity mapping with explicit kernel
// mappings: the kernel image and the video memory get permanent global
// entries, the scratch table is installed, and every identity entry still
// flagged as boot is removed with its table frames reclaimed.
//
// There is no address space to fall back to at this point, so any failure
// halts the machine.
func (m *Machine) PageInit() {
	done := m.beginCritical()
	defer done()

	if err := m.installTable(scratchDirIndex, 0); err != nil {
		m.halt("installing the scratch table: %v", err)
	}

	m.remapLocked(VideoMemBase, VideoMemBase, 1,
		FlagRW|FlagCacheDisable|FlagGlobal)

	kernelPages := int((m.kernelImageEnd - KernelImageBase) / PageSize)
	m.remapLocked(KernelImageBase, KernelImageBase, kernelPages,
		FlagRW|FlagGlobal)

	freed := m.reclaimBootMappings()

	m.recordTreeOp("init", m.cr3, 0, 0, freed, false)
}

// remapLocked replaces identity boot entries with permanent ones.
func (m *Machine) remapLocked(viraddr, phyaddr uint32, pages int, flags Flags) {
	if err := m.unmapRangeLocked(viraddr, pages); err != nil {
		m.halt("removing boot mapping at 0x%08x: %v", viraddr, err)
	}
	if err := m.mapRangeLocked(viraddr, phyaddr, pages, flags); err != nil {
		m.halt("mapping kernel region at 0x%08x: %v", viraddr, err)
	}
}

// reclaimBootMappings clears every leaf still flagged as boot and releases
// tables that end up empty. Tables that keep permanent entries only lose
// their boot marker.
func (m *Machine) reclaimBootMappings() int {
	freed := 0

	for d := uint32(0); d < selfRefIndex; d++ {
		de := Entry(m.mustReadVirt32(DirEntryAddr(d)))
		if !de.Has(FlagPresent) || !de.Has(FlagBoot) {
			continue
		}

		remaining := 0
		for t := uint32(0); t < EntriesPerTable; t++ {
			te := Entry(m.mustReadVirt32(TableEntryAddr(d, t)))
			if !te.Has(FlagPresent) {
				continue
			}

			if !te.Has(FlagBoot) {
				remaining++
				continue
			}

			m.mustWriteVirt32(TableEntryAddr(d, t), 0)
			m.tlb.FlushPage(d<<(PageBits+EntryBits) | t<<PageBits)
		}

		if remaining > 0 {
			de.ClearFlags(FlagBoot)
			m.mustWriteVirt32(DirEntryAddr(d), uint32(de))
			continue
		}

		m.mustWriteVirt32(DirEntryAddr(d), 0)
		m.tlb.FlushPage(tableWindowPage(d))
		m.allocator.ReleaseFrame(de.Frame())
		freed++
	}

	return freed
}
