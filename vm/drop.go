package vm

// PageMapDrop releases every frame the tree privately owns back to the frame
// allocator: the writable user data frames, the user table frames, and
// finally the directory frame itself. Shared kernel frames and aliased
// read-only frames are left alone.
//
// The tree must be inactive; the caller has already switched to another
// tree. Dropping the active tree would destroy the mappings the machine is
// executing through and panics.
func (m *Machine) PageMapDrop(tree *Space) {
	done := m.beginCritical()
	defer done()

	if tree.root == m.cr3 {
		m.halt("dropping the active tree 0x%08x", tree.root)
	}

	freed := 0
	dir := m.readTableFrame(tree.root)

	for d := uint32(0); d < EntriesPerTable; d++ {
		de := dir[d]

		if d == selfRefIndex || !de.Has(FlagPresent) || !de.Has(FlagUser) {
			continue
		}

		table := m.readTableFrame(de.Frame())

		for t := uint32(0); t < EntriesPerTable; t++ {
			te := table[t]
			if !te.Has(FlagPresent) || !te.Has(FlagUser) || !te.Has(FlagRW) {
				continue
			}

			// Frames mapped from outside the allocator's range
			// (device memory, kernel image) are not owned by the
			// tree.
			if !m.allocator.Managed(te.Frame()) {
				continue
			}

			m.allocator.ReleaseFrame(te.Frame())
			freed++
		}

		// A directory slot can alias a table frame the tree does not own,
		// same as a leaf.
		if m.allocator.Managed(de.Frame()) {
			m.allocator.ReleaseFrame(de.Frame())
			freed++
		}
	}

	m.allocator.ReleaseFrame(tree.root)
	freed++

	m.recordTreeOp("drop", tree.root, 0, 0, freed, false)
}
