package vm

import "fmt"

// A Space is a handle to one mapping tree: a directory frame plus the table
// frames it references. Exactly one space is active at a time.
type Space struct {
	root uint32
}

// Root returns the physical base address of the space's directory frame.
func (s *Space) Root() uint32 {
	return s.root
}

// CreateSpace builds a new address space holding only the shared kernel
// mappings of the currently active tree plus its own self-reference.
func (m *Machine) CreateSpace() (*Space, error) {
	done := m.beginCritical()
	defer done()

	frame, err := m.allocator.AcquireFrame()
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}

	var dir [EntriesPerTable]Entry

	for d := uint32(0); d < EntriesPerTable; d++ {
		if d == selfRefIndex {
			continue
		}

		de := Entry(m.mustReadVirt32(DirEntryAddr(d)))
		if de.Has(FlagPresent) && !de.Has(FlagUser) {
			dir[d] = de
		}
	}

	dir[selfRefIndex] = NewEntry(frame, FlagPresent|FlagRW)

	m.writeTableFrame(frame, dir)

	m.recordTreeOp("create", frame, 0, 0, 0, false)

	return &Space{root: frame}, nil
}

// SwitchSpace makes s the active address space: the root register is
// reloaded and all non-global translations are dropped. The self-map windows
// refer to s's frames from this point on; any address computed through them
// before the switch is stale.
func (m *Machine) SwitchSpace(s *Space) {
	done := m.beginCritical()
	defer done()

	from := m.cr3

	m.cr3 = s.root
	m.active = s
	m.tlb.Flush()

	m.recordSwitch(from, s.root)
}
