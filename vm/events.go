package vm

// Table names used by the event recorder.
const (
	mapEventTable    = "page_map"
	unmapEventTable  = "page_unmap"
	switchEventTable = "space_switch"
	treeEventTable   = "tree_op"
)

// MapEvent records one leaf entry installed by PageMap.
type MapEvent struct {
	Seq      uint64
	Machine  string
	VirtAddr uint32
	PhysAddr uint32
	Flags    uint32
	NewTable bool
}

// UnmapEvent records one leaf entry cleared by PageUnmap.
type UnmapEvent struct {
	Seq      uint64
	Machine  string
	VirtAddr uint32
}

// SwitchEvent records an active address-space switch.
type SwitchEvent struct {
	Seq      uint64
	Machine  string
	FromRoot uint32
	ToRoot   uint32
}

// TreeEvent records a whole-tree operation: create, copy, or drop.
type TreeEvent struct {
	Seq          uint64
	Machine      string
	Op           string
	Root         uint32
	FramesMoved  int
	FramesShared int
	FramesFreed  int
	RolledBack   bool
}

func (m *Machine) createEventTables() {
	if m.recorder == nil {
		return
	}

	m.recorder.CreateTable(mapEventTable, MapEvent{})
	m.recorder.CreateTable(unmapEventTable, UnmapEvent{})
	m.recorder.CreateTable(switchEventTable, SwitchEvent{})
	m.recorder.CreateTable(treeEventTable, TreeEvent{})
}

func (m *Machine) recordMap(vaddr, paddr uint32, flags Flags, newTable bool) {
	if m.recorder == nil {
		return
	}

	m.recorder.InsertData(mapEventTable, MapEvent{
		Seq:      m.nextSeq(),
		Machine:  m.name,
		VirtAddr: vaddr,
		PhysAddr: paddr,
		Flags:    uint32(flags),
		NewTable: newTable,
	})
}

func (m *Machine) recordUnmap(vaddr uint32) {
	if m.recorder == nil {
		return
	}

	m.recorder.InsertData(unmapEventTable, UnmapEvent{
		Seq:      m.nextSeq(),
		Machine:  m.name,
		VirtAddr: vaddr,
	})
}

func (m *Machine) recordSwitch(fromRoot, toRoot uint32) {
	if m.recorder == nil {
		return
	}

	m.recorder.InsertData(switchEventTable, SwitchEvent{
		Seq:      m.nextSeq(),
		Machine:  m.name,
		FromRoot: fromRoot,
		ToRoot:   toRoot,
	})
}

func (m *Machine) recordTreeOp(op string, root uint32, moved, shared, freed int, rolledBack bool) {
	if m.recorder == nil {
		return
	}

	m.recorder.InsertData(treeEventTable, TreeEvent{
		Seq:          m.nextSeq(),
		Machine:      m.name,
		Op:           op,
		Root:         root,
		FramesMoved:  moved,
		FramesShared: shared,
		FramesFreed:  freed,
		RolledBack:   rolledBack,
	})
}
