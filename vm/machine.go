package vm

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/edukernel/pagesim/phys"
	"github.com/edukernel/pagesim/record"
)

var (
	// ErrInvalidAddress is returned when an operation receives a
	// misaligned or out-of-range address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNotMapped is returned when a translation walks into an absent
	// entry.
	ErrNotMapped = errors.New("virtual address is not mapped")

	// ErrAlreadyMapped is returned when a mapping request hits a slot
	// that is already present.
	ErrAlreadyMapped = errors.New("virtual address is already mapped")
)

// A Machine is one simulated single-core x86 machine: its physical memory,
// frame allocator, TLB, and the paging state the kernel would keep in CR3.
//
// At most one structural mutation of the active tree may be in flight at a
// time. Every mutating operation runs inside a critical section that defers
// interrupts, so a fault handler can never observe a half-written
// multi-entry edit. Translation has no structural effects, but every walk
// shares the TLB and the hardware accessed/dirty bits, so it runs under the
// same critical section; concurrent callers are safe.
type Machine struct {
	name string
	id   string

	storage   *phys.Storage
	allocator phys.FrameAllocator
	tlb       *TLB
	recorder  record.Recorder

	mu         sync.Mutex
	irqEnabled bool

	// cr3 is the physical base address of the active directory. It is
	// mutated only at well-defined switch points, under the critical
	// section.
	cr3    uint32
	active *Space

	kernelImageEnd uint32
	bootRegionEnd  uint32

	eventSeq uint64
}

// Name returns the machine name given at build time.
func (m *Machine) Name() string { return m.name }

// ID returns the unique machine id.
func (m *Machine) ID() string { return m.id }

// Storage exposes the simulated physical memory.
func (m *Machine) Storage() *phys.Storage { return m.storage }

// FrameAllocator exposes the physical frame allocator.
func (m *Machine) FrameAllocator() phys.FrameAllocator { return m.allocator }

// TLB exposes the translation cache.
func (m *Machine) TLB() *TLB { return m.tlb }

// ActiveSpace returns the address space the machine currently executes in.
func (m *Machine) ActiveSpace() *Space { return m.active }

// beginCritical enters the machine's critical section: interrupts are
// deferred and no other mutation can start. The returned function restores
// the previous interrupt state.
func (m *Machine) beginCritical() func() {
	m.mu.Lock()
	prev := m.irqEnabled
	m.irqEnabled = false

	return func() {
		m.irqEnabled = prev
		m.mu.Unlock()
	}
}

// halt stops the machine. It is used for failures that leave no address
// space to fall back to.
func (m *Machine) halt(reason string, args ...any) {
	log.Panicf("machine %s halted: %s", m.name, fmt.Sprintf(reason, args...))
}

// translateHW performs the hardware page walk for one access: consult the
// TLB, otherwise walk the two levels from CR3 in physical memory, setting
// the accessed (and, for writes, dirty) bits and filling the TLB.
func (m *Machine) translateHW(vaddr uint32, write bool) (uint32, error) {
	page := vaddr & PageMask

	if physBase, pteAddr, ok := m.tlb.Lookup(page); ok {
		if write && pteAddr != 0 {
			m.setEntryFlags(pteAddr, FlagDirty)
		}

		return physBase | pageOffset(vaddr), nil
	}

	deAddr := m.cr3 + 4*dirIndex(vaddr)
	de, err := m.readEntryPhys(deAddr)
	if err != nil {
		return 0, err
	}

	if !de.Has(FlagPresent) {
		return 0, fmt.Errorf("page fault at 0x%08x: %w", vaddr, ErrNotMapped)
	}

	m.setEntryFlags(deAddr, FlagAccessed)

	if de.Has(FlagHuge) {
		physBase := de.HugeFrame() | (vaddr & 0x003FF000)
		if write {
			m.setEntryFlags(deAddr, FlagDirty)
		}

		m.tlb.Insert(page, physBase, 0, de.Has(FlagGlobal))

		return physBase | pageOffset(vaddr), nil
	}

	peAddr := de.Frame() + 4*tableIndex(vaddr)
	pe, err := m.readEntryPhys(peAddr)
	if err != nil {
		return 0, err
	}

	if !pe.Has(FlagPresent) {
		return 0, fmt.Errorf("page fault at 0x%08x: %w", vaddr, ErrNotMapped)
	}

	flags := FlagAccessed
	if write {
		flags |= FlagDirty
	}
	m.setEntryFlags(peAddr, flags)

	m.tlb.Insert(page, pe.Frame(), peAddr, pe.Has(FlagGlobal))

	return pe.Frame() | pageOffset(vaddr), nil
}

func (m *Machine) readEntryPhys(addr uint32) (Entry, error) {
	word, err := m.storage.ReadUint32(uint64(addr))
	if err != nil {
		return 0, err
	}

	return Entry(word), nil
}

func (m *Machine) setEntryFlags(addr uint32, flags Flags) {
	e, err := m.readEntryPhys(addr)
	if err != nil {
		m.halt("cannot update entry at 0x%08x: %v", addr, err)
	}

	e.SetFlags(flags)

	if err := m.storage.WriteUint32(uint64(addr), uint32(e)); err != nil {
		m.halt("cannot update entry at 0x%08x: %v", addr, err)
	}
}

// ReadVirt reads length bytes starting at the given virtual address of the
// active address space.
func (m *Machine) ReadVirt(vaddr, length uint32) ([]byte, error) {
	done := m.beginCritical()
	defer done()

	return m.readVirtLocked(vaddr, length)
}

func (m *Machine) readVirtLocked(vaddr, length uint32) ([]byte, error) {
	res := make([]byte, length)
	offset := uint32(0)

	for offset < length {
		paddr, err := m.translateHW(vaddr+offset, false)
		if err != nil {
			return nil, err
		}

		n := PageSize - pageOffset(vaddr+offset)
		if remaining := length - offset; n > remaining {
			n = remaining
		}

		chunk, err := m.storage.Read(uint64(paddr), uint64(n))
		if err != nil {
			return nil, err
		}
		copy(res[offset:], chunk)

		offset += n
	}

	return res, nil
}

// WriteVirt stores data starting at the given virtual address of the active
// address space.
func (m *Machine) WriteVirt(vaddr uint32, data []byte) error {
	done := m.beginCritical()
	defer done()

	return m.writeVirtLocked(vaddr, data)
}

func (m *Machine) writeVirtLocked(vaddr uint32, data []byte) error {
	offset := uint32(0)

	for offset < uint32(len(data)) {
		paddr, err := m.translateHW(vaddr+offset, true)
		if err != nil {
			return err
		}

		n := PageSize - pageOffset(vaddr+offset)
		if remaining := uint32(len(data)) - offset; n > remaining {
			n = remaining
		}

		err = m.storage.Write(uint64(paddr), data[offset:offset+n])
		if err != nil {
			return err
		}

		offset += n
	}

	return nil
}

// readVirt32 reads one entry-sized word through the active address space.
// It is the primitive behind all self-map accesses.
func (m *Machine) readVirt32(vaddr uint32) (uint32, error) {
	paddr, err := m.translateHW(vaddr, false)
	if err != nil {
		return 0, err
	}

	return m.storage.ReadUint32(uint64(paddr))
}

// writeVirt32 writes one entry-sized word through the active address space.
func (m *Machine) writeVirt32(vaddr, value uint32) error {
	paddr, err := m.translateHW(vaddr, true)
	if err != nil {
		return err
	}

	return m.storage.WriteUint32(uint64(paddr), value)
}

// mustReadVirt32 is readVirt32 for addresses whose mapping is a machine
// invariant, such as the self-map windows of the active tree.
func (m *Machine) mustReadVirt32(vaddr uint32) uint32 {
	word, err := m.readVirt32(vaddr)
	if err != nil {
		m.halt("self-map access to 0x%08x failed: %v", vaddr, err)
	}

	return word
}

func (m *Machine) mustWriteVirt32(vaddr, value uint32) {
	if err := m.writeVirt32(vaddr, value); err != nil {
		m.halt("self-map access to 0x%08x failed: %v", vaddr, err)
	}
}

// ActiveDirectory returns a snapshot of the active tree's directory entries,
// read through the self-map window.
func (m *Machine) ActiveDirectory() []Entry {
	done := m.beginCritical()
	defer done()

	entries := make([]Entry, EntriesPerTable)
	for d := uint32(0); d < EntriesPerTable; d++ {
		entries[d] = Entry(m.mustReadVirt32(DirEntryAddr(d)))
	}

	return entries
}

func (m *Machine) nextSeq() uint64 {
	m.eventSeq++
	return m.eventSeq
}
