package vm

// A TLB caches virtual-to-physical page translations the way the hardware
// does. The simulated page walk consults it before touching the tables and
// fills it on every successful walk, so a missing invalidation after a
// structural edit shows up as a stale translation rather than going
// unnoticed.
type TLB struct {
	numSets int
	numWays int
	sets    []*tlbSet
}

// A tlbLine is one cached translation.
type tlbLine struct {
	page     uint32
	physBase uint32

	// pteAddr is the physical address of the leaf entry that produced the
	// translation, so a write through the cached line can still set the
	// dirty bit in memory. Zero for huge mappings.
	pteAddr uint32

	global    bool
	lastVisit uint64
}

type tlbSet struct {
	lines      []tlbLine
	pageWayID  map[uint32]int
	visitCount uint64
}

// NewTLB creates a TLB with the given number of sets and ways per set.
func NewTLB(numSets, numWays int) *TLB {
	if numSets < 1 || numWays < 1 {
		panic("TLB geometry must have at least one set and one way")
	}

	t := &TLB{
		numSets: numSets,
		numWays: numWays,
		sets:    make([]*tlbSet, numSets),
	}

	for i := range t.sets {
		t.sets[i] = &tlbSet{
			lines:     make([]tlbLine, 0, numWays),
			pageWayID: make(map[uint32]int),
		}
	}

	return t
}

func (t *TLB) setFor(page uint32) *tlbSet {
	return t.sets[int(page>>PageBits)%t.numSets]
}

// Lookup returns the cached translation for a page-aligned virtual address.
func (t *TLB) Lookup(page uint32) (physBase, pteAddr uint32, found bool) {
	set := t.setFor(page)

	wayID, ok := set.pageWayID[page]
	if !ok {
		return 0, 0, false
	}

	set.visit(wayID)
	line := &set.lines[wayID]

	return line.physBase, line.pteAddr, true
}

// Insert caches a translation, evicting the least recently used line of the
// set when it is full.
func (t *TLB) Insert(page, physBase, pteAddr uint32, global bool) {
	set := t.setFor(page)

	line := tlbLine{
		page:     page,
		physBase: physBase,
		pteAddr:  pteAddr,
		global:   global,
	}

	if wayID, ok := set.pageWayID[page]; ok {
		line.lastVisit = set.lines[wayID].lastVisit
		set.lines[wayID] = line
		set.visit(wayID)
		return
	}

	if len(set.lines) < t.numWays {
		set.lines = append(set.lines, line)
		wayID := len(set.lines) - 1
		set.pageWayID[page] = wayID
		set.visit(wayID)
		return
	}

	wayID := set.evict()
	delete(set.pageWayID, set.lines[wayID].page)
	set.lines[wayID] = line
	set.pageWayID[page] = wayID
	set.visit(wayID)
}

// FlushPage drops the cached translation for one virtual address, if any.
func (t *TLB) FlushPage(vaddr uint32) {
	page := vaddr & PageMask
	set := t.setFor(page)

	wayID, ok := set.pageWayID[page]
	if !ok {
		return
	}

	delete(set.pageWayID, page)
	set.lines[wayID] = tlbLine{}
}

// Flush drops every cached translation that is not global. This is the
// root-register reload semantics.
func (t *TLB) Flush() {
	for _, set := range t.sets {
		for page, wayID := range set.pageWayID {
			if set.lines[wayID].global {
				continue
			}

			delete(set.pageWayID, page)
			set.lines[wayID] = tlbLine{}
		}
	}
}

// Len returns the number of valid cached translations.
func (t *TLB) Len() int {
	n := 0
	for _, set := range t.sets {
		n += len(set.pageWayID)
	}

	return n
}

func (s *tlbSet) visit(wayID int) {
	s.visitCount++
	s.lines[wayID].lastVisit = s.visitCount
}

// evict picks the least recently used valid way.
func (s *tlbSet) evict() int {
	victim := 0
	for wayID := range s.lines {
		if s.lines[wayID].lastVisit < s.lines[victim].lastVisit {
			victim = wayID
		}
	}

	return victim
}
