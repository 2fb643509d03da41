package vm

import (
	"github.com/rs/xid"

	"github.com/edukernel/pagesim/phys"
	"github.com/edukernel/pagesim/record"
)

// A Builder can build machines.
type Builder struct {
	memSize        uint64
	kernelImageEnd uint32
	bootRegionEnd  uint32
	tlbSets        int
	tlbWays        int
	allocator      phys.FrameAllocator
	recorder       record.Recorder
}

// MakeBuilder creates a Builder with the default configuration: 64MB of
// physical memory, a 1MB kernel image, a 4MB bootstrap identity region, and
// a 16-set 4-way TLB.
func MakeBuilder() Builder {
	return Builder{
		memSize:        64 * 1024 * 1024,
		kernelImageEnd: 0x00200000,
		bootRegionEnd:  0x00400000,
		tlbSets:        16,
		tlbWays:        4,
	}
}

// WithMemSize sets the physical memory size in bytes.
func (b Builder) WithMemSize(size uint64) Builder {
	b.memSize = size
	return b
}

// WithKernelImageEnd sets the first physical address after the kernel image.
// Frames below it are never handed out by the default allocator.
func (b Builder) WithKernelImageEnd(end uint32) Builder {
	b.kernelImageEnd = end
	return b
}

// WithBootRegionEnd sets the top of the bootstrap identity mapping.
func (b Builder) WithBootRegionEnd(end uint32) Builder {
	b.bootRegionEnd = end
	return b
}

// WithTLBGeometry sets the number of TLB sets and ways per set.
func (b Builder) WithTLBGeometry(sets, ways int) Builder {
	b.tlbSets = sets
	b.tlbWays = ways
	return b
}

// WithFrameAllocator sets the frame allocator to use instead of the default
// free-list allocator over the memory above the kernel image.
func (b Builder) WithFrameAllocator(a phys.FrameAllocator) Builder {
	b.allocator = a
	return b
}

// WithRecorder sets the recorder that paging events are written to.
func (b Builder) WithRecorder(r record.Recorder) Builder {
	b.recorder = r
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.memSize%PageSize != 0 || b.memSize == 0 || b.memSize >= 1<<32 {
		panic("memory size must be a positive page multiple below 4GB")
	}
	if b.kernelImageEnd%PageSize != 0 || b.kernelImageEnd <= KernelImageBase {
		panic("kernel image end must be page-aligned and above the image base")
	}
	if b.bootRegionEnd%HugePageSize != 0 || b.bootRegionEnd < b.kernelImageEnd {
		panic("boot region end must be a 4MB multiple covering the kernel image")
	}
	if uint64(b.bootRegionEnd) > b.memSize {
		panic("boot region does not fit in physical memory")
	}
}

// Build creates a machine with paging already turned on: the bootstrap
// identity tree is in place and active. PageInit installs the permanent
// kernel mappings.
func (b Builder) Build(name string) *Machine {
	b.parametersMustBeValid()

	m := &Machine{
		name:           name,
		id:             xid.New().String(),
		storage:        phys.NewStorage(b.memSize),
		allocator:      b.allocator,
		tlb:            NewTLB(b.tlbSets, b.tlbWays),
		recorder:       b.recorder,
		kernelImageEnd: b.kernelImageEnd,
		bootRegionEnd:  b.bootRegionEnd,
	}

	if m.allocator == nil {
		m.allocator = phys.NewFreeListAllocator(
			b.kernelImageEnd, uint32(b.memSize))
	}

	m.createEventTables()
	m.bootstrap()

	return m
}
