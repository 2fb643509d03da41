package phys

import "errors"

// ErrOutOfMemory is returned when no free frame is left to hand out.
var ErrOutOfMemory = errors.New("out of physical memory")

// A FrameAllocator hands out and takes back 4KB physical frames.
type FrameAllocator interface {
	// AcquireFrame returns the base address of a free frame, or
	// ErrOutOfMemory when the pool is exhausted.
	AcquireFrame() (uint32, error)

	// ReleaseFrame returns a frame to the pool. Releasing an address that
	// is not frame-aligned, outside the managed range, or already free is
	// a caller bug and panics.
	ReleaseFrame(addr uint32)

	// Managed reports whether addr is a frame in the allocator's range
	// that is currently handed out. Frames outside the range (device
	// memory, kernel image) are never managed.
	Managed(addr uint32) bool

	// FreeFrameCount returns the number of frames currently free.
	FreeFrameCount() int
}

// NewFreeListAllocator creates a FrameAllocator that manages the frames in
// [start, end). Both bounds must be frame-aligned. Frames are handed out in
// LIFO order.
func NewFreeListAllocator(start, end uint32) FrameAllocator {
	if start%FrameSize != 0 || end%FrameSize != 0 {
		panic("allocator range must be frame-aligned")
	}
	if end <= start {
		panic("allocator range must not be empty")
	}

	a := &freeListAllocator{
		start: start,
		end:   end,
		free:  make([]uint32, 0, (end-start)/FrameSize),
		owned: make(map[uint32]bool),
	}

	for addr := start; addr < end; addr += FrameSize {
		a.free = append(a.free, addr)
		a.owned[addr] = false
	}

	return a
}

type freeListAllocator struct {
	start uint32
	end   uint32
	free  []uint32

	// owned records, for every frame in the managed range, whether it is
	// currently handed out. It exists to catch double releases.
	owned map[uint32]bool
}

func (a *freeListAllocator) AcquireFrame() (uint32, error) {
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}

	addr := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.owned[addr] = true

	return addr, nil
}

func (a *freeListAllocator) ReleaseFrame(addr uint32) {
	if addr%FrameSize != 0 {
		panic("releasing a non-aligned frame address")
	}
	if addr < a.start || addr >= a.end {
		panic("releasing a frame outside the managed range")
	}
	if !a.owned[addr] {
		panic("releasing a frame that is not allocated")
	}

	a.owned[addr] = false
	a.free = append(a.free, addr)
}

func (a *freeListAllocator) Managed(addr uint32) bool {
	if addr%FrameSize != 0 || addr < a.start || addr >= a.end {
		return false
	}

	return a.owned[addr]
}

func (a *freeListAllocator) FreeFrameCount() int {
	return len(a.free)
}
