package vm_test

import (
	"encoding/binary"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/edukernel/pagesim/phys"
	"github.com/edukernel/pagesim/vm"
)

var _ = Describe("Machine", func() {
	var (
		m       *vm.Machine
		acquire func() uint32
	)

	BeforeEach(func() {
		m = vm.MakeBuilder().Build("test")
		m.PageInit()

		acquire = func() uint32 {
			frame, err := m.FrameAllocator().AcquireFrame()
			Expect(err).ToNot(HaveOccurred())
			return frame
		}
	})

	Context("after PageInit", func() {
		It("should keep the kernel image identity-mapped", func() {
			paddr, err := m.VirtToPhys(vm.KernelImageBase + 0x123)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint32(vm.KernelImageBase + 0x123)))
		})

		It("should keep the video memory identity-mapped", func() {
			paddr, err := m.VirtToPhys(vm.VideoMemBase)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint32(vm.VideoMemBase)))
		})

		It("should have removed the bootstrap identity mappings", func() {
			_, err := m.VirtToPhys(0x00000000)
			Expect(err).To(MatchError(vm.ErrNotMapped))

			_, err = m.VirtToPhys(0x00300000)
			Expect(err).To(MatchError(vm.ErrNotMapped))
		})

		It("should expose the active directory through the self-map", func() {
			paddr, err := m.VirtToPhys(vm.DirWindowBase)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(m.ActiveSpace().Root()))
		})
	})

	Context("mapping and translating", func() {
		It("should map a fresh range with exactly one new table", func() {
			before := m.FrameAllocator().FreeFrameCount()

			err := m.PageMap(0x40000000, 0x00100000, 4, vm.FlagRW|vm.FlagUser)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.FrameAllocator().FreeFrameCount()).To(Equal(before - 1))

			paddr, err := m.VirtToPhys(0x40000500)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint32(0x00100500)))

			paddr, err = m.VirtToPhys(0x40003FFF)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint32(0x00103FFF)))

			_, err = m.VirtToPhys(0x40004000)
			Expect(err).To(MatchError(vm.ErrNotMapped))
		})

		It("should write bit-exact leaf entries", func() {
			err := m.PageMap(0x40000000, 0x00100000, 4, vm.FlagRW|vm.FlagUser)
			Expect(err).ToNot(HaveOccurred())

			for i := uint32(0); i < 4; i++ {
				raw, err := m.ReadVirt(vm.TableEntryAddr(256, i), 4)
				Expect(err).ToNot(HaveOccurred())

				want := (0x00100000 + i*vm.PageSize) |
					uint32(vm.FlagPresent|vm.FlagRW|vm.FlagUser)
				Expect(binary.LittleEndian.Uint32(raw)).To(Equal(want))
			}
		})

		It("should be stable under repeated translation", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW)).To(Succeed())

			first, err := m.VirtToPhys(0x40000ABC)
			Expect(err).ToNot(HaveOccurred())

			for i := 0; i < 3; i++ {
				again, err := m.VirtToPhys(0x40000ABC)
				Expect(err).ToNot(HaveOccurred())
				Expect(again).To(Equal(first))
			}
		})

		It("should translate safely from concurrent readers", func() {
			err := m.PageMap(0x41000000, 0x00100000, 64, vm.FlagRW|vm.FlagUser)
			Expect(err).ToNot(HaveOccurred())

			var wg sync.WaitGroup
			for g := 0; g < 4; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					for i := 0; i < 100; i++ {
						p := uint32(i % 64)
						paddr, err := m.VirtToPhys(0x41000000 + p*vm.PageSize)
						Expect(err).ToNot(HaveOccurred())
						Expect(paddr).To(Equal(0x00100000 + p*vm.PageSize))
					}
				}()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				for i := 0; i < 100; i++ {
					_, err := m.ReadVirt(0x41000000, vm.PageSize)
					Expect(err).ToNot(HaveOccurred())
				}
			}()

			wg.Wait()
		})

		It("should refuse to overwrite an existing mapping", func() {
			f1, f2 := acquire(), acquire()
			Expect(m.PageMap(0x40000000, f1, 1, vm.FlagRW)).To(Succeed())

			err := m.PageMap(0x40000000, f2, 1, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrAlreadyMapped))

			paddr, err := m.VirtToPhys(0x40000000)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(f1))
		})

		It("should leave earlier slots mapped when a range fails midway", func() {
			f1, f2 := acquire(), acquire()
			Expect(m.PageMap(0x40001000, f1, 1, vm.FlagRW)).To(Succeed())

			err := m.PageMap(0x40000000, f2, 2, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrAlreadyMapped))

			paddr, err := m.VirtToPhys(0x40000000)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(f2))
		})

		It("should reject misaligned addresses", func() {
			frame := acquire()

			err := m.PageMap(0x40000123, frame, 1, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))

			err = m.PageMap(0x40000000, frame+0x123, 1, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))
		})

		It("should reject a non-positive page count", func() {
			frame := acquire()

			err := m.PageMap(0x40000000, frame, 0, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))
		})

		It("should reject ranges reaching into the kernel windows", func() {
			frame := acquire()

			err := m.PageMap(0xFF800000, frame, 1, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))

			err = m.PageMap(0xFF800000-vm.PageSize, frame, 2, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))
		})
	})

	Context("unmapping", func() {
		It("should make the address untranslatable", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW)).To(Succeed())

			Expect(m.PageUnmap(0x40000000, 1)).To(Succeed())

			_, err := m.VirtToPhys(0x40000000)
			Expect(err).To(MatchError(vm.ErrNotMapped))
		})

		It("should be idempotent", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW)).To(Succeed())

			Expect(m.PageUnmap(0x40000000, 2)).To(Succeed())
			Expect(m.PageUnmap(0x40000000, 2)).To(Succeed())
		})

		It("should not leave a stale TLB line behind", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW)).To(Succeed())

			Expect(m.WriteVirt(0x40000000, []byte("hot line"))).To(Succeed())
			data, err := m.ReadVirt(0x40000000, 8)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("hot line")))

			Expect(m.PageUnmap(0x40000000, 1)).To(Succeed())

			_, err = m.ReadVirt(0x40000000, 8)
			Expect(err).To(MatchError(vm.ErrNotMapped))
		})
	})

	Context("virtual memory access", func() {
		It("should carry data across page boundaries", func() {
			f1, f2 := acquire(), acquire()
			Expect(m.PageMap(0x40000000, f1, 1, vm.FlagRW)).To(Succeed())
			Expect(m.PageMap(0x40001000, f2, 1, vm.FlagRW)).To(Succeed())

			msg := []byte("spans two non-adjacent frames")
			Expect(m.WriteVirt(0x40000FF0, msg)).To(Succeed())

			data, err := m.ReadVirt(0x40000FF0, uint32(len(msg)))
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal(msg))
		})
	})

	Context("hardware accessed and dirty bits", func() {
		readLeaf := func(d, t uint32) vm.Entry {
			raw, err := m.ReadVirt(vm.TableEntryAddr(d, t), 4)
			Expect(err).ToNot(HaveOccurred())

			return vm.Entry(binary.LittleEndian.Uint32(raw))
		}

		It("should set them as memory is read and written", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW|vm.FlagUser)).
				To(Succeed())

			e := readLeaf(256, 0)
			Expect(e.HasAny(vm.FlagAccessed | vm.FlagDirty)).To(BeFalse())

			_, err := m.ReadVirt(0x40000000, 1)
			Expect(err).ToNot(HaveOccurred())

			e = readLeaf(256, 0)
			Expect(e.Has(vm.FlagAccessed)).To(BeTrue())
			Expect(e.HasAny(vm.FlagDirty)).To(BeFalse())

			Expect(m.WriteVirt(0x40000000, []byte{1})).To(Succeed())

			e = readLeaf(256, 0)
			Expect(e.Has(vm.FlagAccessed | vm.FlagDirty)).To(BeTrue())
		})

		It("should set the dirty bit through a cached translation", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW|vm.FlagUser)).
				To(Succeed())

			// Prime the cache with a read; the write below must hit it.
			_, err := m.ReadVirt(0x40000000, 1)
			Expect(err).ToNot(HaveOccurred())

			_, pteAddr, cached := m.TLB().Lookup(0x40000000)
			Expect(cached).To(BeTrue())
			Expect(pteAddr).ToNot(Equal(uint32(0)))

			Expect(m.WriteVirt(0x40000000, []byte{1})).To(Succeed())

			Expect(readLeaf(256, 0).Has(vm.FlagDirty)).To(BeTrue())
		})

		It("should set both bits on a write that misses the cache", func() {
			frame := acquire()
			Expect(m.PageMap(0x40000000, frame, 1, vm.FlagRW|vm.FlagUser)).
				To(Succeed())

			Expect(m.WriteVirt(0x40000000, []byte{1})).To(Succeed())

			e := readLeaf(256, 0)
			Expect(e.Has(vm.FlagAccessed | vm.FlagDirty)).To(BeTrue())
		})
	})

	Context("4MB mappings", func() {
		writeHugeEntry := func(d uint32, e vm.Entry) {
			raw := make([]byte, 4)
			binary.LittleEndian.PutUint32(raw, uint32(e))
			Expect(m.WriteVirt(vm.DirEntryAddr(d), raw)).To(Succeed())
		}

		It("should translate through a directory-level entry", func() {
			e := vm.Entry(0x00C00000 | uint32(vm.FlagPresent|vm.FlagRW|vm.FlagHuge))
			writeHugeEntry(512, e)

			paddr, err := m.VirtToPhys(0x80001234)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint32(0x00C01234)))

			Expect(m.Storage().Write(0x00C01234, []byte("huge"))).To(Succeed())
			data, err := m.ReadVirt(0x80001234, 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("huge")))
		})

		It("should refuse page-wise operations on the covered range", func() {
			e := vm.Entry(0x00C00000 | uint32(vm.FlagPresent|vm.FlagRW|vm.FlagHuge))
			writeHugeEntry(512, e)

			frame := acquire()
			err := m.PageMap(0x80000000, frame, 1, vm.FlagRW)
			Expect(err).To(MatchError(vm.ErrAlreadyMapped))

			err = m.PageUnmap(0x80000000, 1)
			Expect(err).To(MatchError(vm.ErrInvalidAddress))
		})
	})

	Context("address space trees", func() {
		var (
			base   uint32
			f1, ro uint32
		)

		BeforeEach(func() {
			base = 0x40000000
			f1 = acquire()
			f2 := acquire()
			ro = acquire()

			Expect(m.PageMap(base, f1, 1, vm.FlagRW|vm.FlagUser)).To(Succeed())
			Expect(m.PageMap(base+vm.PageSize, f2, 1, vm.FlagRW|vm.FlagUser)).
				To(Succeed())
			Expect(m.PageMap(base+2*vm.PageSize, ro, 1, vm.FlagUser)).To(Succeed())

			Expect(m.WriteVirt(base, []byte("parent data"))).To(Succeed())
		})

		It("should give a copied tree its own writable pages", func() {
			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.PageMapCopy(child, parent)).To(Succeed())

			m.SwitchSpace(child)

			data, err := m.ReadVirt(base, 11)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("parent data")))

			childPhys, err := m.VirtToPhys(base)
			Expect(err).ToNot(HaveOccurred())
			Expect(childPhys).ToNot(Equal(f1))

			Expect(m.WriteVirt(base, []byte("child data!"))).To(Succeed())

			m.SwitchSpace(parent)

			data, err = m.ReadVirt(base, 11)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("parent data")))
		})

		It("should alias read-only user pages instead of copying them", func() {
			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.PageMapCopy(child, parent)).To(Succeed())

			m.SwitchSpace(child)
			defer m.SwitchSpace(parent)

			paddr, err := m.VirtToPhys(base + 2*vm.PageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(ro))
		})

		It("should share the kernel region between trees", func() {
			marker := []byte("kernel side")
			Expect(m.WriteVirt(vm.KernelImageBase+0x800, marker)).To(Succeed())

			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.PageMapCopy(child, parent)).To(Succeed())

			m.SwitchSpace(child)
			defer m.SwitchSpace(parent)

			data, err := m.ReadVirt(vm.KernelImageBase+0x800, uint32(len(marker)))
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal(marker))
		})

		It("should keep the self-map pointing at the active tree", func() {
			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.PageMapCopy(child, parent)).To(Succeed())

			m.SwitchSpace(child)

			paddr, err := m.VirtToPhys(vm.DirWindowBase)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(child.Root()))

			m.SwitchSpace(parent)

			paddr, err = m.VirtToPhys(vm.DirWindowBase)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(parent.Root()))
		})

		It("should return every copied frame when the tree is dropped", func() {
			preFork := m.FrameAllocator().FreeFrameCount()

			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.PageMapCopy(child, parent)).To(Succeed())

			Expect(m.FrameAllocator().FreeFrameCount()).To(BeNumerically("<", preFork))

			m.PageMapDrop(child)

			Expect(m.FrameAllocator().FreeFrameCount()).To(Equal(preFork))
		})

		It("should not release aliased table frames it does not manage", func() {
			preCreate := m.FrameAllocator().FreeFrameCount()

			parent := m.ActiveSpace()
			child, err := m.CreateSpace()
			Expect(err).ToNot(HaveOccurred())

			m.SwitchSpace(child)

			// A user directory slot pointing at a frame outside the
			// allocator's range, as a shared read-only region would.
			alias := vm.NewEntry(vm.KernelImageBase,
				vm.FlagPresent|vm.FlagRW|vm.FlagUser)
			raw := make([]byte, 4)
			binary.LittleEndian.PutUint32(raw, uint32(alias))
			Expect(m.WriteVirt(vm.DirEntryAddr(300), raw)).To(Succeed())

			m.SwitchSpace(parent)
			m.PageMapDrop(child)

			Expect(m.FrameAllocator().FreeFrameCount()).To(Equal(preCreate))
		})

		It("should refuse to drop the active tree", func() {
			Expect(func() { m.PageMapDrop(m.ActiveSpace()) }).To(Panic())
		})
	})
})

var _ = Describe("Machine with an exhausted allocator", func() {
	var (
		ctrl  *gomock.Controller
		alloc *MockFrameAllocator
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		alloc = NewMockFrameAllocator(ctrl)
	})

	It("should surface allocator exhaustion from PageMap", func() {
		gomock.InOrder(
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00200000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00201000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00202000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0), phys.ErrOutOfMemory),
		)

		m := vm.MakeBuilder().WithFrameAllocator(alloc).Build("oom")
		m.PageInit()

		err := m.PageMap(0x40000000, 0x00300000, 1, vm.FlagRW|vm.FlagUser)
		Expect(err).To(MatchError(phys.ErrOutOfMemory))
	})

	It("should roll back a partial tree copy", func() {
		gomock.InOrder(
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00200000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00201000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00202000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00203000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00204000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0x00205000), nil),
			alloc.EXPECT().AcquireFrame().Return(uint32(0), phys.ErrOutOfMemory),
		)
		alloc.EXPECT().ReleaseFrame(uint32(0x00205000))

		m := vm.MakeBuilder().WithFrameAllocator(alloc).Build("oom")
		m.PageInit()

		err := m.PageMap(0x40000000, 0x00300000, 1, vm.FlagRW|vm.FlagUser)
		Expect(err).ToNot(HaveOccurred())

		child, err := m.CreateSpace()
		Expect(err).ToNot(HaveOccurred())

		err = m.PageMapCopy(child, m.ActiveSpace())
		Expect(err).To(MatchError(phys.ErrOutOfMemory))
	})
})
