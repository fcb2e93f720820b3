package addrspace

import (
	"encoding/binary"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
	"go.uber.org/mock/gomock"
)

type faultHook struct {
	events []vm.FaultEvent
}

func (h *faultHook) Func(ctx vm.HookCtx) {
	h.events = append(h.events, ctx.Item.(vm.FaultEvent))
}

// unmappedFreeHook records the frames that were freed while a TLB still
// translated to them.
type unmappedFreeHook struct {
	tlbs        []*tlb.TLB
	freed       []vm.PAddr
	stillMapped []vm.PAddr
}

func (h *unmappedFreeHook) Func(ctx vm.HookCtx) {
	if ctx.Pos != vm.HookPosFrameFree {
		return
	}

	pa := ctx.Item.(vm.FrameEvent).PAddr
	h.freed = append(h.freed, pa)

	for _, t := range h.tlbs {
		for _, e := range t.Entries() {
			if e.Valid && e.PAddr == pa {
				h.stillMapped = append(h.stillMapped, pa)
			}
		}
	}
}

// memStore keeps slots in a map. Released slots are not reused.
type memStore struct {
	lock  sync.Mutex
	slots map[vm.SlotIndex][]byte
	next  vm.SlotIndex
}

func newMemStore() *memStore {
	return &memStore{slots: make(map[vm.SlotIndex][]byte)}
}

func (s *memStore) WriteOut(src []byte) (vm.SlotIndex, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	slot := s.next
	s.next++
	s.slots[slot] = append([]byte(nil), src...)

	return slot, nil
}

func (s *memStore) ReadIn(slot vm.SlotIndex, dst []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, found := s.slots[slot]
	if !found {
		return errors.New("no such slot")
	}

	copy(dst, data)

	return nil
}

func (s *memStore) Release(slot vm.SlotIndex) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.slots, slot)

	return nil
}

func (s *memStore) numSlots() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.slots)
}

var _ = Describe("AddressSpace", func() {
	var (
		mockCtrl *gomock.Controller
		store    *MockBackingStore
		loader   *MockPageLoader
		frames   *coremap.Table
		cpu      *tlb.TLB
		mgr      *Manager
		as       *AddressSpace
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		store = NewMockBackingStore(mockCtrl)
		loader = NewMockPageLoader(mockCtrl)
		frames = coremap.MakeBuilder().
			WithTotalRAM(4 * vm.PageSize).
			WithEvictionEnabled(false).
			Build("Coremap")
		cpu = tlb.MakeBuilder().WithNumEntries(8).Build("TLB")
		mgr = MakeBuilder().
			WithFrameTable(frames).
			WithTLBs(cpu).
			WithBackingStore(store).
			WithPageLoader(loader).
			Build("Manager")
		as = mgr.Create()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("regions", func() {
		It("should extend regions to whole pages", func() {
			err := as.DefineRegion(0x1234, 0x1000, true, false, true)

			Expect(err).NotTo(HaveOccurred())
			r := as.Region(0)
			Expect(r.VBase).To(Equal(vm.VAddr(0x1000)))
			Expect(r.NumPages).To(Equal(2))
			Expect(r.End()).To(Equal(vm.VAddr(0x3000)))
			Expect(r.Executable).To(BeTrue())
		})

		It("should refuse more than MaxRegions regions", func() {
			for i := 0; i < MaxRegions; i++ {
				err := as.DefineRegion(vm.VAddr(i*0x10000), 0x1000,
					true, true, false)
				Expect(err).NotTo(HaveOccurred())
			}

			err := as.DefineRegion(0x100000, 0x1000, true, true, false)

			Expect(err).To(MatchError(vm.ErrCapacityExceeded))
			Expect(as.Regions()).To(HaveLen(MaxRegions))
		})

		It("should define the stack below UserStack", func() {
			sp, err := as.DefineStack()

			Expect(err).NotTo(HaveOccurred())
			Expect(sp).To(Equal(UserStack))
			r := as.Region(0)
			Expect(r.End()).To(Equal(UserStack))
			Expect(r.NumPages).To(Equal(StackPages))
			Expect(r.Writable).To(BeTrue())
		})
	})

	Context("faults", func() {
		BeforeEach(func() {
			Expect(as.DefineRegion(0x1000, 0x2000, true, false, true)).
				To(Succeed())
			Expect(as.DefineRegion(0x10000, 0x2000, true, true, false)).
				To(Succeed())
		})

		It("should report segmentation faults", func() {
			_, err := as.Resolve(cpu, 0x5000, vm.AccessRead)

			Expect(err).To(MatchError(vm.ErrSegmentationFault))
			Expect(mgr.FaultStats().SegmentationFaults).To(Equal(uint64(1)))
		})

		It("should report writes to read-only regions", func() {
			_, err := as.Resolve(cpu, 0x1000, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrReadOnlyViolation))
		})

		It("should load pages on the first read", func() {
			loader.EXPECT().
				LoadPage(as.PID(), vm.VAddr(0x10000), gomock.Any()).
				DoAndReturn(func(_ vm.PID, _ vm.VAddr, dst []byte) error {
					dst[0] = 7
					return nil
				})

			pa, err := as.Resolve(cpu, 0x10010, vm.AccessRead)

			Expect(err).NotTo(HaveOccurred())
			Expect(frames.Bytes(pa)[0]).To(Equal(byte(7)))

			e, _, _ := as.PageTable().Lookup(0x10000)
			Expect(e.State).To(Equal(vm.Resident))
			Expect(e.PAddr).To(Equal(pa))

			f := frames.Frame(pa)
			Expect(f.Locked).To(BeFalse())
			Expect(f.Dirty).To(BeFalse())
			Expect(*f.Owner).To(Equal(vm.Owner{PID: as.PID(), Index: 0}))

			t, found := cpu.Lookup(0x10000)
			Expect(found).To(BeTrue())
			Expect(t.Writable).To(BeFalse())
		})

		It("should map read-only regions read-only", func() {
			loader.EXPECT().LoadPage(gomock.Any(), gomock.Any(), gomock.Any())

			_, err := as.Resolve(cpu, 0x1000, vm.AccessExecute)

			Expect(err).NotTo(HaveOccurred())
			e, _, _ := as.PageTable().Lookup(0x1000)
			Expect(e.State).To(Equal(vm.ResidentReadOnly))
		})

		It("should mark the frame dirty on a write after a read", func() {
			loader.EXPECT().LoadPage(gomock.Any(), gomock.Any(), gomock.Any())

			pa, _ := as.Resolve(cpu, 0x10000, vm.AccessRead)
			again, err := as.Resolve(cpu, 0x10000, vm.AccessWrite)

			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(pa))
			Expect(frames.Frame(pa).Dirty).To(BeTrue())

			t, _ := cpu.Lookup(0x10000)
			Expect(t.Writable).To(BeTrue())

			s := mgr.FaultStats()
			Expect(s.Faults).To(Equal(uint64(2)))
			Expect(s.PageLoads).To(Equal(uint64(1)))
			Expect(s.TLBReloads).To(Equal(uint64(1)))
		})

		It("should free the frame when loading fails", func() {
			loadErr := errors.New("bad executable")
			loader.EXPECT().
				LoadPage(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(loadErr)

			_, err := as.Resolve(cpu, 0x10000, vm.AccessRead)

			Expect(err).To(MatchError(loadErr))
			Expect(frames.Stats().FreeFrames).To(Equal(3))
		})

		It("should read swapped pages back", func() {
			_, index, _ := as.PageTable().GetOrCreate(0x10000)
			as.PageTable().SetState(index, 0, 7, vm.InBackingStore)

			store.EXPECT().
				ReadIn(vm.SlotIndex(7), gomock.Any()).
				DoAndReturn(func(_ vm.SlotIndex, dst []byte) error {
					dst[1] = 9
					return nil
				})

			pa, err := as.Resolve(cpu, 0x10000, vm.AccessRead)

			Expect(err).NotTo(HaveOccurred())
			Expect(frames.Bytes(pa)[1]).To(Equal(byte(9)))

			e := as.PageTable().Entry(index)
			Expect(e.State).To(Equal(vm.Resident))
			Expect(e.Slot).To(Equal(vm.SlotIndex(7)))

			f := frames.Frame(pa)
			Expect(f.InBackingStore).To(BeTrue())
			Expect(f.Dirty).To(BeFalse())
			Expect(mgr.FaultStats().SwapIns).To(Equal(uint64(1)))
		})

		It("should report read-in failures", func() {
			_, index, _ := as.PageTable().GetOrCreate(0x10000)
			as.PageTable().SetState(index, 0, 7, vm.InBackingStore)
			ioErr := errors.New("bad sector")
			store.EXPECT().ReadIn(vm.SlotIndex(7), gomock.Any()).Return(ioErr)

			_, err := as.Resolve(cpu, 0x10000, vm.AccessRead)

			Expect(err).To(MatchError(vm.ErrBackingStoreFailure))
			Expect(err).To(MatchError(ioErr))
			Expect(as.PageTable().Entry(index).State).
				To(Equal(vm.InBackingStore))
			Expect(frames.Stats().FreeFrames).To(Equal(3))
		})

		It("should run out of memory without eviction", func() {
			loader.EXPECT().
				LoadPage(gomock.Any(), gomock.Any(), gomock.Any()).
				Times(3)

			Expect(as.DefineRegion(0x20000, 0x4000, true, true, false)).
				To(Succeed())
			for i := 0; i < 3; i++ {
				_, err := as.Resolve(cpu, vm.VAddr(0x20000+i*vm.PageSize),
					vm.AccessWrite)
				Expect(err).NotTo(HaveOccurred())
			}

			_, err := as.Resolve(cpu, 0x23000, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrOutOfMemory))
			Expect(mgr.FaultStats().OutOfMemory).To(Equal(uint64(1)))
		})

		It("should report resolved faults", func() {
			hook := &faultHook{}
			mgr.AcceptHook(hook)
			loader.EXPECT().LoadPage(gomock.Any(), gomock.Any(), gomock.Any())

			pa, _ := as.Resolve(nil, 0x10000, vm.AccessWrite)

			Expect(hook.events).To(Equal([]vm.FaultEvent{{
				PID:       as.PID(),
				VPage:     0x10000,
				Access:    vm.AccessWrite,
				PAddr:     pa,
				FromState: vm.NotLoaded,
			}}))
		})
	})

	Context("loading", func() {
		BeforeEach(func() {
			Expect(as.DefineRegion(0x1000, 0x1000, true, false, true)).
				To(Succeed())
			loader.EXPECT().
				LoadPage(gomock.Any(), gomock.Any(), gomock.Any()).
				AnyTimes()
		})

		It("should let the loader write read-only regions", func() {
			Expect(as.PrepareLoad()).To(Succeed())

			_, err := as.Resolve(cpu, 0x1000, vm.AccessWrite)
			Expect(err).NotTo(HaveOccurred())

			e, _, _ := as.PageTable().Lookup(0x1000)
			Expect(e.State).To(Equal(vm.Resident))

			Expect(as.CompleteLoad()).To(Succeed())

			e, _, _ = as.PageTable().Lookup(0x1000)
			Expect(e.State).To(Equal(vm.ResidentReadOnly))
			_, cached := cpu.Lookup(0x1000)
			Expect(cached).To(BeFalse())

			_, err = as.Resolve(cpu, 0x1000, vm.AccessWrite)
			Expect(err).To(MatchError(vm.ErrReadOnlyViolation))
		})

		It("should flush the TLB on activation", func() {
			_, _ = as.Resolve(cpu, 0x1000, vm.AccessRead)

			as.Activate(cpu)
			as.Deactivate(cpu)

			_, cached := cpu.Lookup(0x1000)
			Expect(cached).To(BeFalse())
		})
	})

	Context("destroy", func() {
		BeforeEach(func() {
			Expect(as.DefineRegion(0x10000, 0x3000, true, true, false)).
				To(Succeed())
			loader.EXPECT().
				LoadPage(gomock.Any(), gomock.Any(), gomock.Any()).
				AnyTimes()
		})

		It("should return frames and slots", func() {
			_, _ = as.Resolve(cpu, 0x10000, vm.AccessWrite)
			_, _ = as.Resolve(cpu, 0x11000, vm.AccessRead)
			_, index, _ := as.PageTable().GetOrCreate(0x12000)
			as.PageTable().SetState(index, 0, 4, vm.InBackingStore)
			store.EXPECT().Release(vm.SlotIndex(4)).Return(nil)

			err := as.Destroy()

			Expect(err).NotTo(HaveOccurred())
			Expect(frames.Stats().UserFrames).To(Equal(0))
			Expect(cpu.Entries()).To(HaveEach(HaveField("Valid", BeFalse())))
			_, found := mgr.Lookup(as.PID())
			Expect(found).To(BeFalse())
			Expect(mgr.NumAddressSpaces()).To(Equal(0))
		})

		It("should flush the TLBs before freeing frames", func() {
			hook := &unmappedFreeHook{tlbs: []*tlb.TLB{cpu}}
			frames.AcceptHook(hook)
			_, _ = as.Resolve(cpu, 0x10000, vm.AccessWrite)
			_, _ = as.Resolve(cpu, 0x11000, vm.AccessRead)

			Expect(as.Destroy()).To(Succeed())

			Expect(hook.freed).To(HaveLen(2))
			Expect(hook.stillMapped).To(BeEmpty())
		})

		It("should aggregate release errors", func() {
			for i, slot := range []vm.SlotIndex{1, 2} {
				_, index, _ := as.PageTable().
					GetOrCreate(vm.VAddr(0x10000 + i*vm.PageSize))
				as.PageTable().SetState(index, 0, slot, vm.InBackingStore)
			}
			store.EXPECT().Release(gomock.Any()).
				Return(errors.New("gone")).Times(2)

			err := as.Destroy()

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("2 errors occurred"))
		})

		It("should do nothing the second time", func() {
			Expect(as.Destroy()).To(Succeed())
			Expect(as.Destroy()).To(Succeed())

			_, err := as.Resolve(cpu, 0x10000, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrAddressSpaceDestroyed))
		})
	})

	It("should not copy", func() {
		copied, err := as.Copy()

		Expect(copied).To(BeNil())
		Expect(err).To(MatchError(vm.ErrUnimplemented))
	})

	It("should find page tables by pid", func() {
		other := mgr.Create()

		pt, found := mgr.PageTable(other.PID())

		Expect(found).To(BeTrue())
		Expect(pt).To(BeIdenticalTo(other.PageTable()))
		Expect(other.PID()).NotTo(Equal(as.PID()))
	})
})

var _ = Describe("Demand paging", func() {
	var (
		frames *coremap.Table
		cpu    *tlb.TLB
		store  *memStore
		mgr    *Manager
		policy *eviction.Policy
	)

	stamp := func(as *AddressSpace, vPage vm.VAddr) {
		pa, err := as.Resolve(cpu, vPage, vm.AccessWrite)
		Expect(err).NotTo(HaveOccurred())

		binary.LittleEndian.PutUint64(frames.Bytes(pa),
			uint64(as.PID())<<32|uint64(vPage))
	}

	check := func(as *AddressSpace, vPage vm.VAddr) {
		pa, err := as.Resolve(cpu, vPage, vm.AccessRead)
		Expect(err).NotTo(HaveOccurred())

		Expect(binary.LittleEndian.Uint64(frames.Bytes(pa))).
			To(Equal(uint64(as.PID())<<32 | uint64(vPage)))
	}

	BeforeEach(func() {
		frames = coremap.MakeBuilder().
			WithTotalRAM(8 * vm.PageSize).
			Build("Coremap")
		cpu = tlb.MakeBuilder().WithNumEntries(4).Build("TLB")
		store = newMemStore()
		mgr = MakeBuilder().
			WithFrameTable(frames).
			WithTLBs(cpu).
			WithBackingStore(store).
			Build("Manager")
		policy = eviction.MakeBuilder().
			WithFrameTable(frames).
			WithPageTableFinder(mgr).
			WithBackingStore(store).
			WithTLBs(cpu).
			Build("Eviction")
	})

	It("should keep page contents across evictions", func() {
		as := mgr.Create()
		Expect(as.DefineRegion(0x10000, 16*vm.PageSize, true, true, false)).
			To(Succeed())

		for i := 0; i < 16; i++ {
			stamp(as, vm.VAddr(0x10000+i*vm.PageSize))
		}

		for i := 0; i < 16; i++ {
			check(as, vm.VAddr(0x10000+i*vm.PageSize))
		}

		Expect(policy.Stats().Evictions).To(BeNumerically(">", 0))
		Expect(mgr.FaultStats().SwapIns).To(BeNumerically(">", 0))

		Expect(as.Destroy()).To(Succeed())
		Expect(frames.Stats().UserFrames).To(Equal(0))
		Expect(store.numSlots()).To(Equal(0))
	})

	It("should resolve concurrent faults of many address spaces", func() {
		var spaces []*AddressSpace
		for i := 0; i < 4; i++ {
			as := mgr.Create()
			Expect(as.DefineRegion(0x10000, 8*vm.PageSize, true, true, false)).
				To(Succeed())
			spaces = append(spaces, as)
		}

		var wg sync.WaitGroup
		for _, as := range spaces {
			wg.Add(1)

			go func(as *AddressSpace) {
				defer GinkgoRecover()
				defer wg.Done()

				for round := 0; round < 3; round++ {
					for i := 0; i < 8; i++ {
						vPage := vm.VAddr(0x10000 + i*vm.PageSize)

						_, err := as.Resolve(nil, vPage, vm.AccessWrite)
						Expect(err).NotTo(HaveOccurred())
					}
				}
			}(as)
		}
		wg.Wait()

		for _, as := range spaces {
			Expect(as.Destroy()).To(Succeed())
		}

		Expect(frames.Stats().UserFrames).To(Equal(0))
		Expect(frames.Stats().LockedFrames).To(Equal(0))
	})
})
