package mmu

import (
	"bytes"
	"encoding/binary"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
	"github.com/sarchlab/demandvm/mem/vm/swap"
)

type machine struct {
	frames *coremap.Table
	mgr    *addrspace.Manager
	mmus   []*MMU
}

func newMachine(numFrames, numCPUs int) machine {
	frames := coremap.MakeBuilder().
		WithTotalRAM(uint64(numFrames * vm.PageSize)).
		Build("Coremap")

	var tlbs []*tlb.TLB
	for i := 0; i < numCPUs; i++ {
		tlbs = append(tlbs, tlb.MakeBuilder().WithNumEntries(4).Build("TLB"))
	}

	store := swap.NewMemoryStore(256)
	mgr := addrspace.MakeBuilder().
		WithFrameTable(frames).
		WithTLBs(tlbs...).
		WithBackingStore(store).
		Build("Manager")
	eviction.MakeBuilder().
		WithFrameTable(frames).
		WithPageTableFinder(mgr).
		WithBackingStore(store).
		WithTLBs(tlbs...).
		Build("Eviction")

	m := machine{frames: frames, mgr: mgr}
	for _, t := range tlbs {
		m.mmus = append(m.mmus, MakeBuilder().
			WithTLB(t).
			WithFrameTable(frames).
			Build("MMU"))
	}

	return m
}

var _ = Describe("MMU", func() {
	var (
		m   machine
		mmu *MMU
		as  *addrspace.AddressSpace
	)

	BeforeEach(func() {
		m = newMachine(8, 1)
		mmu = m.mmus[0]
		as = m.mgr.Create()
		Expect(as.DefineRegion(0x1000, 0x1000, true, false, true)).To(Succeed())
		Expect(as.DefineRegion(0x10000, 0x4000, true, true, false)).To(Succeed())
	})

	It("should store and load across pages", func() {
		data := bytes.Repeat([]byte{1, 2, 3, 4}, 1024)

		Expect(mmu.Store(as, 0x10ffe, data)).To(Succeed())

		buf := make([]byte, len(data))
		Expect(mmu.Load(as, 0x10ffe, buf)).To(Succeed())
		Expect(buf).To(Equal(data))
	})

	It("should hit the TLB after the first fault", func() {
		buf := make([]byte, 8)

		Expect(mmu.Store(as, 0x10000, buf)).To(Succeed())
		Expect(mmu.Store(as, 0x10008, buf)).To(Succeed())

		s := mmu.Stats()
		Expect(s.Stores).To(Equal(uint64(2)))
		Expect(s.TLBMisses).To(Equal(uint64(1)))
		Expect(s.TLBHits).To(Equal(uint64(2)))
	})

	It("should trap the first write to a page that was read", func() {
		buf := make([]byte, 8)

		Expect(mmu.Load(as, 0x10000, buf)).To(Succeed())
		Expect(mmu.Store(as, 0x10000, buf)).To(Succeed())

		Expect(mmu.Stats().TLBMisses).To(Equal(uint64(2)))
		pa, _ := as.Resolve(nil, 0x10000, vm.AccessRead)
		Expect(m.frames.Frame(pa).Dirty).To(BeTrue())
	})

	It("should fail on unmapped addresses", func() {
		err := mmu.Load(as, 0x50000, make([]byte, 4))

		Expect(err).To(MatchError(vm.ErrSegmentationFault))
	})

	It("should protect read-only regions", func() {
		Expect(mmu.Fetch(as, 0x1000, make([]byte, 4))).To(Succeed())

		err := mmu.Store(as, 0x1000, make([]byte, 4))

		Expect(err).To(MatchError(vm.ErrReadOnlyViolation))
	})

	It("should switch between address spaces", func() {
		other := m.mgr.Create()
		Expect(other.DefineRegion(0x10000, 0x1000, true, true, false)).
			To(Succeed())

		Expect(mmu.Store(as, 0x10000, []byte("first"))).To(Succeed())
		Expect(mmu.Store(other, 0x10000, []byte("other"))).To(Succeed())

		buf := make([]byte, 5)
		Expect(mmu.Load(as, 0x10000, buf)).To(Succeed())
		Expect(string(buf)).To(Equal("first"))
		Expect(mmu.Stats().ContextSwitches).To(Equal(uint64(3)))
	})

	It("should panic without a TLB", func() {
		Expect(func() {
			MakeBuilder().WithFrameTable(m.frames).Build("Broken")
		}).To(Panic())
	})
})

var _ = Describe("Multiple CPUs", func() {
	It("should keep every page intact under memory pressure", func() {
		const (
			numPages  = 12
			numSpaces = 3
		)

		m := newMachine(8, 2)

		var spaces []*addrspace.AddressSpace
		for i := 0; i < numSpaces; i++ {
			as := m.mgr.Create()
			Expect(as.DefineRegion(0x10000, numPages*vm.PageSize,
				true, true, false)).To(Succeed())
			spaces = append(spaces, as)
		}

		signature := func(as *addrspace.AddressSpace, i int) uint64 {
			return uint64(as.PID())<<32 | uint64(i)
		}

		var wg sync.WaitGroup
		for c, cpu := range m.mmus {
			wg.Add(1)

			go func(c int, cpu *MMU) {
				defer GinkgoRecover()
				defer wg.Done()

				for round := 0; round < 4; round++ {
					for s, as := range spaces {
						if (s+round)%len(m.mmus) != c {
							continue
						}

						for i := 0; i < numPages; i++ {
							vAddr := vm.VAddr(0x10000 + i*vm.PageSize)
							buf := make([]byte, 8)

							if round == 0 || round == 1 && c == 1 {
								binary.LittleEndian.PutUint64(buf,
									signature(as, i))
								Expect(cpu.Store(as, vAddr, buf)).To(Succeed())

								continue
							}

							Expect(cpu.Load(as, vAddr, buf)).To(Succeed())
							if binary.LittleEndian.Uint64(buf) != 0 {
								Expect(binary.LittleEndian.Uint64(buf)).
									To(Equal(signature(as, i)))
							}
						}
					}
				}
			}(c, cpu)
		}
		wg.Wait()

		for _, as := range spaces {
			buf := make([]byte, 8)
			for i := 0; i < numPages; i++ {
				vAddr := vm.VAddr(0x10000 + i*vm.PageSize)
				Expect(m.mmus[0].Load(as, vAddr, buf)).To(Succeed())
				Expect(binary.LittleEndian.Uint64(buf)).
					To(Equal(signature(as, i)))
			}

			Expect(as.Destroy()).To(Succeed())
		}

		Expect(m.frames.Stats().UserFrames).To(Equal(0))
	})
})
