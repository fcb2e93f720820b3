package metrics

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/mmu"
	"github.com/sarchlab/demandvm/mem/vm/swap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

var _ = Describe("Collector", func() {
	var (
		frames   *coremap.Table
		mgr      *addrspace.Manager
		policy   *eviction.Policy
		cpu      *mmu.MMU
		store    *swap.MemoryStore
		registry *prometheus.Registry
	)

	BeforeEach(func() {
		frames = coremap.MakeBuilder().
			WithTotalRAM(8 * vm.PageSize).
			Build("Coremap")
		t := tlb.MakeBuilder().WithNumEntries(4).Build("TLB")
		store = swap.NewMemoryStore(16)
		mgr = addrspace.MakeBuilder().
			WithFrameTable(frames).
			WithTLBs(t).
			WithBackingStore(store).
			Build("Manager")
		policy = eviction.MakeBuilder().
			WithFrameTable(frames).
			WithPageTableFinder(mgr).
			WithBackingStore(store).
			WithTLBs(t).
			Build("Eviction")
		cpu = mmu.MakeBuilder().
			WithTLB(t).
			WithFrameTable(frames).
			Build("CPU0")

		registry = prometheus.NewRegistry()
		c := &Collector{
			Frames:   frames,
			Manager:  mgr,
			Eviction: policy,
			MMUs:     []*mmu.MMU{cpu},
			Swap:     store,
		}
		Expect(c.Register(registry)).To(Succeed())
	})

	It("should report an idle machine", func() {
		err := testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP vm_frames Number of physical frames by state.
# TYPE vm_frames gauge
vm_frames{state="dirty"} 0
vm_frames{state="free"} 7
vm_frames{state="kernel"} 1
vm_frames{state="locked"} 0
vm_frames{state="reserved"} 1
vm_frames{state="user"} 0
# HELP vm_address_spaces Number of live address spaces.
# TYPE vm_address_spaces gauge
vm_address_spaces 0
# HELP vm_swap_slots Backing store slots by state.
# TYPE vm_swap_slots gauge
vm_swap_slots{state="free"} 16
vm_swap_slots{state="used"} 0
`), "vm_frames", "vm_address_spaces", "vm_swap_slots")

		Expect(err).NotTo(HaveOccurred())
	})

	It("should count a write fault", func() {
		as := mgr.Create()
		Expect(as.DefineRegion(0x1000, vm.PageSize, true, true, false)).
			To(Succeed())

		Expect(cpu.Store(as, 0x1000, []byte{1, 2, 3, 4})).To(Succeed())

		err := testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP vm_page_faults_total Page faults handled.
# TYPE vm_page_faults_total counter
vm_page_faults_total 1
# HELP vm_tlb_lookups_total TLB lookups of an MMU.
# TYPE vm_tlb_lookups_total counter
vm_tlb_lookups_total{mmu="CPU0",result="hit"} 1
vm_tlb_lookups_total{mmu="CPU0",result="miss"} 1
# HELP vm_context_switches_total Address space switches of an MMU.
# TYPE vm_context_switches_total counter
vm_context_switches_total{mmu="CPU0"} 1
# HELP vm_address_spaces Number of live address spaces.
# TYPE vm_address_spaces gauge
vm_address_spaces 1
`), "vm_page_faults_total", "vm_tlb_lookups_total",
			"vm_context_switches_total", "vm_address_spaces")

		Expect(err).NotTo(HaveOccurred())
	})

	It("should skip the components it is not given", func() {
		c := &Collector{Frames: frames}

		Expect(testutil.CollectAndCount(c)).To(Equal(10))
	})
})
