// Package metrics exports the counters of the virtual memory components to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/mmu"
	"github.com/sarchlab/demandvm/mem/vm/swap"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	framesDesc = iota
	frameOpsDesc
	addressSpacesDesc
	faultsDesc
	faultOutcomesDesc
	evictionsDesc
	evictionKindsDesc
	exhaustionsDesc
	accessesDesc
	tlbLookupsDesc
	contextSwitchesDesc
	swapSlotsDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	framesDesc: prometheus.NewDesc(
		"vm_frames",
		"Number of physical frames by state.",
		[]string{"state"}, nil,
	),
	frameOpsDesc: prometheus.NewDesc(
		"vm_frame_operations_total",
		"Frame table operations.",
		[]string{"op"}, nil,
	),
	addressSpacesDesc: prometheus.NewDesc(
		"vm_address_spaces",
		"Number of live address spaces.",
		nil, nil,
	),
	faultsDesc: prometheus.NewDesc(
		"vm_page_faults_total",
		"Page faults handled.",
		nil, nil,
	),
	faultOutcomesDesc: prometheus.NewDesc(
		"vm_page_fault_outcomes_total",
		"Page faults by the way they were resolved or rejected.",
		[]string{"outcome"}, nil,
	),
	evictionsDesc: prometheus.NewDesc(
		"vm_evictions_total",
		"Pages evicted.",
		nil, nil,
	),
	evictionKindsDesc: prometheus.NewDesc(
		"vm_eviction_kinds_total",
		"Evictions by what happened to the content of the page.",
		[]string{"kind"}, nil,
	),
	exhaustionsDesc: prometheus.NewDesc(
		"vm_eviction_exhaustions_total",
		"Eviction passes that found no candidate.",
		nil, nil,
	),
	accessesDesc: prometheus.NewDesc(
		"vm_mmu_accesses_total",
		"Memory accesses translated by an MMU.",
		[]string{"mmu", "kind"}, nil,
	),
	tlbLookupsDesc: prometheus.NewDesc(
		"vm_tlb_lookups_total",
		"TLB lookups of an MMU.",
		[]string{"mmu", "result"}, nil,
	),
	contextSwitchesDesc: prometheus.NewDesc(
		"vm_context_switches_total",
		"Address space switches of an MMU.",
		[]string{"mmu"}, nil,
	),
	swapSlotsDesc: prometheus.NewDesc(
		"vm_swap_slots",
		"Backing store slots by state.",
		[]string{"state"}, nil,
	),
}

// Collector reads the counters of the components it is given every time it
// is scraped. Any component may be left nil.
type Collector struct {
	Frames   *coremap.Table
	Manager  *addrspace.Manager
	Eviction *eviction.Policy
	MMUs     []*mmu.MMU
	Swap     swap.Usage
}

// Register adds the collector to a registry.
func (c *Collector) Register(r prometheus.Registerer) error {
	return r.Register(c)
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.Frames != nil {
		collectFrames(ch, c.Frames.Stats())
	}

	if c.Manager != nil {
		gauge(ch, addressSpacesDesc, float64(c.Manager.NumAddressSpaces()))
		collectFaults(ch, c.Manager.FaultStats())
	}

	if c.Eviction != nil {
		collectEvictions(ch, c.Eviction.Stats())
	}

	for _, m := range c.MMUs {
		collectMMU(ch, m.Name(), m.Stats())
	}

	if c.Swap != nil {
		used := c.Swap.UsedSlots()
		gauge(ch, swapSlotsDesc, float64(used), "used")
		gauge(ch, swapSlotsDesc, float64(c.Swap.NumSlots()-used), "free")
	}
}

func collectFrames(ch chan<- prometheus.Metric, s coremap.Stats) {
	gauge(ch, framesDesc, float64(s.FreeFrames), "free")
	gauge(ch, framesDesc, float64(s.KernelFrames), "kernel")
	gauge(ch, framesDesc, float64(s.UserFrames), "user")
	gauge(ch, framesDesc, float64(s.LockedFrames), "locked")
	gauge(ch, framesDesc, float64(s.DirtyFrames), "dirty")
	gauge(ch, framesDesc, float64(s.ReservedFrames), "reserved")

	counter(ch, frameOpsDesc, s.Allocations, "allocation")
	counter(ch, frameOpsDesc, s.Frees, "free")
	counter(ch, frameOpsDesc, s.Reclaims, "reclaim")
	counter(ch, frameOpsDesc, s.FailedAllocations, "failed_allocation")
}

func collectFaults(ch chan<- prometheus.Metric, s addrspace.FaultStats) {
	counter(ch, faultsDesc, s.Faults)
	counter(ch, faultOutcomesDesc, s.TLBReloads, "tlb_reload")
	counter(ch, faultOutcomesDesc, s.PageLoads, "page_load")
	counter(ch, faultOutcomesDesc, s.SwapIns, "swap_in")
	counter(ch, faultOutcomesDesc, s.SegmentationFaults, "segmentation_fault")
	counter(ch, faultOutcomesDesc, s.ReadOnlyViolations, "read_only_violation")
	counter(ch, faultOutcomesDesc, s.OutOfMemory, "out_of_memory")
}

func collectEvictions(ch chan<- prometheus.Metric, s eviction.Stats) {
	counter(ch, evictionsDesc, s.Evictions)
	counter(ch, evictionKindsDesc, s.WriteOuts, "write_out")
	counter(ch, evictionKindsDesc, s.ReadOnlyDrops, "read_only_drop")
	counter(ch, evictionKindsDesc, s.CleanReuses, "clean_reuse")
	counter(ch, exhaustionsDesc, s.Exhaustions)
}

func collectMMU(ch chan<- prometheus.Metric, name string, s mmu.Stats) {
	counter(ch, accessesDesc, s.Loads, name, "load")
	counter(ch, accessesDesc, s.Stores, name, "store")
	counter(ch, accessesDesc, s.Fetches, name, "fetch")
	counter(ch, tlbLookupsDesc, s.TLBHits, name, "hit")
	counter(ch, tlbLookupsDesc, s.TLBMisses, name, "miss")
	counter(ch, contextSwitchesDesc, s.ContextSwitches, name)
}

func gauge(ch chan<- prometheus.Metric, desc int, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(
		descriptors[desc],
		prometheus.GaugeValue,
		v,
		labels...,
	)
}

func counter(ch chan<- prometheus.Metric, desc int, v uint64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(
		descriptors[desc],
		prometheus.CounterValue,
		float64(v),
		labels...,
	)
}
