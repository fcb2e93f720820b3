package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Run", func() {
	var (
		cfg Config
		dir string
		out *bytes.Buffer
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		out = &bytes.Buffer{}

		cfg = DefaultConfig()
		cfg.Workload.Processes = 3
		cfg.Workload.PagesPerProcess = 8
		cfg.Workload.Accesses = 200
		cfg.SwapPath = filepath.Join(dir, "swap")
	})

	It("should page through the memory store", func() {
		cfg.RAM = 16 * 4096
		cfg.KernelFootprint = 0

		Expect(runSimulation(context.Background(), cfg, out)).To(Succeed())

		Expect(out.String()).To(ContainSubstring("3 processes"))
		Expect(out.String()).To(ContainSubstring("evictions:"))
		Expect(out.String()).To(ContainSubstring("CPU[1]:"))
	})

	DescribeTable("should run with every backing store",
		func(swap string) {
			cfg.Swap = swap
			cfg.RAM = 16 * 4096

			Expect(runSimulation(context.Background(), cfg, out)).
				To(Succeed())
		},
		Entry("file", SwapFile),
		Entry("sqlite", SwapSQLite),
	)

	It("should run without swap when memory is large enough", func() {
		cfg.Swap = SwapNone
		cfg.RAM = 256 * 4096

		Expect(runSimulation(context.Background(), cfg, out)).To(Succeed())
	})

	It("should trace and record events", func() {
		cfg.TraceCSV = filepath.Join(dir, "trace.csv")
		cfg.Record = filepath.Join(dir, "rec.sqlite3")

		Expect(runSimulation(context.Background(), cfg, out)).To(Succeed())

		trace, err := os.ReadFile(cfg.TraceCSV)
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(string(trace), "\n")).To(BeNumerically(">", 10))
		Expect(string(trace)).To(ContainSubstring(",PageFault,"))

		report := &bytes.Buffer{}
		Expect(printRecording(context.Background(), cfg.Record, report)).
			To(Succeed())
		Expect(report.String()).To(ContainSubstring("Processes: 3"))
		Expect(report.String()).To(ContainSubstring("page_faults:"))
		Expect(report.String()).To(ContainSubstring("page_faults FromState=NotLoaded"))
	})

	It("should serve the monitor while running", func() {
		cfg.Monitor = true

		Expect(runSimulation(context.Background(), cfg, out)).To(Succeed())
	})

	It("should fail on missing recordings", func() {
		err := printRecording(context.Background(),
			filepath.Join(dir, "none.sqlite3"), out)

		Expect(err).To(HaveOccurred())
	})
})
