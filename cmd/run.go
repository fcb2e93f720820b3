package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sarchlab/demandvm/datarecording"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/metrics"
	"github.com/sarchlab/demandvm/monitoring"
	"github.com/sarchlab/demandvm/workload"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload on a simulated machine.",
	Long: "`run` builds the machine, runs the workload, verifies every " +
		"page the processes read back and prints what happened.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := loadDotEnv()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Flags(), os.LookupEnv)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runSimulation(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addFlags(runCmd.Flags())
}

// simulation holds what a run opens besides the machine.
type simulation struct {
	cfg       Config
	machine   *machine
	registry  *prometheus.Registry
	collector *metrics.Collector
	exec      *datarecording.ExecRecorder
	monitor   *monitoring.Monitor
	closers   []closer
}

func runSimulation(ctx context.Context, cfg Config, out io.Writer) error {
	m, err := buildMachine(cfg)
	if err != nil {
		return err
	}

	s := &simulation{cfg: cfg, machine: m}

	err = s.attach()
	if err != nil {
		return multierror.Append(err, s.close()).ErrorOrNil()
	}

	wcfg := cfg.Workload

	if s.monitor != nil {
		bar := s.monitor.CreateProgressBar("Processes",
			uint64(wcfg.Processes))
		defer s.monitor.CompleteProgressBar(bar)

		wcfg.Progress = bar
	}

	report, runErr := workload.Run(ctx, m.mgr, m.mmus, wcfg)

	if s.exec != nil {
		s.exec.Record("Run ID", report.RunID)
		s.exec.Record("Verified", fmt.Sprint(report.Verified))
		s.exec.Record("Succeeded", fmt.Sprint(runErr == nil))
		s.exec.End()
	}

	printReport(out, report, s.collector)

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}

	result = multierror.Append(result, s.close())

	return result.ErrorOrNil()
}

// attach connects the tracers, the recorder, the metrics and the monitor
// to the machine. Hooks are only accepted before the run starts.
func (s *simulation) attach() error {
	cfg := s.cfg
	m := s.machine

	if cfg.TraceCSV != "" {
		f, err := os.Create(cfg.TraceCSV)
		if err != nil {
			return errors.Wrap(err, "creating trace file")
		}

		s.closers = append(s.closers, f)
		m.acceptHook(vm.NewEventTracer(f))
	}

	if cfg.Record != "" {
		rec, err := openRecorder(cfg)
		if err != nil {
			return err
		}

		s.closers = append(s.closers, rec)
		m.acceptHook(datarecording.NewTracer(rec))

		s.exec = datarecording.NewExecRecorder(rec)
		s.exec.Start()
		recordConfig(s.exec, cfg)
	}

	s.registry = prometheus.NewRegistry()
	s.collector = &metrics.Collector{
		Frames:   m.frames,
		Manager:  m.mgr,
		Eviction: m.policy,
		MMUs:     m.mmus,
	}

	if m.usage != nil {
		s.collector.Swap = m.usage
	}

	err := s.collector.Register(s.registry)
	if err != nil {
		return err
	}

	if cfg.Monitor {
		s.startMonitor()
	}

	return nil
}

func (s *simulation) startMonitor() {
	m := s.machine

	s.monitor = monitoring.NewMonitor().WithBrowser(s.cfg.OpenBrowser)
	if s.cfg.MonitorPort != 0 {
		s.monitor.WithPortNumber(s.cfg.MonitorPort)
	}

	s.monitor.RegisterFrameTable(m.frames)
	s.monitor.RegisterComponent(m.mgr)

	if m.policy != nil {
		s.monitor.RegisterComponent(m.policy)
	}

	for _, cpu := range m.mmus {
		s.monitor.RegisterComponent(cpu)
	}

	for _, t := range m.tlbs {
		s.monitor.RegisterComponent(t)
	}

	s.monitor.RegisterGatherer(s.registry)
	s.monitor.StartServer()
}

func (s *simulation) close() error {
	var result *multierror.Error

	if s.monitor != nil {
		err := s.monitor.StopServer()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, c := range s.closers {
		err := c.Close()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := s.machine.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func openRecorder(cfg Config) (datarecording.DataRecorder, error) {
	switch cfg.RecordBackend {
	case RecordClickHouse:
		return datarecording.NewClickHouseRecorder(cfg.ClickHouse)
	default:
		return datarecording.New(strings.TrimSuffix(cfg.Record, ".sqlite3")),
			nil
	}
}

func recordConfig(exec *datarecording.ExecRecorder, cfg Config) {
	exec.Record("RAM", fmt.Sprint(cfg.RAM))
	exec.Record("Kernel Footprint", fmt.Sprint(cfg.KernelFootprint))
	exec.Record("CPUs", fmt.Sprint(cfg.CPUs))
	exec.Record("TLB Entries", fmt.Sprint(cfg.TLBEntries))
	exec.Record("Swap", cfg.Swap)
	exec.Record("Swap Slots", fmt.Sprint(cfg.SwapSlots))
	exec.Record("Read-Only Reclaim", fmt.Sprint(cfg.ReadOnlyReclaim))
	exec.Record("Processes", fmt.Sprint(cfg.Workload.Processes))
	exec.Record("Pages", fmt.Sprint(cfg.Workload.PagesPerProcess))
	exec.Record("Accesses", fmt.Sprint(cfg.Workload.Accesses))
	exec.Record("Write Ratio", fmt.Sprint(cfg.Workload.WriteRatio))
	exec.Record("Seed", fmt.Sprint(cfg.Workload.Seed))
}

func printReport(w io.Writer, r workload.Report, c *metrics.Collector) {
	fmt.Fprintf(w, "run %s: %d processes in %s\n",
		r.RunID, r.Processes, r.Duration)
	fmt.Fprintf(w, "accesses: %d loads, %d stores, %d fetches, %d verified\n",
		r.Loads, r.Stores, r.Fetches, r.Verified)

	f := c.Manager.FaultStats()
	fmt.Fprintf(w,
		"faults: %d total, %d tlb reloads, %d page loads, %d swap ins\n",
		f.Faults, f.TLBReloads, f.PageLoads, f.SwapIns)

	if c.Eviction != nil {
		e := c.Eviction.Stats()
		fmt.Fprintf(w,
			"evictions: %d total, %d written out, %d dropped, %d clean\n",
			e.Evictions, e.WriteOuts, e.ReadOnlyDrops, e.CleanReuses)
	}

	for _, cpu := range c.MMUs {
		s := cpu.Stats()
		fmt.Fprintf(w, "%s: %d tlb hits, %d tlb misses, %d switches\n",
			cpu.Name(), s.TLBHits, s.TLBMisses, s.ContextSwitches)
	}
}
