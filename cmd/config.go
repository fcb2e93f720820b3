package cmd

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/datarecording"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/workload"
	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"
)

// Config is the configuration of a simulation run. It is read from a YAML
// file, then from VMSIM_* environment variables, then from flags. Each
// source overrides the previous ones.
type Config struct {
	RAM             uint64 `json:"ram"`
	KernelFootprint uint64 `json:"kernelFootprint"`
	CPUs            int    `json:"cpus"`
	TLBEntries      int    `json:"tlbEntries"`

	Swap            string `json:"swap"`
	SwapPath        string `json:"swapPath"`
	SwapSlots       int    `json:"swapSlots"`
	ReadOnlyReclaim bool   `json:"readOnlyReclaim"`

	Workload workload.Config `json:"workload"`

	TraceCSV      string                         `json:"traceCSV"`
	Record        string                         `json:"record"`
	RecordBackend string                         `json:"recordBackend"`
	ClickHouse    datarecording.ClickHouseConfig `json:"clickhouse"`

	Monitor     bool `json:"monitor"`
	MonitorPort int  `json:"monitorPort"`
	OpenBrowser bool `json:"openBrowser"`
}

// Swap kinds.
const (
	SwapMemory = "memory"
	SwapFile   = "file"
	SwapSQLite = "sqlite"
	SwapNone   = "none"
)

// Recording backends.
const (
	RecordSQLite     = "sqlite"
	RecordClickHouse = "clickhouse"
)

// DefaultConfig returns a machine small enough to page heavily under the
// default workload.
func DefaultConfig() Config {
	return Config{
		RAM:             64 * vm.PageSize,
		KernelFootprint: 4 * vm.PageSize,
		CPUs:            2,
		TLBEntries:      16,
		Swap:            SwapMemory,
		SwapPath:        "vmsim.swap",
		SwapSlots:       1024,
		ReadOnlyReclaim: true,
		Workload:        workload.DefaultConfig(),
		RecordBackend:   RecordSQLite,
		ClickHouse: datarecording.ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "default",
			Username: "default",
		},
	}
}

// setting binds a configuration field to its flag and environment variable.
type setting struct {
	flag   string
	env    string
	target any
	usage  string
}

func (c *Config) settings() []setting {
	return []setting{
		{"ram", "VMSIM_RAM", &c.RAM, "physical memory, in bytes"},
		{"kernel-footprint", "VMSIM_KERNEL_FOOTPRINT", &c.KernelFootprint,
			"memory taken by the kernel image, in bytes"},
		{"cpus", "VMSIM_CPUS", &c.CPUs, "number of CPUs"},
		{"tlb-entries", "VMSIM_TLB_ENTRIES", &c.TLBEntries,
			"number of entries of every TLB"},
		{"swap", "VMSIM_SWAP", &c.Swap,
			"backing store: memory, file, sqlite or none"},
		{"swap-path", "VMSIM_SWAP_PATH", &c.SwapPath,
			"file of the file and sqlite backing stores"},
		{"swap-slots", "VMSIM_SWAP_SLOTS", &c.SwapSlots,
			"number of page slots of the backing store"},
		{"readonly-reclaim", "VMSIM_READONLY_RECLAIM", &c.ReadOnlyReclaim,
			"drop read-only pages instead of writing them out"},
		{"processes", "VMSIM_PROCESSES", &c.Workload.Processes,
			"number of processes"},
		{"pages", "VMSIM_PAGES", &c.Workload.PagesPerProcess,
			"data pages of every process"},
		{"accesses", "VMSIM_ACCESSES", &c.Workload.Accesses,
			"memory accesses of every process"},
		{"write-ratio", "VMSIM_WRITE_RATIO", &c.Workload.WriteRatio,
			"share of the accesses that are writes"},
		{"seed", "VMSIM_SEED", &c.Workload.Seed, "random seed"},
		{"trace-csv", "VMSIM_TRACE_CSV", &c.TraceCSV,
			"write every event to this CSV file"},
		{"record", "VMSIM_RECORD", &c.Record,
			"record events into this database"},
		{"record-backend", "VMSIM_RECORD_BACKEND", &c.RecordBackend,
			"recording backend: sqlite or clickhouse"},
		{"clickhouse-host", "VMSIM_CLICKHOUSE_HOST", &c.ClickHouse.Host,
			"ClickHouse host"},
		{"clickhouse-port", "VMSIM_CLICKHOUSE_PORT", &c.ClickHouse.Port,
			"ClickHouse port"},
		{"clickhouse-database", "VMSIM_CLICKHOUSE_DATABASE",
			&c.ClickHouse.Database, "ClickHouse database"},
		{"clickhouse-user", "VMSIM_CLICKHOUSE_USER", &c.ClickHouse.Username,
			"ClickHouse user"},
		{"clickhouse-password", "VMSIM_CLICKHOUSE_PASSWORD",
			&c.ClickHouse.Password, "ClickHouse password"},
		{"monitor", "VMSIM_MONITOR", &c.Monitor,
			"serve the monitoring API while running"},
		{"monitor-port", "VMSIM_MONITOR_PORT", &c.MonitorPort,
			"port of the monitoring API, random if 0"},
		{"open-browser", "VMSIM_OPEN_BROWSER", &c.OpenBrowser,
			"open the monitoring API in a web browser"},
	}
}

// addFlags declares one flag per setting, with the defaults as values.
func addFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()

	flags.String("config", "", "YAML configuration file")

	for _, s := range def.settings() {
		switch v := s.target.(type) {
		case *uint64:
			flags.Uint64(s.flag, *v, s.usage)
		case *int:
			flags.Int(s.flag, *v, s.usage)
		case *int64:
			flags.Int64(s.flag, *v, s.usage)
		case *float64:
			flags.Float64(s.flag, *v, s.usage)
		case *bool:
			flags.Bool(s.flag, *v, s.usage)
		case *string:
			flags.String(s.flag, *v, s.usage)
		}
	}
}

// loadConfig builds the configuration from the defaults, the file named by
// --config, the environment and the flags that were set.
func loadConfig(
	flags *pflag.FlagSet,
	lookupEnv func(string) (string, bool),
) (Config, error) {
	cfg := DefaultConfig()

	path, err := flags.GetString("config")
	if err != nil {
		return cfg, err
	}

	if path != "" {
		err = cfg.readFile(path)
		if err != nil {
			return cfg, err
		}
	}

	for _, s := range cfg.settings() {
		if value, ok := lookupEnv(s.env); ok {
			err = setValue(s.target, value)
			if err != nil {
				return cfg, errors.Wrapf(err, "parsing %s", s.env)
			}
		}

		if f := flags.Lookup(s.flag); f != nil && f.Changed {
			err = setValue(s.target, f.Value.String())
			if err != nil {
				return cfg, errors.Wrapf(err, "parsing --%s", s.flag)
			}
		}
	}

	return cfg, cfg.validate()
}

// loadDotEnv reads the .env file of the working directory into the
// environment, if there is one.
func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "loading .env")
	}

	return nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}

	err = yaml.Unmarshal(data, c)
	if err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}

	return nil
}

func setValue(target any, value string) error {
	var err error

	switch v := target.(type) {
	case *uint64:
		*v, err = strconv.ParseUint(value, 0, 64)
	case *int:
		*v, err = strconv.Atoi(value)
	case *int64:
		*v, err = strconv.ParseInt(value, 0, 64)
	case *float64:
		*v, err = strconv.ParseFloat(value, 64)
	case *bool:
		*v, err = strconv.ParseBool(value)
	case *string:
		*v = value
	default:
		return errors.Errorf("cannot set %T", target)
	}

	return err
}

var errBadConfig = errors.New("bad configuration")

func (c *Config) validate() error {
	switch {
	case c.RAM < vm.PageSize:
		return errors.Wrapf(errBadConfig, "ram %d is less than a page", c.RAM)
	case c.CPUs <= 0:
		return errors.Wrapf(errBadConfig, "%d CPUs", c.CPUs)
	case c.TLBEntries <= 0:
		return errors.Wrapf(errBadConfig, "%d TLB entries", c.TLBEntries)
	}

	switch c.Swap {
	case SwapMemory, SwapFile, SwapSQLite:
		if c.SwapSlots <= 0 {
			return errors.Wrapf(errBadConfig, "%d swap slots", c.SwapSlots)
		}
	case SwapNone:
	default:
		return errors.Wrapf(errBadConfig, "unknown swap %q", c.Swap)
	}

	switch c.RecordBackend {
	case RecordSQLite, RecordClickHouse:
	default:
		return errors.Wrapf(errBadConfig,
			"unknown recording backend %q", c.RecordBackend)
	}

	return nil
}
