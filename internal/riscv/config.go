package riscv

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the construction parameters for a Machine, read
// once at startup from an optional YAML file, never round-tripped,
// matching the donor's own ccbundle.yaml metadata style
// (internal/bundle/bundle.go).
type Config struct {
	// ISA names the extension set as an rv32/rv64 string, e.g.
	// "rv32imac" or "rv64imac". Only i/m/a/c letters are recognized;
	// anything else is rejected at load time.
	ISA string `yaml:"isa,omitempty"`

	// MemoryMB is the DRAM size in mebibytes. Defaults to 128 (the
	// device map's fixed DRAM window size) when zero.
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// PagingMode names the Sv mode advertised in the device tree's
	// mmu-type property on RV64 machines ("sv39", "sv48", "sv57").
	// Ignored on RV32, which only has Sv32.
	PagingMode string `yaml:"pagingMode,omitempty"`

	// Breakpoints are program-counter values. The field is parsed but
	// the rvemu CLI does not act on it: its run loop checks only the
	// single -breakpoint flag value. The core's only native breakpoint
	// mechanism is the debug trigger module (tselect/tdata1/tdata2).
	Breakpoints []uint64 `yaml:"breakpoints,omitempty"`

	// Cmdline is passed through to the generated device tree's
	// chosen/bootargs property.
	Cmdline string `yaml:"cmdline,omitempty"`
}

// DefaultConfig returns the configuration used when no YAML file is
// given: rv64imac, 128 MiB of DRAM, Sv39 paging.
func DefaultConfig() Config {
	return Config{
		ISA:        "rv64imac",
		MemoryMB:   RAMSize / (1024 * 1024),
		PagingMode: "sv39",
	}
}

// LoadConfig reads and validates a YAML configuration file, filling
// unset fields from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = DefaultConfig().MemoryMB
	}
	if cfg.ISA == "" {
		cfg.ISA = DefaultConfig().ISA
	}
	if _, _, err := ParseISA(cfg.ISA); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseISA splits an "rv32imac"/"rv64imac"-shaped string into the
// register width and the misa extension bits NewMachine expects
// (excluding the base I bit, which NewCPU always sets).
func ParseISA(isa string) (xlen int, misaExt uint64, err error) {
	switch {
	case len(isa) >= 4 && isa[:4] == "rv32":
		xlen = 32
		isa = isa[4:]
	case len(isa) >= 4 && isa[:4] == "rv64":
		xlen = 64
		isa = isa[4:]
	default:
		return 0, 0, fmt.Errorf("isa string %q must start with rv32 or rv64", isa)
	}

	for _, c := range isa {
		switch c {
		case 'i':
			// base integer, always implied
		case 'm':
			misaExt |= MisaM
		case 'a':
			misaExt |= MisaA
		case 'c':
			misaExt |= MisaC
		default:
			return 0, 0, fmt.Errorf("isa string %q: unsupported extension %q", isa, c)
		}
	}
	return xlen, misaExt | MisaS | MisaU, nil
}

// NewMachineFromConfig constructs a Machine per a validated Config.
func NewMachineFromConfig(cfg Config, output *os.File, input *os.File) (*Machine, error) {
	xlen, misaExt, err := ParseISA(cfg.ISA)
	if err != nil {
		return nil, err
	}
	ramSize := cfg.MemoryMB * 1024 * 1024
	if ramSize == 0 {
		ramSize = RAMSize
	}
	m := NewMachine(xlen, misaExt, ramSize, output, input, cfg.PagingMode)
	if cfg.Cmdline != "" {
		m.SeedBoot(RAMBase, cfg.PagingMode, cfg.Cmdline)
	}
	return m, nil
}
