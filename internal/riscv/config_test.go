package riscv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseISA(t *testing.T) {
	cases := []struct {
		isa      string
		wantXLen int
		wantExt  uint64
		wantErr  bool
	}{
		{"rv64imac", 64, MisaM | MisaA | MisaC | MisaS | MisaU, false},
		{"rv32imc", 32, MisaM | MisaC | MisaS | MisaU, false},
		{"rv64i", 64, MisaS | MisaU, false},
		{"rv16i", 0, 0, true},
		{"rv64if", 0, 0, true}, // F/D never implemented
	}
	for _, c := range cases {
		xlen, ext, err := ParseISA(c.isa)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseISA(%q): expected error", c.isa)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseISA(%q): %v", c.isa, err)
			continue
		}
		if xlen != c.wantXLen || ext != c.wantExt {
			t.Errorf("ParseISA(%q) = (%d, 0x%x), want (%d, 0x%x)", c.isa, xlen, ext, c.wantXLen, c.wantExt)
		}
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rvemu.yaml")
	if err := os.WriteFile(path, []byte("pagingMode: sv48\ncmdline: console=ttyS0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ISA != "rv64imac" {
		t.Errorf("isa = %q, want default rv64imac", cfg.ISA)
	}
	if cfg.PagingMode != "sv48" {
		t.Errorf("pagingMode = %q, want sv48", cfg.PagingMode)
	}
	if cfg.Cmdline != "console=ttyS0" {
		t.Errorf("cmdline = %q, want console=ttyS0", cfg.Cmdline)
	}
	if cfg.MemoryMB == 0 {
		t.Errorf("memoryMB should default to a nonzero value")
	}
}

func TestLoadConfigRejectsBadISA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rvemu.yaml")
	if err := os.WriteFile(path, []byte("isa: garbage\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error loading a config with an invalid isa string")
	}
}

func TestNewMachineFromConfigBoots(t *testing.T) {
	cfg := DefaultConfig()
	m, err := NewMachineFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewMachineFromConfig: %v", err)
	}
	if m.GetPC() != MROMBase {
		t.Errorf("pc = 0x%x, want mrom base 0x%x", m.GetPC(), MROMBase)
	}
}
