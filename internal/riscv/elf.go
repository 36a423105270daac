package riscv

import (
	"debug/elf"
	"fmt"
)

// LoadedELF is what the ELF loader hands to the Machine: the entry
// point, the loadable segments (already read into memory), and the
// optional tohost/fromhost symbol addresses the host/target interface
// polls. Grounded on the donor's own debug/elf-based kernel loader
// (internal/linux/boot/amd64/elf.go), generalized from amd64 to
// RV32/RV64 and extended with the tohost/fromhost symbol lookup the
// donor's SBI boot path has no use for.
type LoadedELF struct {
	Entry    uint64
	XLen     int
	Segments []ELFSegment
	ToHost   uint64 // 0 when the binary defines no tohost symbol
	FromHost uint64
}

// ELFSegment is one PT_LOAD program header's physical placement and
// backing bytes.
type ELFSegment struct {
	Paddr uint64
	Data  []byte // exactly Filesz bytes; the remaining Memsz-Filesz is BSS (zero-fill)
	Memsz uint64
}

// LoadELFFile parses a RISC-V ELF image (bare-metal test binary or a
// proxy-kernel/Linux payload) into its loadable segments, entry point,
// and register width.
func LoadELFFile(data []byte) (*LoadedELF, error) {
	f, err := elf.NewFile(newBytesReaderAt(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("not a RISC-V ELF: machine=%s", f.Machine)
	}

	xlen := 64
	switch f.Class {
	case elf.ELFCLASS32:
		xlen = 32
	case elf.ELFCLASS64:
		xlen = 64
	default:
		return nil, fmt.Errorf("unsupported ELF class: %v", f.Class)
	}

	out := &LoadedELF{Entry: f.Entry, XLen: xlen}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("program header at 0x%x: filesz %d exceeds memsz %d", prog.Paddr, prog.Filesz, prog.Memsz)
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Paddr, err)
		}
		out.Segments = append(out.Segments, ELFSegment{
			Paddr: prog.Paddr,
			Data:  buf,
			Memsz: prog.Memsz,
		})
	}

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			switch s.Name {
			case "tohost":
				out.ToHost = s.Value
			case "fromhost":
				out.FromHost = s.Value
			}
		}
	}
	// A binary built without a symbol table (or without tohost/fromhost
	// defined) simply never triggers the host/target interface; this is
	// not an error condition for a bare-metal test image.

	return out, nil
}

// bytesReaderAt adapts a []byte to io.ReaderAt without copying.
type bytesReaderAt struct{ b []byte }

func newBytesReaderAt(b []byte) *bytesReaderAt { return &bytesReaderAt{b: b} }

func (r *bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.b)) {
		return 0, fmt.Errorf("elf: read offset 0x%x out of range", off)
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elf: short read at offset 0x%x", off)
	}
	return n, nil
}

// LoadELF loads a parsed image's segments into the Bus, wires the
// host/target interface to its tohost/fromhost symbols (if any), and
// reseeds the reset vector so it hands off to the image's entry point.
func (m *Machine) LoadELF(img *LoadedELF) error {
	for _, seg := range img.Segments {
		if err := m.Bus.LoadBytes(seg.Paddr, seg.Data); err != nil {
			return fmt.Errorf("load segment at 0x%x: %w", seg.Paddr, err)
		}
		// BSS: the bytes beyond Filesz within Memsz are zero-fill; the
		// bus's backing RAM is already zeroed at construction, so there
		// is nothing further to write here.
	}

	m.SetHTIFSymbols(img.ToHost, img.FromHost)
	m.SeedBoot(img.Entry, m.pagingMode, m.cmdline)
	return nil
}
