package riscv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// Machine represents a complete RISC-V system: a hart wired to a bus
// of memory-mapped devices, plus the host/target interface the guest
// uses to print, read stdin, and signal exit.
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART
	MROM  *MROM
	HTIF  *HTIF

	// Debug output
	DebugOutput io.Writer

	// pagingMode and cmdline are remembered from construction so a
	// later LoadELF can reseed the boot sequence at the image's entry
	// point without losing the configured mmu-type hint or bootargs.
	pagingMode string
	cmdline    string

	// Halt flag
	halted atomic.Bool

	// Stop on write to address 0
	stopOnZero bool

	// Instruction count for yielding
	instructionCount uint64
}

// NewMachine creates a machine of the given register width (32 or 64)
// and extension set (encoded as misa bits, excluding the base I bit
// NewCPU adds automatically). pagingMode names the Sv mode advertised
// in the device tree's mmu-type property ("sv39", "sv48", "sv57";
// ignored on RV32, which always advertises Sv32). The MROM is seeded
// with the reset vector and a generated device tree pointing PC's
// default reset-vector jump at RAMBase; LoadELF or SetPC may override
// where execution actually begins.
func NewMachine(xlen int, misaExt uint64, ramSize uint64, output io.Writer, input io.Reader, pagingMode string) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus, xlen, misaExt)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, input)
	mrom := NewMROM(MROMSize)
	htif := NewHTIF(bus, 0, 0)

	cpu.FlushTLB = mmu.FlushTLB
	cpu.FlushTLBEntry = mmu.FlushTLBEntry

	bus.AddDevice(MROMBase, mrom)
	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	m := &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
		MROM:  mrom,
		HTIF:  htif,
	}
	m.pagingMode = pagingMode
	m.SeedBoot(RAMBase, pagingMode, "")
	return m
}

// SetHTIFSymbols wires the host/target interface to the tohost/
// fromhost addresses resolved from the loaded ELF's symbol table. A
// binary that defines neither leaves HTIF polling a permanent no-op.
func (m *Machine) SetHTIFSymbols(toHost, fromHost uint64) {
	m.HTIF.ToHostAddr = toHost
	m.HTIF.FromHostAddr = fromHost
}

// Reset resets the machine to initial state
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.halted.Store(false)
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when writing to address 0
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes a single instruction, including interrupt sampling
// (between instructions only) and host/target interface polling.
func (m *Machine) Step() error {
	if err := m.HTIF.Poll(); err != nil {
		return fmt.Errorf("htif poll: %w", err)
	}
	if m.HTIF.Exited {
		m.halted.Store(true)
		return ErrHalt
	}

	if !m.CPU.WFI {
		if pending, cause := m.CPU.CheckInterrupt(); pending {
			m.CPU.HandleTrap(cause, 0)
			return nil
		}
	} else {
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			return nil // Still waiting
		}
	}

	pc := m.CPU.PC
	paddr, err := m.MMU.TranslateFetchAligned(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	if err := m.CPU.CheckTrigger(triggerFetch, pc); err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return nil
	}

	isCompressed := (insn & 0x3) != 0x3
	if isCompressed {
		expanded, err := m.CPU.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				m.CPU.HandleTrap(exc.Cause, exc.Tval)
				return nil
			}
			return err
		}
		insn = expanded
		m.CPU.InstLen = 2
	} else {
		m.CPU.InstLen = 4
	}

	oldPC := m.CPU.PC

	err = m.executeWithMMU(insn)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.PC = oldPC
			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	if m.CPU.PC == oldPC {
		if isCompressed {
			m.CPU.PC += 2
		} else {
			m.CPU.PC += 4
		}
	}

	m.CPU.Cycle++
	m.CPU.Instret++
	m.instructionCount++

	return nil
}

// executeWithMMU executes an instruction with MMU translation for memory ops
func (m *Machine) executeWithMMU(insn uint32) error {
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// loadStoreSize reports the byte width an LOAD/STORE funct3 addresses.
func loadStoreSize(f3 uint32) int {
	switch f3 & 0b011 {
	case 0b000:
		return 1
	case 0b001:
		return 2
	case 0b010:
		return 4
	default:
		return 8
	}
}

// execLoadMMU executes load with MMU
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	f3 := funct3(insn)
	paddr, err := m.MMU.TranslateReadSized(vaddr, loadStoreSize(f3))
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}
	if err := m.CPU.CheckTrigger(triggerLoad, vaddr); err != nil {
		return err
	}

	var val uint64

	switch f3 {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes store with MMU
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	f3 := funct3(insn)
	paddr, err := m.MMU.TranslateWriteSized(vaddr, loadStoreSize(f3))
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}
	if err := m.CPU.CheckTrigger(triggerStore, vaddr); err != nil {
		return err
	}

	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	val := m.CPU.ReadReg(rs2(insn))

	if m.CPU.ReservationValid && m.CPU.Reservation == paddr {
		m.CPU.ReservationValid = false
	}

	var writeErr error
	switch f3 {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	return nil
}

// execAMOMMU executes atomic operations with MMU
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWriteSized(vaddr, loadStoreSize(funct3(insn)))
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}
	if err := m.CPU.CheckTrigger(triggerStore, vaddr); err != nil {
		return err
	}

	f5 := funct7(insn) >> 2
	if f5 != 0b00010 && f5 != 0b00011 && m.CPU.ReservationValid && m.CPU.Reservation == paddr {
		m.CPU.ReservationValid = false
	}

	return m.CPU.execAMOAt(insn, paddr)
}

// Run runs the machine until halted or the context is cancelled.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if err := ctx.Err(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}

		m.CLINT.Tick()

		for i := int64(0); i < yieldAfter; i++ {
			err := m.Step()
			if err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
			}
		}
	}
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
