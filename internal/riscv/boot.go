package riscv

import "encoding/binary"

// ISAString renders the `riscv,isa` device-tree string for the
// machine's configured XLEN and extension set, read off misa rather
// than hardcoded, so a machine built with only IMA advertises
// "rv64ima_zicsr", not a fixed "rv64imafdc" that claims extensions (F/D)
// this core never implements.
func ISAString(xlen int, misa uint64) string {
	s := "rv32"
	if xlen == 64 {
		s = "rv64"
	}
	s += "i"
	if misa&MisaM != 0 {
		s += "m"
	}
	if misa&MisaA != 0 {
		s += "a"
	}
	if misa&MisaC != 0 {
		s += "c"
	}
	return s + "_zicsr"
}

// MMUTypeString renders the `mmu-type` device-tree property for the
// configured paging mode, resolving the open question of §9: an RV64
// machine advertises whichever of Sv39/Sv48/Sv57 its configuration
// selects rather than a hardcoded Sv57, and RV32 always advertises
// Sv32 (its only paging mode).
func MMUTypeString(xlen int, pagingMode string) string {
	if xlen == 32 {
		return "riscv,sv32"
	}
	switch pagingMode {
	case "sv48":
		return "riscv,sv48"
	case "sv57":
		return "riscv,sv57"
	default:
		return "riscv,sv39"
	}
}

// encodeU and encodeI build the raw 32-bit encodings the
// reset vector needs; extracted rather than inlined since the same
// shapes (U-type, I-type) recur across the five instructions.
func encodeU(opcode, rd uint32, imm int32) uint32 {
	return (uint32(imm) & 0xfffff000) | (rd << 7) | opcode
}

func encodeI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// BuildResetVector encodes the boot sequence named in §6:
//
//	auipc t0, 0
//	addi  a1, t0, &dtb-pc
//	csrr  a0, mhartid
//	ld/lw t0, 24(t0)      ; lw on RV32, ld on RV64
//	jr    t0
//
// followed by the jump-target pointer word at offset 24 (4 bytes wide
// on RV32, 8 on RV64, so the dtb that follows stays naturally
// aligned), then the caller appends the DTB blob via MROM.WriteReset.
// t0=x5, a1=x11, a0=x10.
func BuildResetVector(xlen int, jumpTarget uint64) []byte {
	const (
		opAUIPC = 0x17
		opADDI  = 0x13
		opSYS   = 0x73
		opLOAD  = 0x03
		opJALR  = 0x67
	)
	t0, a0, a1 := uint32(5), uint32(10), uint32(11)

	ptrWidth := 4
	loadFunct3 := uint32(0b010) // lw
	if xlen == 64 {
		ptrWidth = 8
		loadFunct3 = 0b011 // ld
	}
	ptrOffset := int32(24)
	dtbOffset := 24 + ptrWidth

	insns := []uint32{
		encodeU(opAUIPC, t0, 0), // t0 = PC of this instruction (MROM base)
		encodeI(opADDI, 0, a1, t0, int32(dtbOffset)), // a1 = t0 + &dtb
		encodeI(opSYS, 0b010, a0, 0, int32(CSRMhartid)), // csrrs a0, mhartid, x0
		encodeI(opLOAD, loadFunct3, t0, t0, ptrOffset),
		encodeI(opJALR, 0, 0, t0, 0),
	}

	code := make([]byte, dtbOffset)
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(code[i*4:], insn)
	}
	if ptrWidth == 8 {
		binary.LittleEndian.PutUint64(code[24:], jumpTarget)
	} else {
		binary.LittleEndian.PutUint32(code[24:], uint32(jumpTarget))
	}
	return code
}

// SeedBoot writes the reset vector and a freshly generated device tree
// into the MROM and leaves PC at the reset vector (NewCPU's default).
// jumpTarget is where the reset vector hands off control, normally
// the guest image's load base. Bare-metal test fixtures that want to
// skip the boot sequence entirely may call SetPC directly instead.
func (m *Machine) SeedBoot(jumpTarget uint64, pagingMode string, cmdline string) {
	m.pagingMode = pagingMode
	m.cmdline = cmdline
	isa := ISAString(m.CPU.XLen, m.CPU.Misa)
	mmuType := MMUTypeString(m.CPU.XLen, pagingMode)
	code := BuildResetVector(m.CPU.XLen, jumpTarget)
	dtb := GenerateFDT(m, isa, mmuType, cmdline)
	m.MROM.WriteReset(code, dtb)
}
