package riscv

// Small instruction encoders used only by tests, the inverse of the
// decode helpers (opcode/rd/funct3/...) in execute.go.

func rType(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func sType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u&0xfe0)<<20 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func bType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7 | opcode
}

func uType(opcode, rd uint32, imm int32) uint32 {
	return (uint32(imm) & 0xfffff000) | rd<<7 | opcode
}

func jType(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opcode
}

// Mnemonic helpers for the instructions the test scenarios need.

func asmAddi(rd, rs1 uint32, imm int32) uint32 { return iType(OpOpImm, 0, rd, rs1, imm) }
func asmAdd(rd, rs1, rs2 uint32) uint32        { return rType(OpOp, 0, 0, rd, rs1, rs2) }
func asmSub(rd, rs1, rs2 uint32) uint32        { return rType(OpOp, 0, 0x20, rd, rs1, rs2) }
func asmEbreak() uint32                        { return 0x00100073 }
func asmEcall() uint32                         { return 0x00000073 }
func asmMret() uint32                          { return 0x30200073 }
func asmSret() uint32                          { return 0x10200073 }
func asmWfi() uint32                           { return 0x10500073 }

func asmLw(rd, rs1 uint32, imm int32) uint32 { return iType(OpLoad, 0b010, rd, rs1, imm) }
func asmLd(rd, rs1 uint32, imm int32) uint32 { return iType(OpLoad, 0b011, rd, rs1, imm) }
func asmSw(rs1, rs2 uint32, imm int32) uint32 { return sType(OpStore, 0b010, rs1, rs2, imm) }
func asmSd(rs1, rs2 uint32, imm int32) uint32 { return sType(OpStore, 0b011, rs1, rs2, imm) }
func asmSb(rs1, rs2 uint32, imm int32) uint32 { return sType(OpStore, 0b000, rs1, rs2, imm) }

func asmBeq(rs1, rs2 uint32, imm int32) uint32  { return bType(OpBranch, 0b000, rs1, rs2, imm) }
func asmBlt(rs1, rs2 uint32, imm int32) uint32  { return bType(OpBranch, 0b100, rs1, rs2, imm) }
func asmJal(rd uint32, imm int32) uint32        { return jType(OpJal, rd, imm) }

func asmCsrrw(rd, csr, rs1 uint32) uint32 { return iType(OpSystem, 0b001, rd, rs1, int32(csr)) }
func asmCsrrs(rd, csr, rs1 uint32) uint32 { return iType(OpSystem, 0b010, rd, rs1, int32(csr)) }

func asmLrW(rd, rs1 uint32) uint32 {
	return rType(OpAMO, 0b010, 0b0001000, rd, rs1, 0)
}
func asmScW(rd, rs1, rs2 uint32) uint32 {
	return rType(OpAMO, 0b010, 0b0001100, rd, rs1, rs2)
}

func asmSfenceVMA(rs1, rs2 uint32) uint32 {
	return rType(OpSystem, 0, 0b0001001, 0, rs1, rs2)
}
