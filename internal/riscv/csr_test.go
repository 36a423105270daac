package riscv

import "testing"

func newTestCPU(xlen int, misaExt uint64) *CPU {
	return NewCPU(NewBus(4096), xlen, misaExt)
}

// P3: trap entry saves the faulting PC to xepc, records the cause, and
// enters the target privilege with interrupts disabled.
func TestHandleTrapSavesEpcAndCause(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivUser
	cpu.PC = 0x8000_1000
	cpu.Mstatus |= MstatusMIE

	cpu.HandleTrap(CauseIllegalInsn, 0x42)

	if cpu.Mepc != 0x8000_1000 {
		t.Fatalf("mepc = 0x%x, want 0x8000_1000", cpu.Mepc)
	}
	if cpu.Mcause != CauseIllegalInsn {
		t.Fatalf("mcause = %d, want %d", cpu.Mcause, CauseIllegalInsn)
	}
	if cpu.Mtval != 0x42 {
		t.Fatalf("mtval = 0x%x, want 0x42", cpu.Mtval)
	}
	if cpu.Priv != PrivMachine {
		t.Fatalf("priv = %d, want machine", cpu.Priv)
	}
	if cpu.Mstatus&MstatusMIE != 0 {
		t.Fatalf("mie still set after trap entry")
	}
	if cpu.Mstatus&MstatusMPIE == 0 {
		t.Fatalf("mpie not saved from prior mie")
	}
	if (cpu.Mstatus>>MstatusMPPShift)&3 != uint64(PrivUser) {
		t.Fatalf("mpp = %d, want user", (cpu.Mstatus>>MstatusMPPShift)&3)
	}
}

// Scenario 6: a load page fault delegated via medeleg traps to
// Supervisor instead of Machine.
func TestHandleTrapDelegatesToSupervisor(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivUser
	cpu.PC = 0x8000_2000
	cpu.Medeleg = 1 << CauseLoadPageFault

	cpu.HandleTrap(CauseLoadPageFault, 0x9000)

	if cpu.Priv != PrivSupervisor {
		t.Fatalf("priv = %d, want supervisor", cpu.Priv)
	}
	if cpu.Scause != CauseLoadPageFault {
		t.Fatalf("scause = %d, want %d", cpu.Scause, CauseLoadPageFault)
	}
	if cpu.Sepc != 0x8000_2000 {
		t.Fatalf("sepc = 0x%x, want 0x8000_2000", cpu.Sepc)
	}
	// Machine-mode trap state must be untouched by a delegated trap.
	if cpu.Mcause != 0 {
		t.Fatalf("mcause = %d, want untouched (0)", cpu.Mcause)
	}
}

func TestHandleTrapNotDelegatedWhenAlreadyMachine(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivMachine
	cpu.Medeleg = 1 << CauseLoadPageFault

	cpu.HandleTrap(CauseLoadPageFault, 0)

	if cpu.Priv != PrivMachine {
		t.Fatalf("priv = %d, want machine (delegation never demotes a trap already at M)", cpu.Priv)
	}
	if cpu.Mcause != CauseLoadPageFault {
		t.Fatalf("mcause = %d, want %d", cpu.Mcause, CauseLoadPageFault)
	}
}

// P4: MRET restores privilege from MPP and MIE from MPIE.
func TestMretRestoresPrivilegeAndInterruptEnable(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivMachine
	cpu.Mepc = 0x8000_3000
	cpu.Mstatus |= MstatusMPIE
	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint64(PrivSupervisor) << MstatusMPPShift

	if err := cpu.handleMret(); err != nil {
		t.Fatalf("mret: %v", err)
	}

	if cpu.Priv != PrivSupervisor {
		t.Fatalf("priv = %d, want supervisor", cpu.Priv)
	}
	if cpu.PC != 0x8000_3000 {
		t.Fatalf("pc = 0x%x, want mepc", cpu.PC)
	}
	if cpu.Mstatus&MstatusMIE == 0 {
		t.Fatalf("mie not restored from mpie")
	}
	if cpu.Mstatus&MstatusMPIE == 0 {
		t.Fatalf("mpie should be set to 1 after mret")
	}
}

func TestMretFromBelowMachineTraps(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivSupervisor

	err := cpu.handleMret()
	if err == nil {
		t.Fatalf("expected illegal instruction trap executing mret below M")
	}
	exc, ok := err.(ExceptionError)
	if !ok || exc.Cause != CauseIllegalInsn {
		t.Fatalf("err = %v, want IllegalInsn", err)
	}
}

func TestSretRestoresPrivilegeAndInterruptEnable(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivSupervisor
	cpu.Sepc = 0x8000_4000
	cpu.Mstatus |= MstatusSPIE
	cpu.Mstatus &^= MstatusSPP // SPP=0 means return to U

	if err := cpu.handleSret(); err != nil {
		t.Fatalf("sret: %v", err)
	}

	if cpu.Priv != PrivUser {
		t.Fatalf("priv = %d, want user", cpu.Priv)
	}
	if cpu.PC != 0x8000_4000 {
		t.Fatalf("pc = 0x%x, want sepc", cpu.PC)
	}
	if cpu.Mstatus&MstatusSIE == 0 {
		t.Fatalf("sie not restored from spie")
	}
}

// Scenario 4: writing mepc masks to the IALIGN boundary on read: the
// low bit when C is enabled (2-byte aligned), the low two bits (4-byte
// aligned) otherwise.
func TestMepcReadMaskedByMisaC(t *testing.T) {
	cpu := newTestCPU(64, MisaC)
	cpu.Priv = PrivMachine
	if err := cpu.csrWrite(CSRMepc, 0x8000_1001); err != nil {
		t.Fatalf("csrWrite: %v", err)
	}
	got, err := cpu.csrRead(CSRMepc)
	if err != nil {
		t.Fatalf("csrRead: %v", err)
	}
	if got != 0x8000_1000 {
		t.Fatalf("mepc read = 0x%x, want 0x8000_1000 (low bit masked with C)", got)
	}
}

func TestMepcReadMaskedWithoutC(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivMachine
	if err := cpu.csrWrite(CSRMepc, 0x8000_1003); err != nil {
		t.Fatalf("csrWrite: %v", err)
	}
	got, err := cpu.csrRead(CSRMepc)
	if err != nil {
		t.Fatalf("csrRead: %v", err)
	}
	if got != 0x8000_1000 {
		t.Fatalf("mepc read = 0x%x, want 0x8000_1000 (low two bits masked without C)", got)
	}
}

func TestCounterAccessGatedByMcounteren(t *testing.T) {
	cpu := newTestCPU(64, 0)
	cpu.Priv = PrivSupervisor
	cpu.Mcounteren = 0

	if _, err := cpu.csrRead(CSRCycle); err == nil {
		t.Fatalf("expected illegal instruction reading cycle with mcounteren clear")
	}

	cpu.Mcounteren = 1 // bit 0 = cycle
	if _, err := cpu.csrRead(CSRCycle); err != nil {
		t.Fatalf("csrRead cycle with mcounteren set: %v", err)
	}
}
