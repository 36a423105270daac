package riscv

// xepcMask returns the bits an xepc CSR masks off on read: the low bit
// when misa.C is set (2-byte IALIGN), else the low two bits. This is a
// read-time mask, not a write-time one: the CSR stores the raw write
// and only the read path truncates it.
func (cpu *CPU) xepcMask() uint64 {
	if cpu.Misa&MisaC != 0 {
		return ^uint64(1)
	}
	return ^uint64(3)
}

// counterIndex reports the mcounteren/scounteren bit for a counter CSR
// address, or -1 if csr isn't one.
func counterIndex(csr uint16) int {
	switch csr {
	case CSRCycle:
		return 0
	case CSRTime:
		return 1
	case CSRInstret:
		return 2
	default:
		return -1
	}
}

// checkCounterAccess enforces mcounteren/scounteren gating: a counter
// CSR is inaccessible from a privilege below Machine unless the
// corresponding bit is set in mcounteren (for S/U) and, when the
// access originates in U-mode, also in scounteren.
func (cpu *CPU) checkCounterAccess(csr uint16) error {
	idx := counterIndex(csr)
	if idx < 0 || cpu.Priv == PrivMachine {
		return nil
	}
	bit := uint64(1) << uint(idx)
	if cpu.Mcounteren&bit == 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	if cpu.Priv == PrivUser && cpu.Scounteren&bit == 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

// checkTVM traps satp access to illegal instruction when executed in
// Supervisor with mstatus.TVM set.
func (cpu *CPU) checkTVM(csr uint16) error {
	if csr == CSRSatp && cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

// csrRead reads a CSR value, applying the privilege, counter-gating,
// and read-time masking rules.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if err := cpu.checkCounterAccess(csr); err != nil {
		return 0, err
	}
	if err := cpu.checkTVM(csr); err != nil {
		return 0, err
	}

	switch csr {
	case CSRCycle:
		return cpu.Cycle, nil
	case CSRTime:
		return cpu.Cycle, nil
	case CSRInstret:
		return cpu.Instret, nil

	case CSRSstatus:
		return cpu.readSstatus(), nil
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRScounteren:
		return cpu.Scounteren, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc & cpu.xepcMask(), nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return cpu.Mip & cpu.Mideleg, nil
	case CSRSatp:
		return cpu.Satp, nil

	case CSRMstatus:
		return cpu.Mstatus, nil
	case CSRMisa:
		return cpu.Misa, nil
	case CSRMedeleg:
		return cpu.Medeleg, nil
	case CSRMideleg:
		return cpu.Mideleg, nil
	case CSRMie:
		return cpu.Mie, nil
	case CSRMtvec:
		return cpu.Mtvec, nil
	case CSRMcounteren:
		return cpu.Mcounteren, nil
	case CSRMscratch:
		return cpu.Mscratch, nil
	case CSRMepc:
		return cpu.Mepc & cpu.xepcMask(), nil
	case CSRMcause:
		return cpu.Mcause, nil
	case CSRMtval:
		return cpu.Mtval, nil
	case CSRMip:
		return cpu.Mip, nil
	case CSRMhartid:
		return cpu.Mhartid, nil

	case CSRTselect:
		return cpu.Tselect, nil
	case CSRTdata1:
		return cpu.Tdata1, nil
	case CSRTdata2:
		return cpu.Tdata2, nil

	default:
		return 0, nil
	}
}

// csrWrite writes a CSR value, enforcing the privilege/read-only/
// counter-gating checks before dispatching to the per-CSR write-mask
// logic.
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return Exception(CauseIllegalInsn, 0)
	}
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, 0)
	}
	if err := cpu.checkCounterAccess(csr); err != nil {
		return err
	}
	if err := cpu.checkTVM(csr); err != nil {
		return err
	}

	switch csr {
	case CSRSstatus:
		cpu.writeSstatus(val)
	case CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = val
	case CSRScounteren:
		cpu.Scounteren = val
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
		cpu.Mip = (cpu.Mip &^ MipSSIP) | (val & MipSSIP)
	case CSRSatp:
		cpu.Satp = val
		if cpu.FlushTLB != nil {
			cpu.FlushTLB()
		}

	case CSRMstatus:
		cpu.writeMstatus(val)
	case CSRMisa:
		// Read-only in this implementation: no XLEN or extension
		// reconfiguration at runtime.
	case CSRMedeleg:
		cpu.Medeleg = val & 0xb3ff
	case CSRMideleg:
		cpu.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP)
	case CSRMie:
		cpu.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
	case CSRMtvec:
		cpu.Mtvec = val
	case CSRMcounteren:
		cpu.Mcounteren = val
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		mask := uint64(MipSSIP | MipSTIP | MipSEIP)
		cpu.Mip = (cpu.Mip &^ mask) | (val & mask)

	case CSRTselect:
		cpu.Tselect = val
	case CSRTdata1:
		cpu.Tdata1 = val
	case CSRTdata2:
		cpu.Tdata2 = val
	}

	return nil
}

// sstatusMask is the set of mstatus bits visible through sstatus.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP |
	MstatusSUM | MstatusMXR | MstatusSD

func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

func (cpu *CPU) writeMstatus(val uint64) {
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)
}

// CheckInterrupt reports whether a pending, enabled interrupt should
// be taken right now, applying mip/mie gating, the current privilege's
// global-enable bit, and priority (external > software > timer, ties
// broken toward the higher privilege).
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	if cpu.Priv == PrivMachine {
		if (cpu.Mstatus & MstatusMIE) == 0 {
			return false, 0
		}
	} else if cpu.Priv == PrivSupervisor {
		if (cpu.Mstatus & MstatusSIE) == 0 {
			mInt := pending &^ cpu.Mideleg
			if mInt == 0 {
				return false, 0
			}
			pending = mInt
		}
	}

	// Machine interrupts: external > software > timer.
	if pending&MipMEIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMExternalInt
	}
	if pending&MipMSIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMSoftwareInt
	}
	if pending&MipMTIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMTimerInt
	}
	// Supervisor interrupts: external > software > timer.
	if pending&MipSEIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSExternalInt
		}
	}
	if pending&MipSSIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSSoftwareInt
		}
	}
	if pending&MipSTIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// HandleTrap performs trap entry for the given (cause, tval) pair at
// the current privilege: delegates to Supervisor when medeleg/mideleg
// says so and the hart is already at or below Supervisor, saves epc/
// cause/tval and the interrupt-enable/privilege-stack bits, then
// redirects PC through the target mode's tvec (direct or vectored).
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	cpu.ReservationValid = false

	isInterrupt := (cause >> 63) != 0
	exceptionCode := cause & 0x7fffffffffffffff

	delegateToS := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			delegateToS = (cpu.Mideleg & (1 << exceptionCode)) != 0
		} else {
			delegateToS = (cpu.Medeleg & (1 << exceptionCode)) != 0
		}
	}

	if delegateToS {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}

		cpu.Priv = PrivSupervisor

		if (cpu.Stvec&1) == 1 && isInterrupt {
			cpu.PC = (cpu.Stvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Stvec &^ 3
		}
	} else {
		cpu.Mepc = cpu.PC
		cpu.Mcause = cause
		cpu.Mtval = tval

		if cpu.Mstatus&MstatusMIE != 0 {
			cpu.Mstatus |= MstatusMPIE
		} else {
			cpu.Mstatus &^= MstatusMPIE
		}
		cpu.Mstatus &^= MstatusMIE

		cpu.Mstatus &^= MstatusMPP
		cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift

		cpu.Priv = PrivMachine

		if (cpu.Mtvec&1) == 1 && isInterrupt {
			cpu.PC = (cpu.Mtvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Mtvec &^ 3
		}
	}
}

// trigger purposes, mirroring the MMU's translation purposes.
const (
	triggerFetch = iota
	triggerLoad
	triggerStore
)

// tdata1 trigger-type field (bits [31:28] on a 32-bit view) and the
// address-match (type 2) mode-enable bits used below.
const (
	triggerTypeShift = 28
	triggerTypeAddr  = 0x2

	tdata1ModeU = 1 << 3
	tdata1ModeS = 1 << 4
	tdata1ModeM = 1 << 6
	tdata1Exec  = 1 << 2 // fires on fetch
	tdata1Store = 1 << 1 // fires on store
	tdata1Load  = 1 << 0 // fires on load
)

// CheckTrigger implements the debug trigger module: an address-match
// trigger (tdata1 type 2) fires a Breakpoint exception when addr
// equals tdata2, the trigger is enabled for the current privilege
// mode, and it is enabled for the given access purpose.
func (cpu *CPU) CheckTrigger(purpose int, addr uint64) error {
	triggerType := (cpu.Tdata1 >> triggerTypeShift) & 0xf
	if triggerType != triggerTypeAddr {
		return nil
	}

	modeEnabled := false
	switch cpu.Priv {
	case PrivUser:
		modeEnabled = cpu.Tdata1&tdata1ModeU != 0
	case PrivSupervisor:
		modeEnabled = cpu.Tdata1&tdata1ModeS != 0
	case PrivMachine:
		modeEnabled = cpu.Tdata1&tdata1ModeM != 0
	}
	if !modeEnabled {
		return nil
	}

	purposeEnabled := false
	switch purpose {
	case triggerFetch:
		purposeEnabled = cpu.Tdata1&tdata1Exec != 0
	case triggerLoad:
		purposeEnabled = cpu.Tdata1&tdata1Load != 0
	case triggerStore:
		purposeEnabled = cpu.Tdata1&tdata1Store != 0
	}
	if !purposeEnabled {
		return nil
	}

	if addr != cpu.Tdata2 {
		return nil
	}

	return Exception(CauseBreakpoint, addr)
}
