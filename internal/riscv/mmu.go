package riscv

// SATP modes, from the top bits of satp (bits [31:31] on RV32, the
// MODE field on RV64).
const (
	SatpModeOff  = 0
	SatpModeSv32 = 1
	SatpModeSv39 = 8
	SatpModeSv48 = 9
	SatpModeSv57 = 10
)

// Page table entry flags.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	PageSize  = 4096
	PageShift = 12

	// Sv32 is RV32-only: 2 levels, 10-bit VPNs, 4-byte PTEs, 22-bit PPN.
	sv32Levels  = 2
	sv32VpnBits = 10
	sv32PteSize = 4
	sv32PpnBits = 22

	// Sv39/Sv48/Sv57 are RV64-only: 9-bit VPNs, 8-byte PTEs, 44-bit PPN.
	sv64VpnBits = 9
	sv64PteSize = 8
	sv64PpnBits = 44
)

// TLBEntries is the direct-mapped TLB's entry count; the index is the
// virtual page number modulo this value.
const TLBEntries = 256

// TLBEntry caches one translation.
type TLBEntry struct {
	Valid    bool
	VPN      uint64 // full virtual page number, used as the tag
	PPN      uint64
	Flags    uint64
	PageSize uint64 // superpage size, in bytes
	ASID     uint16
}

// MMU performs virtual-to-physical translation for Bare/Sv32/Sv39/
// Sv48/Sv57 against a 256-entry direct-mapped TLB. It holds
// only a read-only reference to its owning hart's CSR state: a
// translation is a pure function of that state plus page-table memory
// not a long-lived alias into it.
type MMU struct {
	cpu *CPU

	tlb [TLBEntries]TLBEntry
}

// NewMMU creates an MMU bound to the given hart.
func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates every TLB entry. Triggered by an operand-less
// sfence.vma or any write to satp.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// FlushTLBEntry invalidates the entry for vaddr if its ASID matches
// asid, or whatever its ASID when asid is 0. Triggered by an
// operand-qualified sfence.vma.
func (mmu *MMU) FlushTLBEntry(vaddr uint64, asid uint16) {
	vpn := vaddr >> PageShift
	idx := vpn % TLBEntries
	entry := &mmu.tlb[idx]
	if entry.Valid && entry.VPN == vpn && (asid == 0 || entry.ASID == asid) {
		entry.Valid = false
	}
}

// satpMode reports the paging mode selected by satp, given the hart's
// XLen (the MODE field lives in different bit positions on RV32 vs
// RV64).
func (mmu *MMU) satpMode() uint64 {
	if mmu.cpu.XLen == 32 {
		return (mmu.cpu.Satp >> 31) & 0x1
	}
	return (mmu.cpu.Satp >> 60) & 0xf
}

// Translate resolves vaddr for the given access purpose: 0=read,
// 1=write, 2=execute. Machine mode bypasses translation unless
// mstatus.MPRV redirects loads/stores through mstatus.MPP; MPRV
// never affects fetches.
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := mmu.satpMode()
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := mmu.cpu.Priv
	if mmu.cpu.Priv == PrivMachine && access != 2 && (mmu.cpu.Mstatus&MstatusMPRV) != 0 {
		priv = uint8((mmu.cpu.Mstatus >> MstatusMPPShift) & 3)
	}
	if priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	idx := vpn % TLBEntries
	entry := &mmu.tlb[idx]

	asid := uint16((mmu.cpu.Satp >> 44) & 0xffff)
	if mmu.cpu.XLen == 32 {
		asid = uint16((mmu.cpu.Satp >> 22) & 0x1ff)
	}

	if entry.Valid && entry.VPN == vpn && (entry.ASID == asid || entry.Flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.Flags, access, priv); err != nil {
			return 0, err
		}
		if entry.Flags&PteA != 0 && !(access == 1 && entry.Flags&PteD == 0) {
			pageOffset := vaddr & (entry.PageSize - 1)
			return (entry.PPN << PageShift) | pageOffset, nil
		}
		entry.Valid = false // force a walk to set A/D
	}

	paddr, flags, pageSize, err := mmu.walkPageTable(vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	entry.Valid = true
	entry.VPN = vpn
	entry.PPN = paddr >> PageShift
	entry.Flags = flags
	entry.PageSize = pageSize
	entry.ASID = asid

	return paddr, nil
}

// pagingShape describes the level count and per-level geometry for a
// satp MODE value.
type pagingShape struct {
	levels    int
	vpnBits   int
	pteSize   int
	ppnBits   int
	canonical int // sign-extension bit for virtual addresses, 0 = no check
}

func shapeFor(mode uint64) (pagingShape, bool) {
	switch mode {
	case SatpModeSv32:
		return pagingShape{levels: sv32Levels, vpnBits: sv32VpnBits, pteSize: sv32PteSize, ppnBits: sv32PpnBits}, true
	case SatpModeSv39:
		return pagingShape{levels: 3, vpnBits: sv64VpnBits, pteSize: sv64PteSize, ppnBits: sv64PpnBits, canonical: 38}, true
	case SatpModeSv48:
		return pagingShape{levels: 4, vpnBits: sv64VpnBits, pteSize: sv64PteSize, ppnBits: sv64PpnBits, canonical: 47}, true
	case SatpModeSv57:
		return pagingShape{levels: 5, vpnBits: sv64VpnBits, pteSize: sv64PteSize, ppnBits: sv64PpnBits, canonical: 56}, true
	default:
		return pagingShape{}, false
	}
}

// readPTE reads one page-table entry, 4 bytes for Sv32 and 8 bytes for
// Sv39/48/57.
func (mmu *MMU) readPTE(addr uint64, pteSize int) (uint64, error) {
	if pteSize == 4 {
		v, err := mmu.cpu.Bus.Read32(addr)
		return uint64(v), err
	}
	return mmu.cpu.Bus.Read64(addr)
}

func (mmu *MMU) writePTE(addr uint64, pteSize int, value uint64) error {
	if pteSize == 4 {
		return mmu.cpu.Bus.Write32(addr, uint32(value))
	}
	return mmu.cpu.Bus.Write64(addr, value)
}

// walkPageTable implements the page-table walk, generalized
// across Sv32 (2-level, RV32) and Sv39/Sv48/Sv57 (3/4/5-level, RV64).
func (mmu *MMU) walkPageTable(vaddr uint64, access int, priv uint8, mode uint64) (uint64, uint64, uint64, error) {
	shape, ok := shapeFor(mode)
	if !ok {
		return vaddr, PteR | PteW | PteX, PageSize, nil
	}
	if shape.canonical != 0 {
		top := uint64(1) << shape.canonical
		if vaddr >= top && vaddr < (^uint64(0)-top+1) {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
	}

	ppnMask := uint64(1)<<shape.ppnBits - 1
	vpnMask := uint64(1)<<shape.vpnBits - 1

	ppn := mmu.cpu.Satp & ppnMask
	tableAddr := ppn << PageShift

	var pte uint64
	pageSize := uint64(PageSize)

	for level := shape.levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*shape.vpnBits
		vpn := (vaddr >> vpnShift) & vpnMask

		pteAddr := tableAddr + vpn*uint64(shape.pteSize)
		val, err := mmu.readPTE(pteAddr, shape.pteSize)
		if err != nil {
			return 0, 0, 0, mmu.accessFault(access, vaddr)
		}
		pte = val

		if pte&PteV == 0 {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf PTE.
			if level > 0 {
				mask := uint64(1)<<(level*shape.vpnBits) - 1
				if ((pte >> 10) & mask) != 0 {
					return 0, 0, 0, mmu.pageFault(access, vaddr)
				}
				pageSize = 1 << uint(PageShift+level*shape.vpnBits)
			}

			if err := mmu.checkPermissions(pte, access, priv); err != nil {
				return 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == 1 && pte&PteD == 0) {
				newPte := pte | PteA
				if access == 1 {
					newPte |= PteD
				}
				if err := mmu.writePTE(pteAddr, shape.pteSize, newPte); err != nil {
					return 0, 0, 0, mmu.pageFault(access, vaddr)
				}
				pte = newPte
			}

			ppnOut := (pte >> 10) & ppnMask
			pageOffset := vaddr & (pageSize - 1)
			if level > 0 {
				mask := uint64(1)<<(level*shape.vpnBits) - 1
				vpnBits := (vaddr >> PageShift) & mask
				ppnOut = (ppnOut &^ mask) | vpnBits
			}

			paddr := (ppnOut << PageShift) | pageOffset
			return paddr, pte, pageSize, nil
		}

		// Non-leaf: descend.
		tableAddr = ((pte >> 10) & ppnMask) << PageShift
	}

	return 0, 0, 0, mmu.pageFault(access, vaddr)
}

// checkPermissions enforces the user/supervisor (U, SUM) and
// read/write/execute (R/W/X, MXR) rules.
func (mmu *MMU) checkPermissions(pte uint64, access int, priv uint8) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return mmu.pageFault(access, 0)
		}
	} else {
		if pte&PteU != 0 && (mmu.cpu.Mstatus&MstatusSUM) == 0 {
			return mmu.pageFault(access, 0)
		}
	}

	switch access {
	case 0: // Read
		if pte&PteR == 0 {
			if (mmu.cpu.Mstatus&MstatusMXR) != 0 && (pte&PteX) != 0 {
				return nil
			}
			return mmu.pageFault(access, 0)
		}
	case 1: // Write
		if pte&PteW == 0 {
			return mmu.pageFault(access, 0)
		}
	case 2: // Execute
		if pte&PteX == 0 {
			return mmu.pageFault(access, 0)
		}
	}
	return nil
}

// pageFault maps an access purpose to its page-fault cause.
func (mmu *MMU) pageFault(access int, vaddr uint64) error {
	switch access {
	case 0:
		return Exception(CauseLoadPageFault, vaddr)
	case 1:
		return Exception(CauseStorePageFault, vaddr)
	case 2:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

// accessFault maps an access purpose to its access-fault cause. Used
// when the walk itself cannot load a PTE (a bus-level failure), as
// opposed to pageFault's use when a loaded PTE fails the walk's
// validity/permission checks.
func (mmu *MMU) accessFault(access int, vaddr uint64) error {
	switch access {
	case 0:
		return Exception(CauseLoadAccessFault, vaddr)
	case 1:
		return Exception(CauseStoreAccessFault, vaddr)
	case 2:
		return Exception(CauseInsnAccessFault, vaddr)
	}
	return Exception(CauseLoadAccessFault, vaddr)
}

func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, 0)
}

func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, 1)
}

func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, 2)
}

// checkAlign enforces the TransAlign requirement from the addressed
// size: a vaddr not a multiple of size raises the misaligned cause for
// the access purpose. Fetches are always checked against Size16 (not
// the instruction's full length), since a 32-bit instruction may
// straddle a 2-byte boundary and is fetched as two halves.
func checkAlign(vaddr uint64, size int, access int) error {
	if vaddr&uint64(size-1) != 0 {
		switch access {
		case 0:
			return Exception(CauseLoadAddrMisaligned, vaddr)
		case 1:
			return Exception(CauseStoreAddrMisaligned, vaddr)
		case 2:
			return Exception(CauseInsnAddrMisaligned, vaddr)
		}
	}
	return nil
}

// TranslateReadSized translates a load of the given byte width,
// checking alignment before the walk/TLB lookup.
func (mmu *MMU) TranslateReadSized(vaddr uint64, size int) (uint64, error) {
	if err := checkAlign(vaddr, size, 0); err != nil {
		return 0, err
	}
	return mmu.Translate(vaddr, 0)
}

// TranslateWriteSized translates a store of the given byte width,
// checking alignment before the walk/TLB lookup.
func (mmu *MMU) TranslateWriteSized(vaddr uint64, size int) (uint64, error) {
	if err := checkAlign(vaddr, size, 1); err != nil {
		return 0, err
	}
	return mmu.Translate(vaddr, 1)
}

// TranslateFetchAligned translates a fetch, checking the fixed Size16
// IALIGN requirement (never Size32, even for a 32-bit instruction).
func (mmu *MMU) TranslateFetchAligned(vaddr uint64) (uint64, error) {
	if err := checkAlign(vaddr, 2, 2); err != nil {
		return 0, err
	}
	return mmu.Translate(vaddr, 2)
}
