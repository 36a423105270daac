package riscv

import "testing"

// buildSv39 writes a single 4KiB leaf mapping vaddr -> paddr with the
// given flags into a three-level Sv39 page table rooted at rootPPN.
func buildSv39(t *testing.T, bus *Bus, rootPPN uint64, vaddr, paddr uint64, flags uint64) {
	t.Helper()
	const vpnBits = 9
	vpn := [3]uint64{
		(vaddr >> 12) & 0x1ff,
		(vaddr >> 21) & 0x1ff,
		(vaddr >> 30) & 0x1ff,
	}

	l2Addr := rootPPN << PageShift
	l1PPN := rootPPN + 1
	l0PPN := rootPPN + 2

	// Root (level 2) -> l1 table, non-leaf pointer.
	l1Pte := (l1PPN << 10) | PteV
	if err := bus.Write64(l2Addr+vpn[2]*8, l1Pte); err != nil {
		t.Fatalf("write l2 pte: %v", err)
	}
	// l1 -> l0 table, non-leaf pointer.
	l0Pte := (l0PPN << 10) | PteV
	if err := bus.Write64((l1PPN<<PageShift)+vpn[1]*8, l0Pte); err != nil {
		t.Fatalf("write l1 pte: %v", err)
	}
	// l0 leaf: maps the 4KiB page.
	leafPte := ((paddr >> PageShift) << 10) | flags | PteV | PteA | PteD
	if err := bus.Write64((l0PPN<<PageShift)+vpn[0]*8, leafPte); err != nil {
		t.Fatalf("write leaf pte: %v", err)
	}
}

func newSv39Machine(t *testing.T) (*Machine, uint64, uint64) {
	t.Helper()
	m := newTestMachine(t, 64, MisaM|MisaA|MisaC)

	const rootPPN = RAMBase >> PageShift // place the table at the base of RAM
	const vaddr = 0x0000000040000000     // arbitrary Sv39 user address, well below the canonical hole
	const paddr = RAMBase + 0x00400000   // a page well clear of the page table itself

	buildSv39(t, m.Bus, rootPPN, vaddr, paddr, PteR|PteW|PteX|PteU)

	m.CPU.Satp = (SatpModeSv39 << 60) | rootPPN
	m.CPU.Priv = PrivSupervisor
	m.CPU.Mstatus |= MstatusSUM // supervisor access to a user-accessible page is allowed
	m.MMU.FlushTLB()
	return m, vaddr, paddr
}

func TestMMUWalkResolvesMappedPage(t *testing.T) {
	m, vaddr, paddr := newSv39Machine(t)

	got, err := m.MMU.TranslateRead(vaddr + 0x123)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := paddr + 0x123; got != want {
		t.Fatalf("translate(0x%x) = 0x%x, want 0x%x", vaddr+0x123, got, want)
	}
}

// P5: a TLB-hit translation must agree with what a full page-table
// walk would produce for the same address.
func TestMMUTLBHitMatchesWalk(t *testing.T) {
	m, vaddr, paddr := newSv39Machine(t)

	first, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("first translate: %v", err)
	}

	m.MMU.FlushTLBEntry(vaddr, 0)
	walked, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("re-walk: %v", err)
	}
	if first != walked || first != paddr {
		t.Fatalf("tlb hit 0x%x != walk 0x%x (want 0x%x)", first, walked, paddr)
	}

	cached, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("cached translate: %v", err)
	}
	if cached != paddr {
		t.Fatalf("cached translate = 0x%x, want 0x%x", cached, paddr)
	}
}

// P6: sfence.vma (here exercised directly via FlushTLBEntry/FlushTLB)
// must force the next translation to reconsult the page table rather
// than return a stale cached mapping.
func TestMMUSfenceInvalidatesTLB(t *testing.T) {
	m, vaddr, paddr := newSv39Machine(t)

	if _, err := m.MMU.TranslateRead(vaddr); err != nil {
		t.Fatalf("warm the tlb: %v", err)
	}

	// Change the mapping's permissions directly in the page table and
	// invalidate: without the sfence this would still read the old
	// (cached) flags and wrongly allow the write.
	const l0PPN = (RAMBase >> PageShift) + 2
	vpn0 := (vaddr >> 12) & 0x1ff
	newPte := ((paddr >> PageShift) << 10) | PteR | PteU | PteV | PteA
	if err := m.Bus.Write64((l0PPN<<PageShift)+vpn0*8, newPte); err != nil {
		t.Fatalf("rewrite pte: %v", err)
	}

	m.MMU.FlushTLBEntry(vaddr, 0)
	if _, err := m.MMU.TranslateWrite(vaddr); err == nil {
		t.Fatalf("write succeeded against a read-only page after sfence")
	}
}

func TestMMUPageFaultOnUnmappedAddress(t *testing.T) {
	m, vaddr, _ := newSv39Machine(t)

	_, err := m.MMU.TranslateRead(vaddr + 0x10000000)
	if err == nil {
		t.Fatalf("expected page fault on unmapped address")
	}
	exc, ok := err.(ExceptionError)
	if !ok {
		t.Fatalf("error type = %T, want ExceptionError", err)
	}
	if exc.Cause != CauseLoadPageFault {
		t.Fatalf("cause = %d, want %d", exc.Cause, CauseLoadPageFault)
	}
}

// Misaligned loads at each width raise the load-misaligned cause
// before any translation is attempted.
func TestMisalignedAccessBySizeAllWidths(t *testing.T) {
	m := newTestMachine(t, 64, 0)

	cases := []struct {
		size   int
		access func(uint64) (uint64, error)
	}{
		{2, func(a uint64) (uint64, error) { return m.MMU.TranslateReadSized(a, 2) }},
		{4, func(a uint64) (uint64, error) { return m.MMU.TranslateReadSized(a, 4) }},
		{8, func(a uint64) (uint64, error) { return m.MMU.TranslateReadSized(a, 8) }},
	}
	for _, c := range cases {
		_, err := c.access(RAMBase + 1)
		if err == nil {
			t.Fatalf("size %d: expected misaligned error", c.size)
		}
		exc, ok := err.(ExceptionError)
		if !ok || exc.Cause != CauseLoadAddrMisaligned {
			t.Fatalf("size %d: err = %v, want LoadAddrMisaligned", c.size, err)
		}
	}
}

func TestFetchAlignmentIsAlways16Bit(t *testing.T) {
	m := newTestMachine(t, 64, MisaC)
	// A 2-byte-aligned but 4-byte-misaligned address is fine for fetch
	// once C is enabled, since compressed instructions only need
	// halfword alignment.
	if _, err := m.MMU.TranslateFetchAligned(RAMBase + 2); err != nil {
		t.Fatalf("halfword-aligned fetch rejected: %v", err)
	}
	if _, err := m.MMU.TranslateFetchAligned(RAMBase + 1); err == nil {
		t.Fatalf("expected misaligned fetch error")
	}
}
