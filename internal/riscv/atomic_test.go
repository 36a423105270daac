package riscv

import "testing"

// Scenario 5: lr.w reserves an address, a matching sc.w to the same
// address succeeds (writes 0) and clears the reservation, and a
// second sc.w to the now-unreserved address fails (writes 1).
func TestLRSCSuccessThenFailsWithoutReReserve(t *testing.T) {
	m := newTestMachine(t, 64, MisaA)
	const scratch = RAMBase + 0x200

	m.CPU.WriteReg(1, RAMBase)
	loadProgram(t, m, []uint32{
		asmAddi(1, 1, int32(scratch-RAMBase)), // x1 = &scratch
		asmAddi(2, 0, 99),                     // x2 = value to store
		asmLrW(3, 1),                          // x3 = lr.w (x1), reserve
		asmScW(4, 1, 2),                       // x4 = sc.w (x1), x2 -- should succeed (0)
		asmScW(5, 1, 2),                       // x5 = sc.w (x1), x2 -- reservation gone, fails (1)
	})
	stepN(t, m, 5)

	if got := m.CPU.ReadReg(4); got != 0 {
		t.Fatalf("first sc.w result = %d, want 0 (success)", got)
	}
	if got := m.CPU.ReadReg(5); got != 1 {
		t.Fatalf("second sc.w result = %d, want 1 (failure, no live reservation)", got)
	}

	val, err := m.Bus.Read32(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if val != 99 {
		t.Fatalf("scratch = %d, want 99", val)
	}
}

// A plain store to the reserved address between lr.w and sc.w
// invalidates the reservation, so the sc.w must fail even though it
// addresses the same location it reserved.
func TestOrdinaryStoreToReservedAddressInvalidatesIt(t *testing.T) {
	m := newTestMachine(t, 64, MisaA)
	const scratch = RAMBase + 0x200

	m.CPU.WriteReg(1, RAMBase)
	loadProgram(t, m, []uint32{
		asmAddi(1, 1, int32(scratch-RAMBase)), // x1 = &scratch
		asmAddi(2, 0, 7),
		asmLrW(3, 1),    // reserve scratch
		asmSw(1, 2, 0),  // plain store to scratch clears the reservation
		asmScW(4, 1, 2), // sc.w must now fail
	})
	stepN(t, m, 5)

	if got := m.CPU.ReadReg(4); got != 1 {
		t.Fatalf("sc.w after ordinary store to the reserved address = %d, want 1 (failure)", got)
	}
}

// Reservations do not survive a trap: entering a trap between lr.w
// and sc.w must make the sc.w fail.
func TestTrapClearsReservation(t *testing.T) {
	cpu := newTestCPU(64, MisaA)
	cpu.Reservation = 0x1000
	cpu.ReservationValid = true

	cpu.HandleTrap(CauseIllegalInsn, 0)

	if cpu.ReservationValid {
		t.Fatalf("reservation still valid after trap entry")
	}
}

// Reservations do not survive MRET/SRET either.
func TestMretClearsReservation(t *testing.T) {
	cpu := newTestCPU(64, MisaA)
	cpu.Priv = PrivMachine
	cpu.Reservation = 0x2000
	cpu.ReservationValid = true

	if err := cpu.handleMret(); err != nil {
		t.Fatalf("mret: %v", err)
	}
	if cpu.ReservationValid {
		t.Fatalf("reservation still valid after mret")
	}
}
