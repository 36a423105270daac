package riscv

// MROM is the read-only mask-ROM region holding the reset vector and
// the flattened device tree blob. Writes are rejected with a store
// access fault; the hart never executes code that writes here.
type MROM struct {
	Data []byte
}

var _ Device = (*MROM)(nil)

// NewMROM creates a zero-filled MROM of the given size.
func NewMROM(size uint64) *MROM {
	return &MROM{Data: make([]byte, size)}
}

// WriteReset seeds the reset-vector instruction sequence and the DTB
// blob immediately following it.
func (m *MROM) WriteReset(resetCode []byte, dtb []byte) {
	copy(m.Data, resetCode)
	copy(m.Data[len(resetCode):], dtb)
}

func (m *MROM) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, Exception(CauseLoadAccessFault, offset)
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, Exception(CauseLoadAccessFault, offset)
	}
}

func (m *MROM) Write(offset uint64, size int, value uint64) error {
	return Exception(CauseStoreAccessFault, offset)
}

func (m *MROM) Size() uint64 {
	return uint64(len(m.Data))
}
