package riscv

import (
	"golang.org/x/sys/unix"
)

// HTIF implements the proxy-kernel host/target interface: the guest
// writes a physical pointer (or an exit-request magic value) to
// tohost, the host services it, and acks by writing a nonzero value
// to fromhost. It replaces the SBI mechanism the ELF ABI here has no
// use for.
type HTIF struct {
	ToHostAddr   uint64
	FromHostAddr uint64

	bus BusInterface

	// ExitCode and Exited are set once the guest requests a shutdown
	// through tohost (bit 0 set).
	ExitCode int64
	Exited   bool

	// Stdout/Stdin back the SYS_write/SYS_read dispatch. Both may be
	// nil in which case those syscalls fail with EBADF.
	Stdout writerFunc
	Stdin  readerFunc
}

type writerFunc func([]byte) (int, error)
type readerFunc func([]byte) (int, error)

// NewHTIF creates a host/target interface bound to the ELF's tohost/
// fromhost symbol addresses. Either address may be zero when the
// binary defines no HTIF symbols, in which case Poll is a no-op.
func NewHTIF(bus BusInterface, toHost, fromHost uint64) *HTIF {
	return &HTIF{ToHostAddr: toHost, FromHostAddr: fromHost, bus: bus}
}

// htifMagicExit is the low bit of a tohost write that, rather than
// pointing at a syscall struct, directly encodes a shutdown request:
// (status << 1) | 1, status 0 meaning success.
const htifMagicExit = 1

// Poll checks tohost for a pending request and services it. It should
// be called between instructions (the real protocol is a polling loop,
// not an instruction trap) so that dispatch can freely touch
// guest memory through the bus.
func (h *HTIF) Poll() error {
	if h.ToHostAddr == 0 || h.Exited {
		return nil
	}

	word, err := h.bus.Read64(h.ToHostAddr)
	if err != nil || word == 0 {
		return nil
	}

	if word&htifMagicExit != 0 {
		h.ExitCode = int64(word >> 1)
		h.Exited = true
		return nil
	}

	if err := h.dispatch(word); err != nil {
		return err
	}

	// Clear tohost so the guest's next poll doesn't see a stale
	// request, and ack via fromhost.
	if err := h.bus.Write64(h.ToHostAddr, 0); err != nil {
		return err
	}
	if h.FromHostAddr != 0 {
		return h.bus.Write64(h.FromHostAddr, 1)
	}
	return nil
}

// Proxy-kernel syscall numbers, per the RISC-V Linux ABI (the "generic"
// syscall table shared with arm64). These are the guest's numbers, fixed
// by the target ISA regardless of what host OS/arch this emulator is
// built for — they must not be read off golang.org/x/sys/unix's SYS_*
// constants, which vary per host architecture (e.g. amd64's SYS_WRITE is
// 1, not 64) and would silently misdispatch every syscall on a host whose
// numbering differs from the guest's.
const (
	sysRISCVRead      = 63
	sysRISCVWrite     = 64
	sysRISCVOpenat    = 56
	sysRISCVClose     = 57
	sysRISCVFstat     = 80
	sysRISCVExit      = 93
	sysRISCVExitGroup = 94
)

// syscallStruct holds the first seven words (num, arg0..arg5) of the
// proxy-kernel's 8-word {num, arg0..arg6} layout tohost points at.
type syscallStruct struct {
	num  int64
	args [6]int64
}

func (h *HTIF) readSyscallStruct(addr uint64) (syscallStruct, error) {
	var s syscallStruct
	num, err := h.bus.Read64(addr)
	if err != nil {
		return s, err
	}
	s.num = int64(num)
	for i := 0; i < 6; i++ {
		v, err := h.bus.Read64(addr + 8 + uint64(i)*8)
		if err != nil {
			return s, err
		}
		s.args[i] = int64(v)
	}
	return s, nil
}

// dispatch services the proxy-kernel syscall pointed at by addr,
// writing the return value back over the struct's first word.
func (h *HTIF) dispatch(addr uint64) error {
	s, err := h.readSyscallStruct(addr)
	if err != nil {
		return err
	}

	var ret int64
	switch s.num {
	case sysRISCVWrite:
		ret = h.sysWrite(s.args[0], uint64(s.args[1]), s.args[2])
	case sysRISCVRead:
		ret = h.sysRead(s.args[0], uint64(s.args[1]), s.args[2])
	case sysRISCVOpenat:
		ret = -int64(unix.ENOSYS)
	case sysRISCVClose:
		ret = 0
	case sysRISCVFstat:
		ret = -int64(unix.ENOSYS)
	case sysRISCVExit, sysRISCVExitGroup:
		h.ExitCode = s.args[0]
		h.Exited = true
		ret = 0
	default:
		ret = -int64(unix.ENOSYS)
	}

	return h.bus.Write64(addr, uint64(ret))
}

func (h *HTIF) sysWrite(fd int64, bufAddr uint64, count int64) int64 {
	if h.Stdout == nil || (fd != 1 && fd != 2) || count < 0 {
		return -int64(unix.EBADF)
	}
	buf := make([]byte, count)
	for i := range buf {
		v, err := h.bus.Read8(bufAddr + uint64(i))
		if err != nil {
			return -int64(unix.EFAULT)
		}
		buf[i] = v
	}
	n, err := h.Stdout(buf)
	if err != nil {
		return -int64(unix.EIO)
	}
	return int64(n)
}

func (h *HTIF) sysRead(fd int64, bufAddr uint64, count int64) int64 {
	if h.Stdin == nil || fd != 0 || count < 0 {
		return -int64(unix.EBADF)
	}
	buf := make([]byte, count)
	n, err := h.Stdin(buf)
	if err != nil && n == 0 {
		return -int64(unix.EIO)
	}
	for i := 0; i < n; i++ {
		if err := h.bus.Write8(bufAddr+uint64(i), buf[i]); err != nil {
			return -int64(unix.EFAULT)
		}
	}
	return int64(n)
}
