//go:build linux && 386

package syscalltracer

import "golang.org/x/sys/unix"

func word(v int32) uint64 {
	return uint64(uint32(v))
}

func fromPtraceRegs(r *unix.PtraceRegs) Registers {
	return Registers{
		Syscall: uint64(int64(r.Orig_eax)),
		Args:    [6]uint64{word(r.Ebx), word(r.Ecx), word(r.Edx), word(r.Esi), word(r.Edi), word(r.Ebp)},
		Ret:     int64(r.Eax),
		IP:      word(r.Eip),
		FP:      word(r.Ebp),
	}
}
