//go:build linux && amd64

package syscalltracer

import "golang.org/x/sys/unix"

func fromPtraceRegs(r *unix.PtraceRegs) Registers {
	return Registers{
		Syscall: r.Orig_rax,
		Args:    [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		Ret:     int64(r.Rax),
		IP:      r.Rip,
		FP:      r.Rbp,
	}
}
