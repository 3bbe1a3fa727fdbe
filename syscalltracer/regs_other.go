//go:build linux && !amd64 && !386

package syscalltracer

import "golang.org/x/sys/unix"

// No syscall table exists for this architecture; sessions fail in HostABI
// before registers are ever read.
func fromPtraceRegs(r *unix.PtraceRegs) Registers {
	return Registers{Syscall: ^uint64(0)}
}
