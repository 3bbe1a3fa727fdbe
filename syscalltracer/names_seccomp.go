//go:build linux && cgo && seccomp

package syscalltracer

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
)

var seccompArches = map[string]seccomp.ScmpArch{
	"x86_64": seccomp.ArchAMD64,
	"i386":   seccomp.ArchX86,
}

// SyscallName returns the kernel name of nr, falling back to the number.
func (a *ABI) SyscallName(nr uint64) string {
	if c, ok := a.byNr[nr]; ok {
		return c.Name
	}
	if arch, ok := seccompArches[a.Name]; ok {
		if name, err := seccomp.ScmpSyscall(nr).GetNameByArch(arch); err == nil {
			return name
		}
	}
	return fmt.Sprintf("syscall_%d", nr)
}
