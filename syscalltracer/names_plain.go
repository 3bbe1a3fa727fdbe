//go:build linux && !(cgo && seccomp)

package syscalltracer

import "fmt"

// SyscallName returns the name of nr for tracked calls and the number
// otherwise.
func (a *ABI) SyscallName(nr uint64) string {
	if c, ok := a.byNr[nr]; ok {
		return c.Name
	}
	return fmt.Sprintf("syscall_%d", nr)
}
