//go:build linux

package syscalltracer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// traceOptions requests fork, vfork, clone, exec and exit sub-event stops
// and marks syscall-stops with 0x80.
const traceOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT | unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACECLONE

// syscallStop is the stop signal of a syscall-stop under TRACESYSGOOD.
const syscallStop = unix.SIGTRAP | 0x80

// Ptracer is the kernel tracing interface a Session drives. Every method
// must be called from the thread that started the tracee.
type Ptracer interface {
	// Start spawns cmd traced; the child stops with SIGTRAP at its exec.
	Start(cmd *exec.Cmd) (int, error)
	// Wait blocks until pid (or any tracee when pid is -1) changes state.
	Wait(pid int) (int, unix.WaitStatus, error)
	SetOptions(pid int, options int) error
	// Resume restarts pid until its next syscall-stop, delivering sig.
	Resume(pid int, sig unix.Signal) error
	EventMsg(pid int) (uint, error)
	Registers(pid int) (Registers, error)
	// ReadString reads a NUL-terminated string of at most max bytes.
	ReadString(pid int, address uint64, max int) (string, error)
	Kill(pid int) error
}

type linuxPtracer struct{}

func (linuxPtracer) Start(cmd *exec.Cmd) (int, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &unix.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func (linuxPtracer) Wait(pid int) (int, unix.WaitStatus, error) {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(pid, &status, unix.WALL, nil)
	return wpid, status, err
}

func (linuxPtracer) SetOptions(pid int, options int) error {
	return unix.PtraceSetOptions(pid, options)
}

func (linuxPtracer) Resume(pid int, sig unix.Signal) error {
	return unix.PtraceSyscall(pid, int(sig))
}

func (linuxPtracer) EventMsg(pid int) (uint, error) {
	return unix.PtraceGetEventMsg(pid)
}

func (linuxPtracer) Registers(pid int) (Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return Registers{}, err
	}
	return fromPtraceRegs(&regs), nil
}

func (linuxPtracer) ReadString(pid int, address uint64, max int) (string, error) {
	return readCString(pid, address, max)
}

func (linuxPtracer) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// StackRegisters implements stackanalyzer.RegisterReader.
func (p linuxPtracer) StackRegisters(pid int) (uint64, uint64, error) {
	regs, err := p.Registers(pid)
	if err != nil {
		return 0, 0, err
	}
	return regs.IP, regs.FP, nil
}

// ReadMemory implements stackanalyzer.MemoryReader.
func (linuxPtracer) ReadMemory(pid int, address uint64, buf []byte) error {
	n, err := processVMReadv(pid, address, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at 0x%x: %d of %d bytes", address, n, len(buf))
	}
	return nil
}

func processVMReadv(pid int, address uint64, data []byte) (int, error) {
	localIov := []unix.Iovec{{Base: &data[0]}}
	localIov[0].SetLen(len(data))
	remoteIov := []unix.RemoteIovec{{Base: uintptr(address), Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}

var pageSize = uint64(os.Getpagesize())

// readCString copies a NUL-terminated string out of pid one page-bounded
// chunk at a time, so a string ending just before an unmapped page is
// still readable.
func readCString(pid int, address uint64, max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxPathLen
	}
	var out []byte
	buf := make([]byte, pageSize)
	for len(out) < max {
		chunk := pageSize - address%pageSize
		if remaining := uint64(max - len(out)); chunk > remaining {
			chunk = remaining
		}
		n, err := processVMReadv(pid, address, buf[:chunk])
		if err != nil {
			return "", fmt.Errorf("reading 0x%x: %w", address, err)
		}
		if n == 0 {
			return "", fmt.Errorf("reading 0x%x: %w", address, unix.EFAULT)
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
		address += uint64(n)
	}
	return "", ErrStringTooLong
}
