//go:build linux

package stackanalyzer

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

const (
	maxStackDepth = 127
	stackEntries  = 4096

	// BPF_F_USER_STACK | BPF_F_REUSE_STACKID
	stackIDFlags = 1<<8 | 1<<10

	// Offset of the syscall number in the raw_syscalls:sys_enter context.
	syscallIDOffset = 8
)

// EBPFUnwinder reads user stacks captured by a program attached to the
// raw_syscalls:sys_enter tracepoint. The program records one stack id per
// thread for the syscall numbers it was built for; the tracepoint fires
// after the ptrace entry stop, so stacks are available at the exit stop.
type EBPFUnwinder struct {
	Maps MappingSource

	stacks  *ebpf.Map
	pending *ebpf.Map
	prog    *ebpf.Program
	tp      link.Link
}

// NewEBPFUnwinder loads and attaches the stack recorder for the given
// syscall numbers. It needs CAP_BPF or root.
func NewEBPFUnwinder(maps MappingSource, syscalls []uint64) (*EBPFUnwinder, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	u := &EBPFUnwinder{Maps: maps}
	var err error
	u.stacks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "open_stacks",
		Type:       ebpf.StackTrace,
		KeySize:    4,
		ValueSize:  8 * maxStackDepth,
		MaxEntries: stackEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stack map: %w", err)
	}
	u.pending, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "open_pending",
		Type:       ebpf.LRUHash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: stackEntries,
	})
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("creating pending map: %w", err)
	}

	u.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "record_open",
		Type:         ebpf.TracePoint,
		License:      "GPL",
		Instructions: recorderProgram(syscalls, u.stacks.FD(), u.pending.FD()),
	})
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("loading objects: %w", err)
	}

	u.tp, err = link.Tracepoint("raw_syscalls", "sys_enter", u.prog, nil)
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("opening sys_enter tracepoint: %w", err)
	}
	log.Debugf("eBPF stack recorder attached for syscalls %v", syscalls)
	return u, nil
}

func recorderProgram(syscalls []uint64, stacksFD, pendingFD int) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, syscallIDOffset, asm.DWord),
	}
	for _, nr := range syscalls {
		insns = append(insns, asm.JEq.Imm(asm.R7, int32(nr), "record"))
	}
	insns = append(insns,
		asm.Ja.Label("exit"),

		asm.FnGetCurrentPidTgid.Call().WithSymbol("record"),
		asm.LSh.Imm(asm.R0, 32),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),

		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, stacksFD),
		asm.Mov.Imm(asm.R3, stackIDFlags),
		asm.FnGetStackid.Call(),
		asm.JSLT.Imm(asm.R0, 0, "exit"),
		asm.StoreMem(asm.RFP, -8, asm.R0, asm.Word),

		asm.LoadMapPtr(asm.R1, pendingFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -8),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)
	return insns
}

func (u *EBPFUnwinder) Frames(pid int) ([]Frame, error) {
	tid := uint32(pid)
	var stackID uint32
	if err := u.pending.Lookup(tid, &stackID); err != nil {
		return nil, fmt.Errorf("no stack recorded for %d: %w", pid, err)
	}
	_ = u.pending.Delete(tid)

	addresses, err := GetStackTrace(u.stacks, stackID)
	if err != nil {
		return nil, err
	}
	maps, err := u.Maps.Maps(pid)
	if err != nil {
		return nil, fmt.Errorf("reading mappings: %w", err)
	}
	return trimUnknown(maps, Symbolize(maps, addresses)), nil
}

// GetStackTrace returns the non-zero addresses stored under stackID.
func GetStackTrace(stacktraces *ebpf.Map, stackID uint32) ([]uint64, error) {
	var stackTrace [maxStackDepth]uint64
	if err := stacktraces.Lookup(stackID, &stackTrace); err != nil {
		return nil, fmt.Errorf("looking up stack %d: %w", stackID, err)
	}
	return stackAddresses(stackTrace)
}

// stackAddresses returns the entries of a stack map value up to the first
// zero.
func stackAddresses(stackTrace [maxStackDepth]uint64) ([]uint64, error) {
	var result []uint64
	for _, addr := range stackTrace {
		if addr == 0 {
			break
		}
		result = append(result, addr)
	}
	if len(result) == 0 {
		return nil, ErrEmptyStack
	}
	return result, nil
}

// Close detaches the program and releases the maps.
func (u *EBPFUnwinder) Close() error {
	if u.tp != nil {
		u.tp.Close()
	}
	if u.prog != nil {
		u.prog.Close()
	}
	if u.pending != nil {
		u.pending.Close()
	}
	if u.stacks != nil {
		u.stacks.Close()
	}
	return nil
}
