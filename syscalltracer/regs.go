package syscalltracer

// Registers is the architecture-neutral view of a stopped thread's
// registers at a syscall-stop.
type Registers struct {
	// Syscall is the original syscall number, all ones when the stop is not
	// inside a syscall.
	Syscall uint64
	Args    [6]uint64
	// Ret is the return value, sign-extended from the ABI word width.
	Ret int64
	IP  uint64
	FP  uint64
}

// Failed reports whether Ret is an errno.
func (r Registers) Failed() bool {
	return r.Ret < 0 && r.Ret > -4096
}

// InSyscall reports whether the stop carries a syscall number.
func (r Registers) InSyscall() bool {
	return int64(r.Syscall) != -1
}
