package syscalltracer

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
)

// ErrUnsupportedArch is returned for architectures without a syscall table.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Family groups the syscalls the tracer acts on.
type Family int

const (
	Untracked Family = iota
	OpenFamily
	MmapFamily
)

// Call describes one syscall of an ABI.
type Call struct {
	Name   string
	Nr     uint64
	Family Family
	// PathArg is the argument index of the path of an open-family call.
	PathArg int
	// DirfdArg is the argument index of the directory descriptor the path
	// is relative to, or -1 when relative paths resolve against the cwd.
	DirfdArg int
}

// ABI is the syscall table of one architecture, selected once per session.
type ABI struct {
	Name     string
	WordSize int
	byNr     map[uint64]Call
}

func newABI(name string, wordSize int, calls ...Call) *ABI {
	abi := &ABI{
		Name:     name,
		WordSize: wordSize,
		byNr:     make(map[uint64]Call, len(calls)),
	}
	for _, c := range calls {
		abi.byNr[c.Nr] = c
	}
	return abi
}

var (
	AMD64 = newABI("x86_64", 8,
		Call{Name: "open", Nr: 2, Family: OpenFamily, PathArg: 0, DirfdArg: -1},
		Call{Name: "openat", Nr: 257, Family: OpenFamily, PathArg: 1, DirfdArg: 0},
		Call{Name: "mmap", Nr: 9, Family: MmapFamily, DirfdArg: -1},
	)
	I386 = newABI("i386", 4,
		Call{Name: "open", Nr: 5, Family: OpenFamily, PathArg: 0, DirfdArg: -1},
		Call{Name: "openat", Nr: 295, Family: OpenFamily, PathArg: 1, DirfdArg: 0},
		Call{Name: "mmap", Nr: 90, Family: MmapFamily, DirfdArg: -1},
		Call{Name: "mmap2", Nr: 192, Family: MmapFamily, DirfdArg: -1},
	)
)

// ABIFor returns the syscall table for a GOARCH value.
func ABIFor(goarch string) (*ABI, error) {
	switch goarch {
	case "amd64":
		return AMD64, nil
	case "386":
		return I386, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, goarch)
}

// HostABI returns the syscall table of the running binary.
func HostABI() (*ABI, error) {
	return ABIFor(runtime.GOARCH)
}

// Lookup returns the tracked call with number nr.
func (a *ABI) Lookup(nr uint64) (Call, bool) {
	c, ok := a.byNr[nr]
	return c, ok
}

// Numbers returns the sorted numbers of every call in family.
func (a *ABI) Numbers(family Family) []uint64 {
	var out []uint64
	for nr, c := range a.byNr {
		if c.Family == family {
			out = append(out, nr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
