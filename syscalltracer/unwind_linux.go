//go:build linux

package syscalltracer

import (
	"github.com/chains-project/depleash/stackanalyzer"
)

// NewFramePointerUnwinder returns an unwinder that walks tracee stacks
// through ptrace. It must be used from the session's thread, which is
// the case for unwinders passed in Options.
func NewFramePointerUnwinder(maps stackanalyzer.MappingSource) (*stackanalyzer.FramePointerUnwinder, error) {
	abi, err := HostABI()
	if err != nil {
		return nil, err
	}
	return &stackanalyzer.FramePointerUnwinder{
		Registers: linuxPtracer{},
		Memory:    linuxPtracer{},
		Maps:      maps,
		WordSize:  abi.WordSize,
	}, nil
}

// NewEBPFUnwinder attaches a stack recorder for the open-family syscalls
// of the host ABI.
func NewEBPFUnwinder(maps stackanalyzer.MappingSource) (*stackanalyzer.EBPFUnwinder, error) {
	abi, err := HostABI()
	if err != nil {
		return nil, err
	}
	return stackanalyzer.NewEBPFUnwinder(maps, abi.Numbers(OpenFamily))
}
