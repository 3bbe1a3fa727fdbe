package stackanalyzer

import (
	"encoding/binary"
	"fmt"
)

const defaultMaxDepth = 64

// MemoryReader copies memory out of a stopped process.
type MemoryReader interface {
	ReadMemory(pid int, address uint64, buf []byte) error
}

// RegisterReader returns the instruction and frame pointer of a stopped
// thread.
type RegisterReader interface {
	StackRegisters(pid int) (ip, fp uint64, err error)
}

// FramePointerUnwinder walks the saved frame-pointer chain of a stopped
// thread. The walk ends at the first return address outside executable
// code, which is where objects built without frame pointers leave it.
type FramePointerUnwinder struct {
	Registers RegisterReader
	Memory    MemoryReader
	Maps      MappingSource
	// WordSize is the pointer width of the traced ABI, 8 or 4.
	WordSize int
	MaxDepth int
}

func (u *FramePointerUnwinder) Frames(pid int) ([]Frame, error) {
	ip, fp, err := u.Registers.StackRegisters(pid)
	if err != nil {
		return nil, fmt.Errorf("reading registers: %w", err)
	}
	maps, err := u.Maps.Maps(pid)
	if err != nil {
		return nil, fmt.Errorf("reading mappings: %w", err)
	}

	maxDepth := u.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	word := uint64(u.wordSize())

	addresses := []uint64{ip}
	for len(addresses) < maxDepth && fp != 0 {
		next, err := u.readWord(pid, fp)
		if err != nil {
			break
		}
		ret, err := u.readWord(pid, fp+word)
		if err != nil || !executableAt(maps, ret) {
			break
		}
		addresses = append(addresses, ret)
		// The chain grows towards higher addresses; anything else is garbage.
		if next <= fp {
			break
		}
		fp = next
	}
	return Symbolize(maps, addresses), nil
}

func (u *FramePointerUnwinder) wordSize() int {
	if u.WordSize == 4 {
		return 4
	}
	return 8
}

func (u *FramePointerUnwinder) readWord(pid int, address uint64) (uint64, error) {
	buf := make([]byte, u.wordSize())
	if err := u.Memory.ReadMemory(pid, address, buf); err != nil {
		return 0, err
	}
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}
