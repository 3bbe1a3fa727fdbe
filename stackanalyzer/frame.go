package stackanalyzer

import (
	"errors"
	"fmt"

	"github.com/chains-project/depleash/procstate"
)

// ErrEmptyStack is returned by an Unwinder that could not produce a
// single frame for a stopped thread.
var ErrEmptyStack = errors.New("empty stack trace")

// Frame is one entry of a user-space call stack, innermost first.
type Frame struct {
	// Library is the path of the object mapped at IP, empty when IP is
	// outside every file-backed mapping.
	Library string
	// Offset is IP translated into a file offset of Library.
	Offset uint64
	IP     uint64
}

func (f Frame) String() string {
	if f.Library == "" {
		return fmt.Sprintf("[unknown] 0x%x", f.IP)
	}
	return fmt.Sprintf("%s+0x%x", f.Library, f.Offset)
}

// Unwinder produces the call stack of a thread stopped at a syscall.
type Unwinder interface {
	Frames(pid int) ([]Frame, error)
}

// MappingSource lists the memory mappings of a stopped process.
type MappingSource interface {
	Maps(pid int) ([]procstate.Mapping, error)
}

// Symbolize attributes every address to the mapping that contains it.
func Symbolize(maps []procstate.Mapping, addresses []uint64) []Frame {
	frames := make([]Frame, 0, len(addresses))
	for _, ip := range addresses {
		frame := Frame{IP: ip}
		for _, m := range maps {
			if m.Path != "" && m.Contains(ip) {
				frame.Library = m.Path
				frame.Offset = m.FileOffset(ip)
				break
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

// executableAt reports whether address lies in an executable file-backed
// mapping, the only place a return address can point to.
func executableAt(maps []procstate.Mapping, address uint64) bool {
	for _, m := range maps {
		if m.Executable && m.Path != "" && m.Contains(address) {
			return true
		}
	}
	return false
}

// trimUnknown cuts frames at the first caller frame outside every
// executable mapping. Unwinders relying on frame pointers read garbage
// once they reach code that uses the frame register for data.
func trimUnknown(maps []procstate.Mapping, frames []Frame) []Frame {
	for i := 1; i < len(frames); i++ {
		if !executableAt(maps, frames[i].IP) {
			return frames[:i]
		}
	}
	return frames
}
