package stackanalyzer

import (
	"strings"

	"github.com/chains-project/depleash/binanalyzer"
	log "github.com/sirupsen/logrus"
)

// DefaultOpeners are the entry points through which a library is
// considered to open a file.
var DefaultOpeners = []string{"fopen", "fopen64", "_IO_fopen", "open", "open64", "__open", "__open64"}

// ImageSource hands out decoded binaries and their symbol tables.
// *binanalyzer.Cache implements it.
type ImageSource interface {
	Get(path string) (*binanalyzer.BinaryImage, error)
	Symbols(path string) (*binanalyzer.SymbolTable, error)
}

// Resolver attributes a file open to the loaded object that asked for it.
type Resolver struct {
	enabled  bool
	unwinder Unwinder
	images   ImageSource
	openers  map[string]bool
}

// NewResolver returns a Resolver. A nil unwinder disables attribution for
// the whole session and every open is attributed to the process binary.
func NewResolver(unwinder Unwinder, images ImageSource, openers []string) *Resolver {
	if len(openers) == 0 {
		openers = DefaultOpeners
	}
	set := make(map[string]bool, len(openers))
	for _, name := range openers {
		set[name] = true
	}
	return &Resolver{
		enabled:  unwinder != nil && images != nil,
		unwinder: unwinder,
		images:   images,
		openers:  set,
	}
}

// Enabled reports whether stack-based attribution is active.
func (r *Resolver) Enabled() bool {
	return r.enabled
}

// Resolve returns the path of the object that opened a file from the
// thread pid, currently stopped at the exit of an open-family syscall.
// binaryPath is the executable of pid and the answer of last resort.
func (r *Resolver) Resolve(pid int, binaryPath string) string {
	if !r.enabled {
		return binaryPath
	}

	logger := log.WithFields(log.Fields{"pid": pid, "binary": binaryPath})
	frames, err := r.unwinder.Frames(pid)
	if err != nil {
		logger.Warnf("Unwinding stack: %v", err)
		return binaryPath
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		r.logStack(logger, frames)
	}

	for i := 1; i < len(frames); i++ {
		previous := frames[i-1].Library
		if frames[i].Library == previous {
			continue
		}
		// An unknown caller ends the stack; nothing beyond it is trusted.
		if frames[i].Library == "" {
			return binaryPath
		}
		if r.calledOpener(logger, frames[i]) {
			return frames[i].Library
		}
		if previous == "" {
			return binaryPath
		}
		return previous
	}
	return binaryPath
}

// calledOpener reports whether the instruction before the return address
// of frame calls into a file opener, either directly or through one
// linkage stub.
func (r *Resolver) calledOpener(logger *log.Entry, frame Frame) bool {
	if frame.Library == "" {
		return false
	}
	img, err := r.images.Get(frame.Library)
	if err != nil {
		return false
	}

	address := frame.IP
	if img.Dynamic {
		address = frame.Offset
	}
	call, err := img.InstructionBefore(address)
	if err != nil {
		logger.WithField("library", frame.Library).Debugf("Decoding call site at 0x%x: %v", address, err)
		return false
	}
	if !call.IsCall() {
		return false
	}
	if call.ViaLinkageTable() {
		return r.openers[call.CalleeName()]
	}
	if r.openers[call.CalleeName()] {
		return true
	}
	if !call.HasTarget {
		return false
	}

	stub, err := img.InstructionAt(call.Target)
	if err != nil {
		logger.WithField("library", frame.Library).Debugf("Decoding call target 0x%x: %v", call.Target, err)
		return false
	}
	return stub.IsJump() && stub.ViaLinkageTable() && r.openers[stub.CalleeName()]
}

func (r *Resolver) logStack(logger *log.Entry, frames []Frame) {
	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		line := f.String()
		if f.Library != "" {
			if table, err := r.images.Symbols(f.Library); err == nil {
				address := f.IP
				if table.Dynamic {
					address = f.Offset
				}
				line += " (" + table.Resolve(address) + ")"
			}
		}
		lines = append(lines, line)
	}
	logger.Debugf("Call stack:\n%s", strings.Join(lines, "\n"))
}
