package procstate

// Phase tells whether a syscall-stop happens before or after the call runs.
type Phase int

const (
	Entering Phase = iota
	Exiting
)

func (p Phase) String() string {
	switch p {
	case Entering:
		return "entering"
	case Exiting:
		return "exiting"
	}
	return "unknown"
}

// ProcessRecord is the tracer's bookkeeping for one traced pid.
type ProcessRecord struct {
	PID    int
	Parent int

	// Phase is the phase of the most recent syscall-stop. A fresh record
	// starts as Exiting so its first stop is an entry.
	Phase Phase
	// Syscall is the number observed at the last entering stop.
	Syscall uint64

	pendingArgs [6]uint64
	hasPending  bool

	BinaryPath string
	Cwd        string

	// awaitingAttach is set for children announced by a fork, vfork or
	// clone event until their initial SIGSTOP has been consumed.
	awaitingAttach bool
}

func newProcessRecord(pid, parent int) *ProcessRecord {
	return &ProcessRecord{PID: pid, Parent: parent, Phase: Exiting}
}

// Toggle advances the record to the next syscall-stop and returns its phase.
func (p *ProcessRecord) Toggle() Phase {
	if p.Phase == Entering {
		p.Phase = Exiting
	} else {
		p.Phase = Entering
	}
	return p.Phase
}

// Capture stores the raw argument registers seen on entry.
func (p *ProcessRecord) Capture(args [6]uint64) {
	p.pendingArgs = args
	p.hasPending = true
}

// TakePending returns and clears the captured arguments.
func (p *ProcessRecord) TakePending() ([6]uint64, bool) {
	args, ok := p.pendingArgs, p.hasPending
	p.pendingArgs, p.hasPending = [6]uint64{}, false
	return args, ok
}

// ExpectAttachStop marks the record as a freshly auto-attached child.
func (p *ProcessRecord) ExpectAttachStop() {
	p.awaitingAttach = true
}

// ConsumeAttachStop reports whether the record was waiting for its attach
// SIGSTOP and clears the flag.
func (p *ProcessRecord) ConsumeAttachStop() bool {
	was := p.awaitingAttach
	p.awaitingAttach = false
	return was
}
