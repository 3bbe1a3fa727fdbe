//go:build linux

package syscalltracer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/chains-project/depleash/binanalyzer"
	"github.com/chains-project/depleash/procstate"
	"github.com/chains-project/depleash/stackanalyzer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Session traces one command and every process it spawns. A Session runs
// once and is owned by the goroutine calling Run.
type Session struct {
	opts     Options
	abi      *ABI
	ptracer  Ptracer
	registry *procstate.Registry
	resolver *stackanalyzer.Resolver
	state    State
	root     int
}

func NewSession(opts Options) (*Session, error) {
	abi, err := HostABI()
	if err != nil {
		return nil, err
	}
	inspector := opts.Inspector
	if inspector == nil {
		procFS, err := procstate.NewProcFS("")
		if err != nil {
			return nil, err
		}
		inspector = procFS
	}
	images := opts.Images
	if images == nil {
		images = binanalyzer.NewCache(binanalyzer.ObjdumpDisassembler{})
	}
	return &Session{
		opts:     opts,
		abi:      abi,
		ptracer:  linuxPtracer{},
		registry: procstate.NewRegistry(inspector),
		resolver: stackanalyzer.NewResolver(opts.Unwinder, images, opts.Openers),
		state:    Spawning,
	}, nil
}

// Run traces argv until the whole process tree has exited.
func Run(argv []string, opts Options) (*Result, error) {
	s, err := NewSession(opts)
	if err != nil {
		return &Result{}, err
	}
	return s.Run(argv)
}

func (s *Session) State() State {
	return s.state
}

// Run spawns argv traced and dispatches stops until no tracee is left.
// The returned Result is never nil.
func (s *Session) Run(argv []string) (*Result, error) {
	if len(argv) == 0 {
		return s.result(), s.fail(0, errors.New("empty command"))
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := s.bootstrap(argv); err != nil {
		return s.result(), s.fail(s.root, err)
	}

	s.state = Dispatching
	log.WithFields(log.Fields{"pid": s.root, "attribution": s.resolver.Enabled()}).Debug("Tracing process tree")
	for {
		pid, status, err := s.ptracer.Wait(-1)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return s.result(), s.fail(pid, &TracerError{Op: "wait4", PID: pid, Err: err})
		}
		if pid <= 0 {
			return s.result(), s.fail(pid, ErrWaitAnomaly)
		}
		s.dispatch(pid, status)
	}

	s.state = TerminatedSuccess
	log.WithField("processes", len(s.registry.Processes())).Debug("Process tree exited")
	return s.result(), nil
}

func (s *Session) bootstrap(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = s.opts.Env
	cmd.Stdin = orFile(s.opts.Stdin, os.Stdin)
	cmd.Stdout = orFile(s.opts.Stdout, os.Stdout)
	cmd.Stderr = orFile(s.opts.Stderr, os.Stderr)

	pid, err := s.ptracer.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: starting %s: %w", ErrBootstrap, argv[0], err)
	}
	s.root = pid

	wpid, status, err := s.ptracer.Wait(pid)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, &TracerError{Op: "wait4", PID: pid, Err: err})
	}
	if wpid != pid || !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		_ = s.ptracer.Kill(pid)
		return fmt.Errorf("%w: pid %d reported status 0x%x", ErrBootstrap, wpid, uint32(status))
	}

	if err := s.ptracer.SetOptions(pid, traceOptions); err != nil {
		_ = s.ptracer.Kill(pid)
		return &TracerError{Op: "ptrace set options", PID: pid, Err: err}
	}
	if _, err := s.registry.Register(pid, 0); err != nil {
		log.WithField("pid", pid).Warnf("Resolving traced process: %v", err)
	}
	s.state = Attached

	if err := s.ptracer.Resume(pid, 0); err != nil {
		_ = s.ptracer.Kill(pid)
		return &TracerError{Op: "ptrace syscall", PID: pid, Err: err}
	}
	return nil
}

func (s *Session) fail(pid int, err error) error {
	s.state = TerminatedFailure
	fields := log.Fields{"pid": pid}
	if rec, ok := s.registry.Get(pid); ok {
		fields["phase"] = rec.Phase.String()
	}
	log.WithFields(fields).Errorf("Trace session failed: %v", err)
	return err
}

func (s *Session) result() *Result {
	return &Result{
		Success:      s.state == TerminatedSuccess,
		Dependencies: s.registry.Dependencies,
		Files:        s.registry.Files,
		Snapshots:    s.registry.Snapshots,
		Processes:    s.registry.Processes(),
	}
}

func (s *Session) dispatch(pid int, status unix.WaitStatus) {
	switch {
	case status.Exited():
		s.registry.Remove(pid)
		log.WithFields(log.Fields{"pid": pid, "code": status.ExitStatus(), "live": s.registry.Len()}).Debug("Process exited")
		return
	case status.Signaled():
		s.registry.Remove(pid)
		log.WithFields(log.Fields{"pid": pid, "signal": status.Signal(), "live": s.registry.Len()}).Debug("Process killed by signal")
		return
	case !status.Stopped():
		return
	}

	rec, known := s.registry.Get(pid)
	if !known {
		var err error
		if rec, err = s.registry.Register(pid, 0); err != nil {
			log.WithField("pid", pid).Warnf("Resolving traced process: %v", err)
		}
	}

	var relay unix.Signal
	switch sig := status.StopSignal(); {
	case sig == syscallStop:
		s.onSyscall(rec)
	case sig == unix.SIGTRAP && status.TrapCause() > 0:
		s.onEvent(rec, status.TrapCause())
	case sig == unix.SIGSTOP && (!known || rec.ConsumeAttachStop()):
		log.WithField("pid", pid).Debug("Swallowed attach stop")
	default:
		relay = sig
		log.WithFields(log.Fields{"pid": pid, "signal": sig}).Debug("Relaying signal")
	}

	if err := s.ptracer.Resume(pid, relay); err != nil {
		// The tracee can die between the stop and the resume.
		log.WithFields(log.Fields{"pid": pid, "phase": rec.Phase}).Debugf("Resuming: %v", err)
	}
}

func (s *Session) onEvent(rec *procstate.ProcessRecord, event int) {
	logger := log.WithField("pid", rec.PID)
	switch event {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := s.ptracer.EventMsg(rec.PID)
		if err != nil {
			logger.Warnf("Reading new child pid: %v", err)
			return
		}
		child := int(msg)
		if _, seen := s.registry.Get(child); seen {
			s.registry.SetParent(child, rec.PID)
			return
		}
		created, err := s.registry.Register(child, rec.PID)
		if err != nil {
			logger.WithField("child", child).Warnf("Resolving new child: %v", err)
		}
		created.ExpectAttachStop()
		logger.WithField("child", child).Debug("New traced child")

	case unix.PTRACE_EVENT_EXEC:
		if msg, err := s.ptracer.EventMsg(rec.PID); err == nil && int(msg) != rec.PID {
			if former, ok := s.registry.Get(int(msg)); ok {
				rec.Phase, rec.Syscall = former.Phase, former.Syscall
				s.registry.Remove(former.PID)
			}
		}
		if _, err := s.registry.Refresh(rec.PID); err != nil {
			logger.Warnf("Resolving executed binary: %v", err)
			return
		}
		logger.WithField("binary", rec.BinaryPath).Debug("Exec")

	case unix.PTRACE_EVENT_EXIT:
		logger.Trace("Exiting")
	}
}

func (s *Session) onSyscall(rec *procstate.ProcessRecord) {
	regs, err := s.ptracer.Registers(rec.PID)
	if err != nil {
		log.WithFields(log.Fields{"pid": rec.PID, "phase": rec.Phase}).Warnf("Reading registers: %v", err)
		return
	}

	phase := rec.Toggle()
	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithFields(log.Fields{"pid": rec.PID, "phase": phase}).Tracef("%s = %d", s.abi.SyscallName(regs.Syscall), regs.Ret)
	}

	if phase == procstate.Entering {
		rec.Syscall = regs.Syscall
		if call, ok := s.abi.Lookup(regs.Syscall); ok && call.Family == OpenFamily {
			rec.Capture(regs.Args)
		}
		return
	}

	if regs.Syscall != rec.Syscall {
		if regs.InSyscall() {
			log.WithFields(log.Fields{"pid": rec.PID, "phase": phase}).
				Warnf("Syscall mismatch: entered %d, exited %d", rec.Syscall, regs.Syscall)
		}
		rec.Syscall = regs.Syscall
		rec.TakePending()
		return
	}

	call, ok := s.abi.Lookup(regs.Syscall)
	if !ok {
		return
	}
	switch call.Family {
	case OpenFamily:
		s.onOpen(rec, call, regs)
	case MmapFamily:
		if regs.Failed() {
			return
		}
		added, err := s.registry.UpdateSharedLibraries(rec)
		if err != nil {
			log.WithField("pid", rec.PID).Warnf("Scanning mappings: %v", err)
			return
		}
		for _, lib := range added {
			log.WithFields(log.Fields{"pid": rec.PID, "binary": rec.BinaryPath, "library": lib}).Debug("New dependency")
		}
	}
}

func (s *Session) onOpen(rec *procstate.ProcessRecord, call Call, regs Registers) {
	args, ok := rec.TakePending()
	if !ok || regs.Failed() {
		return
	}
	logger := log.WithFields(log.Fields{"pid": rec.PID, "phase": rec.Phase})

	path, err := s.ptracer.ReadString(rec.PID, args[call.PathArg], s.opts.maxPathLen())
	if err != nil {
		logger.Warnf("Reading %s path: %v", call.Name, err)
		return
	}

	if !strings.HasPrefix(path, "/") {
		base, err := s.baseDir(rec, call, args)
		if err != nil {
			logger.Warnf("Resolving base of relative path %q: %v", path, err)
		}
		path = procstate.RelativePath(base, path)
	}

	library := s.resolver.Resolve(rec.PID, rec.BinaryPath)
	s.registry.RecordFileAccess(library, rec, path)
	logger.WithFields(log.Fields{"library": library, "path": path}).Debug("File opened")
}

// baseDir returns the directory a relative path of call is resolved from.
func (s *Session) baseDir(rec *procstate.ProcessRecord, call Call, args [6]uint64) (string, error) {
	if call.DirfdArg >= 0 {
		if fd := int32(uint32(args[call.DirfdArg])); fd != unix.AT_FDCWD {
			return s.registry.DescriptorPath(rec, int(fd))
		}
	}
	return s.registry.WorkingDir(rec)
}

func orFile(f, def *os.File) *os.File {
	if f != nil {
		return f
	}
	return def
}
