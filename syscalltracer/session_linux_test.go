//go:build linux

package syscalltracer

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/chains-project/depleash/procstate"
	"github.com/chains-project/depleash/stackanalyzer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const rootPID = 100

func stopped(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(0x7f | int(sig)<<8)
}

func event(ev int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | int(unix.SIGTRAP)<<8 | ev<<16)
}

func exited(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

var syscallStopStatus = stopped(syscallStop)

type waitResult struct {
	pid    int
	status unix.WaitStatus
	err    error
}

type resume struct {
	pid int
	sig unix.Signal
}

type fakePtracer struct {
	waits     []waitResult
	regs      map[int][]Registers
	strings   map[uint64]string
	eventMsgs map[int][]uint
	resumes   []resume
	options   map[int]int
	killed    []int
}

func newFakePtracer(waits ...waitResult) *fakePtracer {
	return &fakePtracer{
		waits:     waits,
		regs:      make(map[int][]Registers),
		strings:   make(map[uint64]string),
		eventMsgs: make(map[int][]uint),
		options:   make(map[int]int),
	}
}

func (f *fakePtracer) Start(cmd *exec.Cmd) (int, error) {
	return rootPID, nil
}

func (f *fakePtracer) Wait(pid int) (int, unix.WaitStatus, error) {
	if len(f.waits) == 0 {
		return -1, 0, unix.ECHILD
	}
	w := f.waits[0]
	f.waits = f.waits[1:]
	return w.pid, w.status, w.err
}

func (f *fakePtracer) SetOptions(pid int, options int) error {
	f.options[pid] = options
	return nil
}

func (f *fakePtracer) Resume(pid int, sig unix.Signal) error {
	f.resumes = append(f.resumes, resume{pid, sig})
	return nil
}

func (f *fakePtracer) EventMsg(pid int) (uint, error) {
	msgs := f.eventMsgs[pid]
	if len(msgs) == 0 {
		return 0, unix.ESRCH
	}
	f.eventMsgs[pid] = msgs[1:]
	return msgs[0], nil
}

func (f *fakePtracer) Registers(pid int) (Registers, error) {
	queue := f.regs[pid]
	if len(queue) == 0 {
		return Registers{}, unix.ESRCH
	}
	f.regs[pid] = queue[1:]
	return queue[0], nil
}

func (f *fakePtracer) ReadString(pid int, address uint64, max int) (string, error) {
	s, ok := f.strings[address]
	if !ok {
		return "", unix.EFAULT
	}
	if len(s) > max {
		return "", ErrStringTooLong
	}
	return s, nil
}

func (f *fakePtracer) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

// syscall queues an entry and an exit register snapshot for pid and
// returns the two matching wait results.
func (f *fakePtracer) syscall(pid int, nr uint64, args [6]uint64, ret int64) []waitResult {
	f.regs[pid] = append(f.regs[pid],
		Registers{Syscall: nr, Args: args, Ret: -int64(unix.ENOSYS)},
		Registers{Syscall: nr, Args: args, Ret: ret},
	)
	return []waitResult{{pid, syscallStopStatus, nil}, {pid, syscallStopStatus, nil}}
}

type fakeProc struct {
	exe  string
	cwd  string
	args []string
	env  []string
	maps []procstate.Mapping
	fds  map[int]string
}

type fakeInspector map[int]*fakeProc

func (f fakeInspector) get(pid int) (*fakeProc, error) {
	p, ok := f[pid]
	if !ok {
		return nil, unix.ESRCH
	}
	return p, nil
}

func (f fakeInspector) Executable(pid int) (string, error) {
	p, err := f.get(pid)
	if err != nil {
		return "", err
	}
	return p.exe, nil
}

func (f fakeInspector) Cwd(pid int) (string, error) {
	p, err := f.get(pid)
	if err != nil {
		return "", err
	}
	return p.cwd, nil
}

func (f fakeInspector) CmdLine(pid int) ([]string, error) {
	p, err := f.get(pid)
	if err != nil {
		return nil, err
	}
	return p.args, nil
}

func (f fakeInspector) Environ(pid int) ([]string, error) {
	p, err := f.get(pid)
	if err != nil {
		return nil, err
	}
	return p.env, nil
}

func (f fakeInspector) Maps(pid int) ([]procstate.Mapping, error) {
	p, err := f.get(pid)
	if err != nil {
		return nil, err
	}
	return p.maps, nil
}

func (f fakeInspector) FdPath(pid, fd int) (string, error) {
	p, err := f.get(pid)
	if err != nil {
		return "", err
	}
	path, ok := p.fds[fd]
	if !ok {
		return "", unix.EBADF
	}
	return path, nil
}

func newTestSession(p Ptracer, insp fakeInspector) *Session {
	return &Session{
		abi:      AMD64,
		ptracer:  p,
		registry: procstate.NewRegistry(insp),
		resolver: stackanalyzer.NewResolver(nil, nil, nil),
		state:    Spawning,
	}
}

var bootstrapStop = waitResult{rootPID, stopped(unix.SIGTRAP), nil}

func appInspector() fakeInspector {
	return fakeInspector{rootPID: {exe: "/bin/app", cwd: "/work", args: []string{"app"}, env: []string{"HOME=/root"}}}
}

func script(parts ...[]waitResult) []waitResult {
	var out []waitResult
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestRun_RecordsAbsoluteOpen(t *testing.T) {
	p := newFakePtracer()
	p.strings[0x1000] = "/etc/hostname"
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 2, [6]uint64{0x1000}, 3),
		[]waitResult{{rootPID, exited(0), nil}},
	)
	s := newTestSession(p, appInspector())

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, TerminatedSuccess, s.State())
	assert.True(t, result.Files.Files("/bin/app", "/bin/app").Contains("/etc/hostname"))
	assert.Equal(t, traceOptions, p.options[rootPID])
	for _, r := range p.resumes {
		assert.Equal(t, unix.Signal(0), r.sig)
	}
	assert.Equal(t, []string{"app"}, result.Snapshots["/bin/app"].Args)
}

func TestRun_RelativePaths(t *testing.T) {
	p := newFakePtracer()
	p.strings[0x1000] = "data.txt"
	p.strings[0x2000] = "conf/x.ini"
	fdcwd := int32(unix.AT_FDCWD)
	atFdcwd := uint64(uint32(fdcwd))
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 257, [6]uint64{atFdcwd, 0x1000}, 3),
		p.syscall(rootPID, 257, [6]uint64{5, 0x2000}, 4),
		p.syscall(rootPID, 2, [6]uint64{0x1000}, 6),
	)
	insp := appInspector()
	insp[rootPID].fds = map[int]string{5: "/etc"}
	s := newTestSession(p, insp)

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.Equal(t,
		[]string{"$/etc$conf/x.ini", "$/work$data.txt"},
		result.Files.Files("/bin/app", "/bin/app").Sorted())
}

// chdirPtracer moves the root process to dir when its registers are first
// read, after the session registered it.
type chdirPtracer struct {
	*fakePtracer
	insp fakeInspector
	dir  string
}

func (p chdirPtracer) Registers(pid int) (Registers, error) {
	p.insp[pid].cwd = p.dir
	return p.fakePtracer.Registers(pid)
}

func TestRun_RelativePathUsesCurrentCwd(t *testing.T) {
	p := newFakePtracer()
	p.strings[0x1000] = "a"
	insp := appInspector()
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 2, [6]uint64{0x1000}, 3),
	)
	s := newTestSession(chdirPtracer{fakePtracer: p, insp: insp, dir: "/moved"}, insp)

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.True(t, result.Files.Files("/bin/app", "/bin/app").Contains("$/moved$a"))
}

func TestRun_IgnoresFailedAndUnreadableOpens(t *testing.T) {
	p := newFakePtracer()
	p.strings[0x1000] = "/missing"
	p.strings[0x3000] = "/etc/very/long/path"
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 2, [6]uint64{0x1000}, -int64(unix.ENOENT)),
		p.syscall(rootPID, 2, [6]uint64{0x2000}, 3),
		p.syscall(rootPID, 2, [6]uint64{0x3000}, 3),
	)
	s := newTestSession(p, appInspector())
	s.opts.MaxPathLen = 8

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Files)
}

func TestRun_PhaseMismatchDropsPendingOpen(t *testing.T) {
	p := newFakePtracer()
	p.strings[0x1000] = "/etc/passwd"
	p.strings[0x2000] = "/etc/group"
	p.regs[rootPID] = []Registers{
		{Syscall: 2, Args: [6]uint64{0x1000}},
		{Syscall: 3, Ret: 0},
	}
	p.waits = []waitResult{bootstrapStop, {rootPID, syscallStopStatus, nil}, {rootPID, syscallStopStatus, nil}}
	p.waits = append(p.waits, p.syscall(rootPID, 2, [6]uint64{0x2000}, 3)...)
	s := newTestSession(p, appInspector())

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/group"}, result.Files.Files("/bin/app", "/bin/app").Sorted())
}

func TestRun_PhaseAlternates(t *testing.T) {
	p := newFakePtracer()
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 0, [6]uint64{}, 0),
		p.syscall(rootPID, 1, [6]uint64{}, 0),
	)
	// Stop before the final exit to observe the record.
	p.waits = p.waits[:len(p.waits)-1]
	s := newTestSession(p, appInspector())

	_, err := s.Run([]string{"/bin/app"})
	require.NoError(t, err)

	rec, ok := s.registry.Get(rootPID)
	require.True(t, ok)
	assert.Equal(t, procstate.Entering, rec.Phase)
	assert.Equal(t, uint64(1), rec.Syscall)
}

func TestRun_RelaysSignals(t *testing.T) {
	p := newFakePtracer(
		bootstrapStop,
		waitResult{rootPID, stopped(unix.SIGUSR1), nil},
		waitResult{rootPID, stopped(unix.SIGSTOP), nil},
		waitResult{rootPID, exited(0), nil},
	)
	s := newTestSession(p, appInspector())

	_, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.Equal(t, []resume{{rootPID, 0}, {rootPID, unix.SIGUSR1}, {rootPID, unix.SIGSTOP}}, p.resumes)
}

func TestRun_SwallowsAttachStopOfNewChild(t *testing.T) {
	const child = 101
	p := newFakePtracer(
		bootstrapStop,
		waitResult{rootPID, event(unix.PTRACE_EVENT_FORK), nil},
		waitResult{child, stopped(unix.SIGSTOP), nil},
		waitResult{child, stopped(unix.SIGSTOP), nil},
		waitResult{child, exited(0), nil},
		waitResult{rootPID, exited(0), nil},
	)
	p.eventMsgs[rootPID] = []uint{child}
	insp := appInspector()
	insp[child] = &fakeProc{exe: "/bin/app", cwd: "/work"}
	s := newTestSession(p, insp)

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.Equal(t, []resume{{rootPID, 0}, {rootPID, 0}, {child, 0}, {child, unix.SIGSTOP}}, p.resumes)
	assert.Equal(t, []procstate.ProcessSummary{
		{PID: rootPID, Binaries: []string{"/bin/app"}},
		{PID: child, Parent: rootPID, Binaries: []string{"/bin/app"}},
	}, result.Processes)
}

func TestRun_ChildStopBeforeForkEvent(t *testing.T) {
	const child = 101
	p := newFakePtracer(
		bootstrapStop,
		waitResult{child, stopped(unix.SIGSTOP), nil},
		waitResult{rootPID, event(unix.PTRACE_EVENT_CLONE), nil},
		waitResult{child, stopped(unix.SIGSTOP), nil},
	)
	p.eventMsgs[rootPID] = []uint{child}
	insp := appInspector()
	insp[child] = &fakeProc{exe: "/bin/app"}
	s := newTestSession(p, insp)

	result, err := s.Run([]string{"/bin/app"})

	require.NoError(t, err)
	assert.Equal(t, resume{child, 0}, p.resumes[1])
	assert.Equal(t, resume{child, unix.SIGSTOP}, p.resumes[3])
	assert.Equal(t, rootPID, result.Processes[1].Parent)
}

// swappingPtracer changes the executable reported for a pid when its exec
// event is read, like the kernel does.
type swappingPtracer struct {
	*fakePtracer
	insp fakeInspector
	exe  string
}

func (p swappingPtracer) EventMsg(pid int) (uint, error) {
	p.insp[pid].exe = p.exe
	return p.fakePtracer.EventMsg(pid)
}

func TestRun_ExecRefreshesIdentity(t *testing.T) {
	const thread = 102
	p := newFakePtracer(
		bootstrapStop,
		waitResult{thread, stopped(unix.SIGSTOP), nil},
		waitResult{rootPID, event(unix.PTRACE_EVENT_EXEC), nil},
		waitResult{rootPID, exited(0), nil},
	)
	p.eventMsgs[rootPID] = []uint{thread}
	insp := fakeInspector{
		rootPID: {exe: "/bin/sh", args: []string{"sh"}},
		thread:  {exe: "/bin/sh"},
	}
	s := newTestSession(swappingPtracer{fakePtracer: p, insp: insp, exe: "/bin/cat"}, insp)

	result, err := s.Run([]string{"/bin/sh"})

	require.NoError(t, err)
	_, threadKnown := s.registry.Get(thread)
	assert.False(t, threadKnown)
	assert.Equal(t, []string{"/bin/sh", "/bin/cat"}, result.Processes[0].Binaries)
	assert.Contains(t, result.Snapshots, "/bin/sh")
	assert.Contains(t, result.Snapshots, "/bin/cat")
}

func TestRun_MmapMergesSharedLibraries(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "app")
	lib := filepath.Join(dir, "libfoo.so")
	require.NoError(t, os.WriteFile(binary, []byte{0x7f}, 0o755))
	require.NoError(t, os.WriteFile(lib, []byte{0x7f}, 0o644))

	p := newFakePtracer()
	p.waits = script(
		[]waitResult{bootstrapStop},
		p.syscall(rootPID, 9, [6]uint64{}, 0x7f0000000000),
		p.syscall(rootPID, 9, [6]uint64{}, -int64(unix.ENOMEM)),
	)
	insp := fakeInspector{rootPID: {exe: binary, maps: []procstate.Mapping{
		{Start: 0x400000, End: 0x401000, Executable: true, Path: binary},
		{Start: 0x7f0000000000, End: 0x7f0000001000, Executable: true, Path: lib},
		{Start: 0x7f0000001000, End: 0x7f0000002000, Path: lib},
		{Start: 0x7ffd00000000, End: 0x7ffd00001000, Executable: true, Path: "[vdso]"},
	}}}
	s := newTestSession(p, insp)

	result, err := s.Run([]string{binary})

	require.NoError(t, err)
	assert.Equal(t, []string{lib}, result.Dependencies[binary])
}

func TestRun_BootstrapFailure(t *testing.T) {
	p := newFakePtracer(waitResult{rootPID, exited(1), nil})
	s := newTestSession(p, appInspector())

	result, err := s.Run([]string{"/bin/app"})

	assert.ErrorIs(t, err, ErrBootstrap)
	assert.False(t, result.Success)
	assert.Equal(t, TerminatedFailure, s.State())
	assert.Equal(t, []int{rootPID}, p.killed)
	assert.Empty(t, p.resumes)
}

func TestRun_WaitAnomaly(t *testing.T) {
	p := newFakePtracer(bootstrapStop, waitResult{0, 0, nil})
	s := newTestSession(p, appInspector())

	result, err := s.Run([]string{"/bin/app"})

	assert.ErrorIs(t, err, ErrWaitAnomaly)
	assert.False(t, result.Success)
	assert.NotNil(t, result.Dependencies)
}

func TestRun_WaitErrors(t *testing.T) {
	p := newFakePtracer(
		bootstrapStop,
		waitResult{-1, 0, unix.EINTR},
		waitResult{-1, 0, unix.EINVAL},
	)
	s := newTestSession(p, appInspector())

	result, err := s.Run([]string{"/bin/app"})

	var tracerErr *TracerError
	require.True(t, errors.As(err, &tracerErr))
	assert.Equal(t, "wait4", tracerErr.Op)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.False(t, result.Success)
}

func TestRun_EmptyCommand(t *testing.T) {
	s := newTestSession(newFakePtracer(), appInspector())

	result, err := s.Run(nil)

	assert.Error(t, err)
	assert.False(t, result.Success)
}
