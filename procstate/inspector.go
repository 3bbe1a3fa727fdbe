package procstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
)

// Mapping is one row of a process memory-mapping listing.
type Mapping struct {
	Start      uint64
	End        uint64
	Offset     uint64
	Executable bool
	Path       string
}

// Contains reports whether address falls inside the mapping.
func (m Mapping) Contains(address uint64) bool {
	return address >= m.Start && address < m.End
}

// FileOffset translates address into an offset of the backing file.
func (m Mapping) FileOffset(address uint64) uint64 {
	return address - m.Start + m.Offset
}

// Inspector reads the identity and memory layout of a stopped process.
type Inspector interface {
	Executable(pid int) (string, error)
	Cwd(pid int) (string, error)
	CmdLine(pid int) ([]string, error)
	Environ(pid int) ([]string, error)
	Maps(pid int) ([]Mapping, error)
	FdPath(pid, fd int) (string, error)
}

// ProcFS is an Inspector backed by a procfs mount.
type ProcFS struct {
	root string
	fs   procfs.FS
}

func NewProcFS(mountPoint string) (*ProcFS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return &ProcFS{root: mountPoint, fs: fs}, nil
}

func (p *ProcFS) proc(pid int) (procfs.Proc, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("opening process %d: %w", pid, err)
	}
	return proc, nil
}

func (p *ProcFS) Executable(pid int) (string, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return "", err
	}
	return proc.Executable()
}

func (p *ProcFS) Cwd(pid int) (string, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return "", err
	}
	return proc.Cwd()
}

func (p *ProcFS) CmdLine(pid int) ([]string, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return nil, err
	}
	return proc.CmdLine()
}

func (p *ProcFS) Environ(pid int) ([]string, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return nil, err
	}
	return proc.Environ()
}

func (p *ProcFS) Maps(pid int) ([]Mapping, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading process %d memory maps: %w", pid, err)
	}

	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		out = append(out, Mapping{
			Start:      uint64(m.StartAddr),
			End:        uint64(m.EndAddr),
			Offset:     uint64(m.Offset),
			Executable: m.Perms != nil && m.Perms.Execute,
			Path:       m.Pathname,
		})
	}
	return out, nil
}

// FdPath resolves an open descriptor of pid. procfs only lists all
// descriptors at once, so the single link is read directly.
func (p *ProcFS) FdPath(pid, fd int) (string, error) {
	return os.Readlink(filepath.Join(p.root, strconv.Itoa(pid), "fd", strconv.Itoa(fd)))
}
