package procstate

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// ProcessSummary describes a pid observed during a session.
type ProcessSummary struct {
	PID      int      `json:"pid" yaml:"pid"`
	Parent   int      `json:"parent,omitempty" yaml:"parent,omitempty"`
	Binaries []string `json:"binaries" yaml:"binaries"`
}

// Registry owns one ProcessRecord per live traced pid together with the
// dependency, file-access and identity maps those processes populate.
// It is not safe for concurrent use; a trace session is its only owner.
type Registry struct {
	inspector Inspector
	records   map[int]*ProcessRecord

	history map[int]*ProcessSummary
	order   []int

	Dependencies DependencySet
	Files        FileAccessLog
	Snapshots    Snapshots
}

func NewRegistry(inspector Inspector) *Registry {
	return &Registry{
		inspector:    inspector,
		records:      make(map[int]*ProcessRecord),
		history:      make(map[int]*ProcessSummary),
		Dependencies: make(DependencySet),
		Files:        make(FileAccessLog),
		Snapshots:    make(Snapshots),
	}
}

func (r *Registry) Get(pid int) (*ProcessRecord, bool) {
	rec, ok := r.records[pid]
	return rec, ok
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	return len(r.records)
}

// Register returns the record for pid, creating it and resolving its
// identity on first sight. The record is stored even when identity
// resolution fails; the error is returned for the caller to log.
func (r *Registry) Register(pid, parent int) (*ProcessRecord, error) {
	if rec, ok := r.records[pid]; ok {
		return rec, nil
	}
	rec := newProcessRecord(pid, parent)
	r.records[pid] = rec
	return rec, r.resolve(rec)
}

// Refresh re-resolves the identity of pid after an exec.
func (r *Registry) Refresh(pid int) (*ProcessRecord, error) {
	rec, ok := r.records[pid]
	if !ok {
		return r.Register(pid, 0)
	}
	return rec, r.resolve(rec)
}

// SetParent records parent as the parent of pid when the child was seen
// before the event announcing it.
func (r *Registry) SetParent(pid, parent int) {
	if rec, ok := r.records[pid]; ok {
		rec.Parent = parent
	}
	if summary, ok := r.history[pid]; ok {
		summary.Parent = parent
	}
}

// Remove drops the record of a reaped pid.
func (r *Registry) Remove(pid int) {
	delete(r.records, pid)
}

func (r *Registry) resolve(rec *ProcessRecord) error {
	binary, err := r.inspector.Executable(rec.PID)
	if err != nil {
		return fmt.Errorf("resolving executable of %d: %w", rec.PID, err)
	}
	rec.BinaryPath = binary
	if cwd, err := r.inspector.Cwd(rec.PID); err == nil {
		rec.Cwd = cwd
	}
	r.remember(rec)
	r.Dependencies.Ensure(binary)

	if _, seen := r.Snapshots[binary]; seen {
		return nil
	}
	args, err := r.inspector.CmdLine(rec.PID)
	if err != nil {
		return fmt.Errorf("reading cmdline of %d: %w", rec.PID, err)
	}
	env, err := r.inspector.Environ(rec.PID)
	if err != nil {
		return fmt.Errorf("reading environment of %d: %w", rec.PID, err)
	}
	r.Snapshots[binary] = Identity{Args: args, Env: env}
	log.WithFields(log.Fields{"pid": rec.PID, "binary": binary}).Debug("Captured identity snapshot")
	return nil
}

func (r *Registry) remember(rec *ProcessRecord) {
	summary, ok := r.history[rec.PID]
	if !ok {
		summary = &ProcessSummary{PID: rec.PID, Parent: rec.Parent}
		r.history[rec.PID] = summary
		r.order = append(r.order, rec.PID)
	}
	if n := len(summary.Binaries); n == 0 || summary.Binaries[n-1] != rec.BinaryPath {
		summary.Binaries = append(summary.Binaries, rec.BinaryPath)
	}
}

// Processes returns every pid seen so far in registration order.
func (r *Registry) Processes() []ProcessSummary {
	out := make([]ProcessSummary, 0, len(r.order))
	for _, pid := range r.order {
		out = append(out, *r.history[pid])
	}
	return out
}

// WorkingDir re-reads the working directory of rec, which may have
// changed since the record was created.
func (r *Registry) WorkingDir(rec *ProcessRecord) (string, error) {
	cwd, err := r.inspector.Cwd(rec.PID)
	if err != nil {
		return rec.Cwd, fmt.Errorf("resolving cwd of %d: %w", rec.PID, err)
	}
	rec.Cwd = cwd
	return cwd, nil
}

// DescriptorPath resolves an open file descriptor of rec.
func (r *Registry) DescriptorPath(rec *ProcessRecord, fd int) (string, error) {
	return r.inspector.FdPath(rec.PID, fd)
}

// UpdateSharedLibraries rescans the mappings of rec and merges every
// executable region backed by a regular on-disk file into its
// dependency set. It returns the libraries that were new.
func (r *Registry) UpdateSharedLibraries(rec *ProcessRecord) ([]string, error) {
	maps, err := r.inspector.Maps(rec.PID)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, m := range maps {
		if !m.Executable || m.Path == "" || !isRegularFile(m.Path) {
			continue
		}
		if r.Dependencies.Add(rec.BinaryPath, m.Path) {
			added = append(added, m.Path)
		}
	}
	return added, nil
}

// RecordFileAccess files path under the library that opened it and the
// binary of the process it ran in.
func (r *Registry) RecordFileAccess(library string, rec *ProcessRecord, path string) {
	r.Files.Add(library, rec.BinaryPath, path)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
