package procstate

import (
	"sort"
	"strings"
)

// DependencySet maps a binary path to the libraries it mapped as
// executable file-backed regions, in discovery order.
type DependencySet map[string][]string

// Ensure creates an empty entry for binary.
func (d DependencySet) Ensure(binary string) {
	if _, ok := d[binary]; !ok {
		d[binary] = []string{}
	}
}

// Add appends lib to binary's dependencies unless it is the binary itself
// or already present. It reports whether the set changed.
func (d DependencySet) Add(binary, lib string) bool {
	if lib == binary {
		return false
	}
	for _, known := range d[binary] {
		if known == lib {
			return false
		}
	}
	d[binary] = append(d[binary], lib)
	return true
}

// PathSet is a set of file paths.
type PathSet map[string]struct{}

func (s PathSet) Add(path string) {
	s[path] = struct{}{}
}

func (s PathSet) Contains(path string) bool {
	_, ok := s[path]
	return ok
}

// Sorted returns the members in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FileAccessLog maps attributed library -> process binary -> opened files.
// Opens with a relative path are stored as "$<cwd>$<relative path>".
type FileAccessLog map[string]map[string]PathSet

func (f FileAccessLog) Add(library, process, path string) {
	byProcess, ok := f[library]
	if !ok {
		byProcess = make(map[string]PathSet)
		f[library] = byProcess
	}
	files, ok := byProcess[process]
	if !ok {
		files = make(PathSet)
		byProcess[process] = files
	}
	files.Add(path)
}

// Files returns the set recorded for library under process, or nil.
func (f FileAccessLog) Files(library, process string) PathSet {
	return f[library][process]
}

// RelativePath builds the sentinel form used for opens of a relative path.
func RelativePath(cwd, rel string) string {
	return "$" + cwd + "$" + rel
}

// Identity is the argument vector and environment of a binary as seen the
// first time a process ran it.
type Identity struct {
	Args []string `json:"args" yaml:"args"`
	Env  []string `json:"env" yaml:"env"`
}

// Snapshots maps a binary path to its Identity.
type Snapshots map[string]Identity

// EnvVar returns the value of variable name in the environment captured
// for binary.
func (s Snapshots) EnvVar(binary, name string) (string, bool) {
	id, ok := s[binary]
	if !ok {
		return "", false
	}
	prefix := name + "="
	for _, kv := range id.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
