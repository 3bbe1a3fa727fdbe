package depstore

import (
	"sort"

	"github.com/chains-project/depleash/procstate"
	"github.com/chains-project/depleash/syscalltracer"
)

// Report is the persisted form of a trace: the libraries each binary
// mapped and the files each library opened, per process binary.
type Report struct {
	Dependencies map[string][]string            `json:"dependencies" yaml:"dependencies"`
	Files        map[string]map[string][]string `json:"files" yaml:"files"`
	Snapshots    map[string]procstate.Identity  `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`
	Digests      map[string]string              `json:"digests,omitempty" yaml:"digests,omitempty"`
}

func newReport() *Report {
	return &Report{
		Dependencies: make(map[string][]string),
		Files:        make(map[string]map[string][]string),
		Snapshots:    make(map[string]procstate.Identity),
		Digests:      make(map[string]string),
	}
}

// FromResult converts a session result into a Report with sorted lists.
func FromResult(result *syscalltracer.Result) *Report {
	r := newReport()
	for binary, libs := range result.Dependencies {
		r.Dependencies[binary] = mergeStrings(nil, libs)
	}
	for library, byProcess := range result.Files {
		r.Files[library] = make(map[string][]string, len(byProcess))
		for process, paths := range byProcess {
			r.Files[library][process] = paths.Sorted()
		}
	}
	for binary, id := range result.Snapshots {
		r.Snapshots[binary] = id
	}
	return r
}

// Merge folds other into r as a set union. Snapshots and digests already
// present in r win.
func (r *Report) Merge(other *Report) {
	r.ensure()
	for binary, libs := range other.Dependencies {
		r.Dependencies[binary] = mergeStrings(r.Dependencies[binary], libs)
	}
	for library, byProcess := range other.Files {
		if r.Files[library] == nil {
			r.Files[library] = make(map[string][]string, len(byProcess))
		}
		for process, paths := range byProcess {
			r.Files[library][process] = mergeStrings(r.Files[library][process], paths)
		}
	}
	for binary, id := range other.Snapshots {
		if _, ok := r.Snapshots[binary]; !ok {
			r.Snapshots[binary] = id
		}
	}
	for path, digest := range other.Digests {
		if _, ok := r.Digests[path]; !ok {
			r.Digests[path] = digest
		}
	}
}

func (r *Report) ensure() {
	if r.Dependencies == nil {
		r.Dependencies = make(map[string][]string)
	}
	if r.Files == nil {
		r.Files = make(map[string]map[string][]string)
	}
	if r.Snapshots == nil {
		r.Snapshots = make(map[string]procstate.Identity)
	}
	if r.Digests == nil {
		r.Digests = make(map[string]string)
	}
}

func mergeStrings(existing, new []string) []string {
	unique := make(map[string]bool, len(existing)+len(new))
	for _, s := range append(append([]string{}, existing...), new...) {
		unique[s] = true
	}

	result := make([]string, 0, len(unique))
	for s := range unique {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}
