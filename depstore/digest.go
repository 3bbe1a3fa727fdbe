package depstore

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"
)

// Digest returns the xxhash of the content of path as 16 hex digits.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// AddDigests hashes every binary, dependency and absolute opened file of
// the report that is still a regular file on disk.
func (r *Report) AddDigests() {
	r.ensure()
	for binary, libs := range r.Dependencies {
		r.addDigest(binary)
		for _, lib := range libs {
			r.addDigest(lib)
		}
	}
	for library, byProcess := range r.Files {
		r.addDigest(library)
		for _, paths := range byProcess {
			for _, path := range paths {
				r.addDigest(path)
			}
		}
	}
}

func (r *Report) addDigest(path string) {
	if _, done := r.Digests[path]; done || !strings.HasPrefix(path, "/") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	digest, err := Digest(path)
	if err != nil {
		log.WithField("path", path).Debugf("Skipping digest: %v", err)
		return
	}
	r.Digests[path] = digest
}
