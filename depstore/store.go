package depstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const filePermissions = 0644

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a report written by Write.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	report := newReport()
	if isYAML(path) {
		err = yaml.Unmarshal(data, report)
	} else {
		err = json.Unmarshal(data, report)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	report.ensure()
	return report, nil
}

// Write merges report into the one stored at path, if any, and writes the
// union back. The format follows the extension: YAML for .yaml and .yml,
// JSON otherwise.
func Write(path string, report *Report) error {
	merged, err := readOrCreate(path)
	if err != nil {
		return err
	}
	merged.Merge(report)

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(merged)
	} else {
		data, err = json.MarshalIndent(merged, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, filePermissions)
}

func readOrCreate(path string) (*Report, error) {
	report, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newReport(), nil
	}
	return report, err
}
