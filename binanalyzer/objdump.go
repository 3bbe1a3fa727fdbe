package binanalyzer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

const (
	defaultObjdump = "objdump"
	defaultPrelink = "prelink"
)

// ObjdumpDisassembler runs `objdump -x -D` on a binary. When UndoPrelink is
// set the binary is first copied through `prelink -u` so that the listing
// addresses match the offsets seen at runtime.
type ObjdumpDisassembler struct {
	Objdump     string
	Prelink     string
	UndoPrelink bool
}

func (d ObjdumpDisassembler) Disassemble(path string) ([]byte, error) {
	target := path
	if d.UndoPrelink {
		tmp, err := os.CreateTemp("", "depleash-prelink-*")
		if err != nil {
			return nil, fmt.Errorf("creating prelink scratch file: %w", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		if _, err := run(orDefault(d.Prelink, defaultPrelink), "-u", "-o", tmp.Name(), path); err != nil {
			return nil, fmt.Errorf("unable to undo the prelink on %s: %w", path, err)
		}
		target = tmp.Name()
	}

	out, err := run(orDefault(d.Objdump, defaultObjdump), "-x", "-D", target)
	if err != nil {
		return nil, fmt.Errorf("objdump failed for %s: %w", path, err)
	}
	return out, nil
}

func run(name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
