package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ConfigFile is the TOML configuration of ptraceleash. Command-line flags
// override the values read from it.
type ConfigFile struct {
	Trace struct {
		Unwinder   string   `toml:"unwinder"`
		Openers    []string `toml:"openers"`
		MaxPathLen int      `toml:"max_path_len"`
		Output     string   `toml:"output"`
		Digests    bool     `toml:"digests"`
	} `toml:"trace"`
	Binanalyzer struct {
		Objdump     string `toml:"objdump"`
		Prelink     string `toml:"prelink"`
		UndoPrelink bool   `toml:"undo_prelink"`
	} `toml:"binanalyzer"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

const (
	unwinderNone         = "none"
	unwinderFramePointer = "framepointer"
	unwinderEBPF         = "ebpf"
)

func defaultConfig() ConfigFile {
	var c ConfigFile
	c.Trace.Unwinder = unwinderNone
	c.Log.Level = "info"
	return c
}

func loadConfig(path string) (ConfigFile, error) {
	configFile := defaultConfig()
	if path == "" {
		return configFile, nil
	}
	meta, err := toml.DecodeFile(path, &configFile)
	if err != nil {
		return configFile, fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return configFile, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return configFile, configFile.validate()
}

func (c ConfigFile) validate() error {
	switch c.Trace.Unwinder {
	case unwinderNone, unwinderFramePointer, unwinderEBPF:
	default:
		return fmt.Errorf("invalid unwinder %q: use %q, %q or %q", c.Trace.Unwinder, unwinderNone, unwinderFramePointer, unwinderEBPF)
	}
	if c.Trace.MaxPathLen < 0 {
		return fmt.Errorf("invalid max_path_len %d", c.Trace.MaxPathLen)
	}
	return nil
}
