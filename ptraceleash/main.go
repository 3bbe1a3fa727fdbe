//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/chains-project/depleash/binanalyzer"
	"github.com/chains-project/depleash/depstore"
	"github.com/chains-project/depleash/procstate"
	"github.com/chains-project/depleash/stackanalyzer"
	"github.com/chains-project/depleash/syscalltracer"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type RuntimeConfig struct {
	ConfigPath  string
	Output      string
	Unwinder    string
	UndoPrelink bool
	Digests     bool
	Verbosity   int
	JSONLogs    bool
}

var errTraceFailed = errors.New("trace session failed")

func main() {
	if err := newRootCmd(runTrace).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(run func(cfg ConfigFile, argv []string) error) *cobra.Command {
	var rc RuntimeConfig
	cmd := &cobra.Command{
		Use:   "ptraceleash [flags] -- command [args...]",
		Short: "Trace the shared libraries and files used by a process tree",
		Long: `ptraceleash runs a command under ptrace, follows every process it
spawns and records which shared libraries each binary maps and which
files each library opens.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, rc)
			if err != nil {
				return err
			}
			return run(cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&rc.ConfigPath, "config", "c", "", "Path to a TOML configuration file")
	flags.StringVarP(&rc.Output, "output", "o", "", "Write the report to this file (.json, .yaml or .yml), merging with its content")
	flags.StringVar(&rc.Unwinder, "unwinder", unwinderNone, "Stack unwinder for attribution: 'none', 'framepointer' or 'ebpf'")
	flags.BoolVar(&rc.UndoPrelink, "undo-prelink", false, "Undo prelinking on a scratch copy before disassembling")
	flags.BoolVar(&rc.Digests, "digests", false, "Store xxhash digests of every traced file in the report")
	flags.CountVarP(&rc.Verbosity, "verbose", "v", "Increase log verbosity (-v debug, -vv trace)")
	flags.BoolVar(&rc.JSONLogs, "log-json", false, "Log in JSON format")
	flags.SetInterspersed(false)
	return cmd
}

// resolveConfig reads the configuration file and applies the flags the
// user set explicitly on top of it.
func resolveConfig(cmd *cobra.Command, rc RuntimeConfig) (ConfigFile, error) {
	cfg, err := loadConfig(rc.ConfigPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Trace.Output = rc.Output
	}
	if flags.Changed("unwinder") {
		cfg.Trace.Unwinder = rc.Unwinder
	}
	if flags.Changed("undo-prelink") {
		cfg.Binanalyzer.UndoPrelink = rc.UndoPrelink
	}
	if flags.Changed("digests") {
		cfg.Trace.Digests = rc.Digests
	}
	switch {
	case rc.Verbosity == 1:
		cfg.Log.Level = "debug"
	case rc.Verbosity > 1:
		cfg.Log.Level = "trace"
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = rc.JSONLogs
	}
	return cfg, cfg.validate()
}

func runTrace(cfg ConfigFile, argv []string) error {
	if err := setupLogging(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return err
	}

	inspector, err := procstate.NewProcFS("")
	if err != nil {
		return err
	}
	unwinder, closeUnwinder, err := buildUnwinder(cfg.Trace.Unwinder, inspector)
	if err != nil {
		return fmt.Errorf("setting up %s unwinder: %w", cfg.Trace.Unwinder, err)
	}
	defer closeUnwinder()

	images := binanalyzer.NewCache(binanalyzer.ObjdumpDisassembler{
		Objdump:     cfg.Binanalyzer.Objdump,
		Prelink:     cfg.Binanalyzer.Prelink,
		UndoPrelink: cfg.Binanalyzer.UndoPrelink,
	})
	result, traceErr := syscalltracer.Run(argv, syscalltracer.Options{
		Unwinder:   unwinder,
		Images:     images,
		Openers:    cfg.Trace.Openers,
		Inspector:  inspector,
		MaxPathLen: cfg.Trace.MaxPathLen,
	})
	log.WithField("binaries", images.Len()).Debug("Disassembled binaries")
	printSummary(os.Stdout, argv, result)

	if traceErr != nil {
		return traceErr
	}
	if !result.Success {
		return errTraceFailed
	}

	if cfg.Trace.Output != "" {
		report := depstore.FromResult(result)
		if cfg.Trace.Digests {
			report.AddDigests()
		}
		if err := depstore.Write(cfg.Trace.Output, report); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		log.WithField("path", cfg.Trace.Output).Info("Report written")
	}
	return nil
}

func buildUnwinder(kind string, maps stackanalyzer.MappingSource) (stackanalyzer.Unwinder, func(), error) {
	noop := func() {}
	switch kind {
	case unwinderFramePointer:
		u, err := syscalltracer.NewFramePointerUnwinder(maps)
		if err != nil {
			return nil, noop, err
		}
		return u, noop, nil
	case unwinderEBPF:
		u, err := syscalltracer.NewEBPFUnwinder(maps)
		if err != nil {
			return nil, noop, err
		}
		return u, func() { u.Close() }, nil
	}
	return nil, noop, nil
}
