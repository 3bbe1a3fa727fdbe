package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chains-project/depleash/syscalltracer"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

func setupLogging(level string, jsonFormat bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if jsonFormat {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printSummary(w io.Writer, argv []string, result *syscalltracer.Result) {
	label := color.New(color.FgGreen)
	value := color.New(color.FgWhite)

	status := color.GreenString("OK")
	if !result.Success {
		status = color.RedString("FAILED")
	}

	fmt.Fprintln(w)
	value.Fprint(w, "+------------------------------------------------------------+\n")
	value.Fprintf(w, "| Traced: %s\tProcesses: %d\tStatus: ", strings.Join(argv, " "), len(result.Processes))
	fmt.Fprintln(w, status)
	value.Fprint(w, "+------------------------------------------------------------+\n")

	label.Fprintln(w, "Dependencies:")
	for _, binary := range sortedKeys(result.Dependencies) {
		value.Fprintf(w, "  %s\n", binary)
		libs := append([]string{}, result.Dependencies[binary]...)
		sort.Strings(libs)
		for _, lib := range libs {
			fmt.Fprintf(w, "    %s\n", lib)
		}
	}

	label.Fprintln(w, "Opened files:")
	for _, library := range sortedKeys(result.Files) {
		value.Fprintf(w, "  %s\n", library)
		byProcess := result.Files[library]
		for _, process := range sortedKeys(byProcess) {
			if process != library {
				color.New(color.FgMagenta).Fprintf(w, "    from %s\n", process)
			}
			for _, path := range byProcess[process].Sorted() {
				fmt.Fprintf(w, "    %s\n", path)
			}
		}
	}
	fmt.Fprintln(w)
}
