package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/botwarden/internal/policy"
)

type Mode string

const (
	ModeMain   Mode = "main"
	ModeBackup Mode = "backup"
)

const dependencyDirective = "*db"

// LineError is a fleet line that could not be used.
type LineError struct {
	File string
	Line int
	Text string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("%s:%d: %q: %v", e.File, e.Line, e.Text, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// Fleet is the worker set for one cycle.
type Fleet struct {
	Mode   Mode
	Source string
	// Workers holds the main (or backup) file's workers followed by exempt
	// workers that are not listed there. Order follows the files.
	Workers []policy.Spec
	// MonitorDependency is set by a *db directive in the active file.
	MonitorDependency bool
}

// Paths returns the set of supervised worker paths.
func (f *Fleet) Paths() map[string]struct{} {
	out := make(map[string]struct{}, len(f.Workers))
	for _, w := range f.Workers {
		out[w.Path] = struct{}{}
	}
	return out
}

// Cleanable lists the workers escalation and memory recycling may stop.
func (f *Fleet) Cleanable() []string {
	var out []string
	for _, w := range f.Workers {
		if !w.Exempt {
			out = append(out, w.Path)
		}
	}
	return out
}

// ActiveFleetFile picks the main or backup worker file. The instructor file
// switches to backup when its whole content is "backup".
func ActiveFleetFile(files FilesConfig) (string, Mode) {
	b, err := os.ReadFile(files.Path(files.Instructor))
	if err == nil && strings.EqualFold(strings.TrimSpace(string(b)), string(ModeBackup)) {
		return files.Path(files.BotsBackup), ModeBackup
	}
	return files.Path(files.Bots), ModeMain
}

// LoadFleet reads the active fleet file and the exemption list. Missing files
// are empty. Malformed lines are returned as LineErrors and skipped.
func LoadFleet(files FilesConfig) (*Fleet, []LineError, error) {
	source, mode := ActiveFleetFile(files)
	fleet := &Fleet{Mode: mode, Source: source}

	specs, dep, lineErrs, err := readFleetFile(source)
	if err != nil {
		return nil, nil, err
	}
	fleet.MonitorDependency = dep

	exemptPath := files.Path(files.Exempt)
	exempt, _, exemptErrs, err := readFleetFile(exemptPath)
	if err != nil {
		return nil, nil, err
	}
	lineErrs = append(lineErrs, exemptErrs...)

	exemptSet := make(map[string]struct{}, len(exempt))
	for _, s := range exempt {
		exemptSet[s.Path] = struct{}{}
	}
	seen := make(map[string]struct{}, len(specs)+len(exempt))
	for _, s := range append(specs, exempt...) {
		if _, dup := seen[s.Path]; dup {
			continue
		}
		seen[s.Path] = struct{}{}
		_, s.Exempt = exemptSet[s.Path]
		fleet.Workers = append(fleet.Workers, s)
	}
	return fleet, lineErrs, nil
}

func readFleetFile(path string) ([]policy.Spec, bool, []LineError, error) {
	if path == "" {
		return nil, false, nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil, nil
		}
		return nil, false, nil, fmt.Errorf("open fleet file: %w", err)
	}
	defer func() { _ = f.Close() }()
	specs, dep, lineErrs, err := ParseFleet(f, path)
	if err != nil {
		return nil, false, nil, fmt.Errorf("read fleet file %s: %w", path, err)
	}
	return specs, dep, lineErrs, nil
}

// ParseFleet parses fleet lines. Duplicate paths keep the first entry.
func ParseFleet(r io.Reader, name string) (specs []policy.Spec, dependency bool, lineErrs []LineError, err error) {
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "*"):
			if strings.EqualFold(line, dependencyDirective) {
				dependency = true
			}
			continue
		}
		spec, perr := policy.ParseLine(line)
		if perr != nil {
			lineErrs = append(lineErrs, LineError{File: name, Line: n, Text: line, Err: perr})
			continue
		}
		if _, dup := seen[spec.Path]; dup {
			lineErrs = append(lineErrs, LineError{File: name, Line: n, Text: line, Err: fmt.Errorf("duplicate worker %s", spec.Path)})
			continue
		}
		seen[spec.Path] = struct{}{}
		specs = append(specs, spec)
	}
	if err := sc.Err(); err != nil {
		return nil, false, nil, err
	}
	return specs, dependency, lineErrs, nil
}
