package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	for _, name := range []string{"run", "check", "status"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("missing %s command: %v", name, err)
		}
	}
}

func TestHelp(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	if !strings.Contains(out.String(), "botwarden") {
		t.Fatalf("unexpected help output: %s", out.String())
	}
}

func TestRunFlags(t *testing.T) {
	root := buildRoot()
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"pidfile", "once"} {
		if run.Flags().Lookup(f) == nil {
			t.Fatalf("run is missing --%s", f)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("missing --config")
	}
}
