package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "version"} {
		if !names[want] {
			t.Errorf("missing %q subcommand", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"serve", "/nonexistent/config.toml"})
	root.SilenceErrors = true
	root.SilenceUsage = true
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "config") {
		t.Fatalf("want config load error, got %v", err)
	}
}
