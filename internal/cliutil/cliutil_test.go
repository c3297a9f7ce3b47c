package cliutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func newTestCfg(t *testing.T, opts []Option) *Cfg {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cfg, err := New(cmd, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cfg
}

func TestPreflightPassesWhenFilesAbsent(t *testing.T) {
	cfg := newTestCfg(t, []Option{
		{Name: "in", Usage: "input", Default: "", IsInputFile: true},
		{Name: "out", Usage: "output", Default: "", IsOutputFile: true},
	})
	if err := cfg.Preflight(); err != nil {
		t.Fatalf("Preflight() = %v, want nil for unset options", err)
	}
}

func TestPreflightFailsOnMissingInputFile(t *testing.T) {
	cfg := newTestCfg(t, []Option{
		{Name: "in", Usage: "input", Default: "/nonexistent/path.tck", IsInputFile: true},
	})
	if err := cfg.Preflight(); err == nil {
		t.Fatal("Preflight() = nil, want an error for a missing input file")
	}
}

func TestPreflightPassesWhenInputFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.tck")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := newTestCfg(t, []Option{
		{Name: "in", Usage: "input", Default: path, IsInputFile: true},
	})
	if err := cfg.Preflight(); err != nil {
		t.Fatalf("Preflight() = %v, want nil", err)
	}
}

func TestPreflightFailsOnMissingOutputDirectory(t *testing.T) {
	cfg := newTestCfg(t, []Option{
		{Name: "out", Usage: "output", Default: "/nonexistent/dir/out.tck", IsOutputFile: true},
	})
	if err := cfg.Preflight(); err == nil {
		t.Fatal("Preflight() = nil, want an error when the output directory doesn't exist")
	}
}

func TestPreflightPassesWhenOutputDirectoryExists(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestCfg(t, []Option{
		{Name: "out", Usage: "output", Default: filepath.Join(dir, "out.tck"), IsOutputFile: true},
	})
	if err := cfg.Preflight(); err != nil {
		t.Fatalf("Preflight() = %v, want nil", err)
	}
}
