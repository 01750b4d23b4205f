package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charlie-x/focus-stack/internal/config"
)

func testRoot() *Root {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Root{cfg: config.Default(), log: log}
}

func TestExpandInputsDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.jpg", "skip.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := expandInputs([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if filepath.Base(files[0]) != "a.jpg" || filepath.Base(files[1]) != "b.jpg" {
		t.Fatalf("expected sorted image list, got %v", files)
	}
}

func TestExpandInputsEmptyDirectory(t *testing.T) {
	if _, err := expandInputs([]string{t.TempDir()}); err == nil {
		t.Fatal("expected error for directory without images")
	}
}

func TestExpandInputsFileListPassesThrough(t *testing.T) {
	args := []string{"a.jpg", "b.jpg"}
	files, err := expandInputs(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 || files[0] != "a.jpg" {
		t.Fatalf("file list should pass through unchanged, got %v", files)
	}
}

func TestVersionCommand(t *testing.T) {
	root := testRoot()
	cmd := NewRootCmd(root.cfg, root.log, nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command: %v", err)
	}
	if !strings.Contains(out.String(), "focus-stack") {
		t.Fatalf("version output %q", out.String())
	}
}

func TestConfigShowCommand(t *testing.T) {
	root := testRoot()
	cmd := NewRootCmd(root.cfg, root.log, nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "Batch Size") {
		t.Fatalf("config output missing fields: %q", out.String())
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	root := testRoot()
	cmd := NewRootCmd(root.cfg, root.log, nil)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"history"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("history without a store should fail")
	}
}

func TestStackRejectsMissingArgs(t *testing.T) {
	root := testRoot()
	cmd := NewRootCmd(root.cfg, root.log, nil)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"stack"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("stack without inputs should fail")
	}
}
