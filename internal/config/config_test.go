package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.JPGQuality != 95 {
		t.Fatalf("default jpg quality %d, want 95", opts.JPGQuality)
	}
	if opts.Reference != -1 {
		t.Fatalf("default reference %d, want -1", opts.Reference)
	}
	if opts.AlignResolution != DefaultAlignResolution {
		t.Fatalf("default align resolution %d, want %d", opts.AlignResolution, DefaultAlignResolution)
	}
	if opts.Threads < 2 {
		t.Fatalf("default thread count %d, want at least 2", opts.Threads)
	}
	if opts.Viewpoint3D != "1:1:1:2" {
		t.Fatalf("default viewpoint %q", opts.Viewpoint3D)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing config should not error: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("expected default logging settings, got %+v", cfg.Logging)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := Default()
	cfg.Processing.Threads = 3
	cfg.Processing.BatchSize = 4
	cfg.Paths.DefaultOutput = "stacked.png"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Processing.Threads != 3 || got.Processing.BatchSize != 4 {
		t.Fatalf("processing settings lost: %+v", got.Processing)
	}
	if got.Paths.DefaultOutput != "stacked.png" {
		t.Fatalf("paths lost: %+v", got.Paths)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := ExpandHome("~/x/y.db")
	want := filepath.Join(home, "x", "y.db")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed to %q", got)
	}
}
