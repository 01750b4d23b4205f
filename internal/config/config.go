package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/focus-stack/config.json"
	defaultHistoryDB  = "~/.config/focus-stack/history.db"

	// DefaultAlignResolution caps the image resolution used during the
	// final alignment search. Alignment uses subpixel positioning, so
	// higher resolution provides little benefit.
	DefaultAlignResolution = 2048

	// DefaultBatchSize is the number of images merged per batch.
	DefaultBatchSize = 8
)

// Config holds user-editable settings persisted in the config file.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
}

// Processing captures execution preferences.
type Processing struct {
	Threads   int `json:"threads"`    // worker count, 0 = NumCPU+1
	BatchSize int `json:"batch_size"` // images per merge batch
}

// Logging controls verbosity and output format.
type Logging struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	HistoryDB     string `json:"history_db"` // empty disables run history
}

// Options is the per-run configuration handed to the task graph builder.
// It mirrors the command line option grammar.
type Options struct {
	Output     string
	Depthmap   string
	View3D     string
	SaveSteps  bool
	JPGQuality int
	NoCrop     bool

	Reference       int  // index of alignment reference, -1 = middle of stack
	GlobalAlign     bool // align directly against reference instead of neighbour
	FullResolution  bool // no resolution cap in final alignment pass
	AlignResolution int  // final pass resolution cap when FullResolution is off
	NoWhitebalance  bool
	NoContrast      bool
	AlignOnly       bool
	AlignKeepSize   bool

	Consistency int     // neighbour pixel consistency filter level 0..2
	Denoise     float64 // merged image denoise level

	DepthmapThreshold int
	DepthmapSmoothXY  float64
	DepthmapSmoothZ   float64
	RemoveBG          int
	HaloRadius        float64
	Viewpoint3D       string // "x:y:z:zscale"

	Threads    int
	BatchSize  int
	WaitImages float64 // seconds to wait for input files to appear
	Verbose    bool
}

// DefaultOptions returns per-run options matching the tool defaults.
func DefaultOptions() Options {
	return Options{
		Output:            "output.jpg",
		JPGQuality:        95,
		Reference:         -1,
		AlignResolution:   DefaultAlignResolution,
		Consistency:       2,
		Denoise:           1.0,
		DepthmapThreshold: 10,
		DepthmapSmoothXY:  20,
		DepthmapSmoothZ:   40,
		HaloRadius:        20,
		Viewpoint3D:       "1:1:1:2",
		Threads:           runtime.NumCPU() + 1,
		BatchSize:         DefaultBatchSize,
	}
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Processing: Processing{
			Threads:   0,
			BatchSize: DefaultBatchSize,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Paths: Paths{
			DefaultOutput: "output.jpg",
			HistoryDB:     defaultHistoryDB,
		},
	}
}

// Load reads the config from path, or the default location when path is
// empty. A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}
	path = ExpandHome(path)

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = defaultConfigPath
	}
	path = ExpandHome(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
