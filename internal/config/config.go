// Package config reads the appsnap.yaml settings file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyrange/appsnap/internal/kernel"
	"github.com/tinyrange/appsnap/internal/snapshot"
	"gopkg.in/yaml.v3"
)

const (
	Filename = "appsnap.yaml"

	ProgressAuto   = "auto"
	ProgressAlways = "always"
	ProgressNever  = "never"
)

// Config holds the settings shared by the appsnap commands.
type Config struct {
	Version int `yaml:"version"`

	Load     LoadConfig     `yaml:"load"`
	Compiler CompilerConfig `yaml:"compiler"`
	Log      LogConfig      `yaml:"log"`

	// Progress is one of auto, always or never.
	Progress string `yaml:"progress"`
}

type LoadConfig struct {
	ForceLoadFromMemory bool  `yaml:"forceLoadFromMemory"`
	DecodeURI           bool  `yaml:"decodeURI"`
	Precompiled         *bool `yaml:"precompiled"`
	MachO               *bool `yaml:"machO"`
}

type CompilerConfig struct {
	Command  string   `yaml:"command,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Packages string   `yaml:"packages,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Load.Precompiled == nil {
		c.Load.Precompiled = boolPtr(true)
	}
	if c.Load.MachO == nil {
		c.Load.MachO = boolPtr(runtime.GOOS == "darwin")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Progress == "" {
		c.Progress = ProgressAuto
	}
}

func (c Config) validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Progress {
	case ProgressAuto, ProgressAlways, ProgressNever:
	default:
		return fmt.Errorf("progress must be %s, %s or %s, got %q", ProgressAuto, ProgressAlways, ProgressNever, c.Progress)
	}
	return nil
}

// Default returns the settings used when no file is present.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes a YAML document and fills in defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", Filename, err)
	}
	return c, nil
}

// LoadFile reads the settings file at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDir reads appsnap.yaml from dir. A missing file yields Default.
func LoadDir(dir string) (Config, error) {
	path := filepath.Join(dir, Filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFile(path)
}

// Write encodes c as YAML.
func Write(w io.Writer, c Config) error {
	c.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", Filename, err)
	}
	return nil
}

// Level parses the log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// LoadOptions returns the per-call load options.
func (c Config) LoadOptions() snapshot.LoadOptions {
	return snapshot.LoadOptions{
		ForceLoadFromMemory: c.Load.ForceLoadFromMemory,
		DecodeURI:           c.Load.DecodeURI,
	}
}

// Loader returns a snapshot loader with the configured formats enabled.
func (c Config) Loader(logger *slog.Logger) *snapshot.Loader {
	c.normalize()

	l := snapshot.NewLoader()
	l.Precompiled = *c.Load.Precompiled
	l.MachO = *c.Load.MachO
	l.Logger = logger
	return l
}

// KernelCompiler returns the configured front-end compiler.
func (c Config) KernelCompiler(logger *slog.Logger) *kernel.ExecCompiler {
	return &kernel.ExecCompiler{
		Command:  c.Compiler.Command,
		Args:     append([]string(nil), c.Compiler.Args...),
		Packages: c.Compiler.Packages,
		Logger:   logger,
	}
}
