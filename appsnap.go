// Package appsnap loads and writes application snapshots: the serialized
// heap and machine code a language runtime needs to start an isolate without
// recompiling. A snapshot may be a blob container, an ELF image (standalone,
// appended to an executable, or embedded in a Mach-O section) or a shared
// library exporting the well-known section symbols.
package appsnap

import (
	"errors"
	"log/slog"
	"os"

	"github.com/tinyrange/appsnap/internal/sections"
	"github.com/tinyrange/appsnap/internal/snapshot"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/snapshot
// -----------------------------------------------------------------------------

// Snapshot is a loaded snapshot. Close releases its memory exactly once.
type Snapshot = snapshot.Snapshot

// SectionData is implemented by blob snapshots, whose section sizes are known.
type SectionData = snapshot.SectionData

// Format names the container a snapshot was loaded from.
type Format = snapshot.Format

// Loader probes files against every container format.
type Loader = snapshot.Loader

// LoadError reports a recognized snapshot that could not be loaded.
type LoadError = snapshot.LoadError

// CompilationError reports a script that failed to compile.
type CompilationError = snapshot.CompilationError

// Generator writes snapshots produced by a runtime.
type Generator = snapshot.Generator

// Capabilities supplied by the embedding runtime.
type (
	ELFLoader = snapshot.ELFLoader
	LoadedELF = snapshot.LoadedELF
	Producer  = snapshot.Producer
	Runtime   = snapshot.Runtime
	Compiler  = snapshot.Compiler
)

// Section identifies one of the four snapshot sections.
type Section = sections.Section

// Buffers holds the addresses of loaded sections. Absent sections are zero.
type Buffers = sections.Buffers

// Data holds section contents to be written.
type Data = sections.Data

// Sections in container order.
const (
	VMData              = sections.VMData
	VMInstructions      = sections.VMInstructions
	IsolateData         = sections.IsolateData
	IsolateInstructions = sections.IsolateInstructions
)

// Container formats.
const (
	FormatBlob        = snapshot.FormatBlob
	FormatELF         = snapshot.FormatELF
	FormatAppendedELF = snapshot.FormatAppendedELF
	FormatMachO       = snapshot.FormatMachO
	FormatDylib       = snapshot.FormatDylib
)

// Common sentinel errors.
var (
	ErrAlreadyClosed  = snapshot.ErrAlreadyClosed
	ErrIsolateRunning = snapshot.ErrIsolateRunning
)

// ExitCode is the process exit status MustLoad uses for a damaged snapshot.
const ExitCode = 255

// exit is replaced in tests.
var exit = os.Exit

// -----------------------------------------------------------------------------
// Load Options
// -----------------------------------------------------------------------------

// Option configures a TryLoad call.
type Option func(*loadSettings)

type loadSettings struct {
	opts   snapshot.LoadOptions
	logger *slog.Logger
}

// WithLoadFromMemory reads ELF images into memory instead of handing them to
// the dynamic linker.
func WithLoadFromMemory() Option {
	return func(s *loadSettings) { s.opts.ForceLoadFromMemory = true }
}

// WithDecodeURI treats the path as a file URI or percent-encoded path.
func WithDecodeURI() Option {
	return func(s *loadSettings) { s.opts.DecodeURI = true }
}

// WithLogger sets the logger that receives probe records.
func WithLogger(logger *slog.Logger) Option {
	return func(s *loadSettings) { s.logger = logger }
}

// -----------------------------------------------------------------------------
// Functions
// -----------------------------------------------------------------------------

// NewLoader returns a Loader configured for the running platform.
func NewLoader() *Loader {
	return snapshot.NewLoader()
}

// TryLoad loads the snapshot at path with a platform default Loader. A nil
// Snapshot and nil error mean path is not a snapshot.
func TryLoad(path string, opts ...Option) (Snapshot, error) {
	var s loadSettings
	for _, o := range opts {
		o(&s)
	}

	l := snapshot.NewLoader()
	l.Logger = s.logger
	return l.TryLoad(path, s.opts)
}

// MustLoad is like TryLoad but terminates the process with ExitCode when
// path is a snapshot that cannot be loaded.
func MustLoad(path string, opts ...Option) Snapshot {
	snap, err := TryLoad(path, opts...)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			slog.Error("cannot load snapshot", "path", loadErr.Path, "format", loadErr.Format.String(), "error", loadErr.Err)
		} else {
			slog.Error("cannot load snapshot", "path", path, "error", err)
		}
		exit(ExitCode)
		return nil
	}
	return snap
}

// Write writes d to path as a blob container.
func Write(path string, d Data) error {
	return snapshot.WriteAppSnapshot(path, d)
}

// IsAOTSnapshot reports whether path starts with the ELF magic.
func IsAOTSnapshot(path string) bool {
	return snapshot.IsAOTSnapshot(path)
}
