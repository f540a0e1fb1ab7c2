package snapshot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/appsnap/internal/blob"
	"github.com/tinyrange/appsnap/internal/sections"
)

// ErrIsolateRunning is returned when a snapshot is requested while an
// isolate is entered.
var ErrIsolateRunning = errors.New("cannot create a snapshot while an isolate is running")

// CompilationError reports a script that failed to compile to kernel
// bytecode.
type CompilationError struct {
	Script string
	Err    error
}

func (e *CompilationError) Error() string {
	return "compile " + e.Script + ": " + e.Err.Error()
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// WriteAppSnapshot writes d to path as a blob container.
func WriteAppSnapshot(path string, d sections.Data) error {
	return blob.WriteFile(path, d)
}

// IsAOTSnapshot reports whether path starts with the ELF magic. Only the
// first four bytes are read.
func IsAOTSnapshot(path string) bool {
	return hasELFMagic(path, 0)
}

// Generator writes snapshots produced by the runtime.
type Generator struct {
	Producer Producer
	Compiler Compiler
	// Runtime may be nil when no isolate can be running.
	Runtime Runtime
	// Strip removes debugging information from generated assembly.
	Strip  bool
	Logger *slog.Logger
}

func (g *Generator) log() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Generator) checkIdle() error {
	if g.Runtime != nil && g.Runtime.CurrentIsolate() {
		return ErrIsolateRunning
	}
	return nil
}

// GenerateAppJIT writes an application snapshot of the current program as
// a blob container with empty VM sections.
func (g *Generator) GenerateAppJIT(path string) error {
	if err := g.checkIdle(); err != nil {
		return err
	}
	if g.Producer == nil {
		return errors.New("no snapshot producer configured")
	}

	data, instructions, err := g.Producer.CreateAppJITSnapshot()
	if err != nil {
		return fmt.Errorf("create app-jit snapshot: %w", err)
	}

	if err := WriteAppSnapshot(path, sections.Data{
		IsolateData:         data,
		IsolateInstructions: instructions,
	}); err != nil {
		return err
	}

	g.log().Info("wrote app-jit snapshot",
		slog.String("path", path),
		slog.Int("isolate_data", len(data)),
		slog.Int("isolate_instructions", len(instructions)))
	return nil
}

type fileWriter struct {
	f *os.File
}

func (w fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("write snapshot file: %w", err)
	}
	return n, nil
}

// GenerateAppAOTAsAssembly streams the ahead-of-time snapshot assembly to
// path, truncating any existing file.
func (g *Generator) GenerateAppAOTAsAssembly(path string) (retErr error) {
	if g.Producer == nil {
		return errors.New("no snapshot producer configured")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("close snapshot file: %w", err)
		}
	}()

	var w io.Writer = fileWriter{f: f}
	if err := g.Producer.CreateAppAOTSnapshotAsAssembly(w, g.Strip); err != nil {
		return fmt.Errorf("create app-aot assembly: %w", err)
	}

	g.log().Info("wrote app-aot assembly", slog.String("path", path), slog.Bool("strip", g.Strip))
	return nil
}

// GenerateKernel writes the kernel bytecode for script to path. A script
// that already is bytecode is copied as is. The output has no container
// framing.
func (g *Generator) GenerateKernel(path, script, packageConfig string) error {
	if err := g.checkIdle(); err != nil {
		return err
	}
	if g.Compiler == nil {
		return errors.New("no kernel compiler configured")
	}

	kernel, ok := g.Compiler.ReadScript(script)
	if !ok {
		var err error
		kernel, err = g.Compiler.CompileScript(script, packageConfig)
		if err != nil {
			return &CompilationError{Script: script, Err: err}
		}
	}

	if err := os.WriteFile(path, kernel, 0o644); err != nil {
		return fmt.Errorf("write kernel file: %w", err)
	}

	g.log().Info("wrote kernel", slog.String("path", path), slog.Int("size", len(kernel)), slog.Bool("compiled", !ok))
	return nil
}
