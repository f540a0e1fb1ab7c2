package snapshot

import (
	"io"

	"github.com/tinyrange/appsnap/internal/elfload"
	"github.com/tinyrange/appsnap/internal/sections"
)

// ELFLoader loads snapshot ELF images and resolves their section symbols.
type ELFLoader interface {
	// LoadFile loads the image starting at offset inside path.
	LoadFile(path string, offset int64) (LoadedELF, error)
	// LoadMemory loads an image already read into memory.
	LoadMemory(image []byte) (LoadedELF, error)
}

// LoadedELF is an image returned by an ELFLoader.
type LoadedELF interface {
	Buffers() sections.Buffers
	Unload() error
}

// Producer creates snapshots of the current program. It belongs to the
// runtime and is opaque to this package.
type Producer interface {
	// CreateAppJITSnapshot returns the isolate data and instructions.
	// Instructions are empty on architectures without code snapshots.
	CreateAppJITSnapshot() (isolateData, isolateInstructions []byte, err error)
	// CreateAppAOTSnapshotAsAssembly streams assembly source to w.
	CreateAppAOTSnapshotAsAssembly(w io.Writer, strip bool) error
}

// Runtime reports whether an isolate is currently entered.
type Runtime interface {
	CurrentIsolate() bool
}

// Compiler turns scripts into kernel bytecode.
type Compiler interface {
	// ReadScript returns the contents of script when it already is kernel
	// bytecode.
	ReadScript(script string) ([]byte, bool)
	// CompileScript compiles script using the given package configuration.
	CompileScript(script, packageConfig string) ([]byte, error)
}

type defaultELFLoader struct {
	loader elfload.Loader
}

// DefaultELFLoader returns the in-process ELF loader from package elfload.
func DefaultELFLoader() ELFLoader {
	return defaultELFLoader{}
}

func (d defaultELFLoader) LoadFile(path string, offset int64) (LoadedELF, error) {
	img, err := d.loader.LoadFile(path, offset)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d defaultELFLoader) LoadMemory(image []byte) (LoadedELF, error) {
	img, err := d.loader.LoadMemory(image)
	if err != nil {
		return nil, err
	}
	return img, nil
}
