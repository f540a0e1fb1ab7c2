package snapshot

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tinyrange/appsnap/internal/blob"
	"github.com/tinyrange/appsnap/internal/dylib"
	"github.com/tinyrange/appsnap/internal/macho"
	"github.com/tinyrange/appsnap/internal/mmap"
	"github.com/tinyrange/appsnap/internal/sections"
	"github.com/tinyrange/appsnap/internal/trailer"
)

var errNoIsolateData = errors.New("isolate data section is empty")

// LoadOptions adjusts a single TryLoad call.
type LoadOptions struct {
	// ForceLoadFromMemory skips the dynamic linker and reads ELF images
	// into memory before loading them.
	ForceLoadFromMemory bool
	// DecodeURI treats the path argument as a URI or percent-encoded path.
	DecodeURI bool
}

// Loader probes a file against every snapshot container format.
type Loader struct {
	// ELF loads ELF images. Nil selects DefaultELFLoader.
	ELF ELFLoader
	// Precompiled enables the ELF, Mach-O and shared library formats. Only
	// the blob format is probed when it is false.
	Precompiled bool
	// MachO enables the Mach-O container. It is normally set only on
	// darwin.
	MachO bool
	// Logger receives one debug record per probe step. Nil selects
	// slog.Default.
	Logger *slog.Logger

	openLibrary func(path string) (library, error)
}

// NewLoader returns a Loader for the running platform.
func NewLoader() *Loader {
	return &Loader{
		ELF:         DefaultELFLoader(),
		Precompiled: true,
		MachO:       runtime.GOOS == "darwin",
	}
}

func (l *Loader) elf() ELFLoader {
	if l.ELF == nil {
		return DefaultELFLoader()
	}
	return l.ELF
}

func (l *Loader) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Loader) open(path string) (library, error) {
	if l.openLibrary != nil {
		return l.openLibrary(path)
	}
	lib, err := dylib.Open(path)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

func (l *Loader) miss(path string, format Format, reason string) {
	l.log().Debug("snapshot probe", "path", path, "format", format.String(), "result", "no match", "reason", reason)
}

func (l *Loader) hit(path string, format Format) {
	l.log().Debug("snapshot probe", "path", path, "format", format.String(), "result", "loaded")
}

func (l *Loader) fail(path string, format Format, err error) error {
	l.log().Debug("snapshot probe", "path", path, "format", format.String(), "result", "failed", "error", err)
	return &LoadError{Format: format, Path: path, Err: err}
}

// TryLoad loads the snapshot at path. The formats are tried in order: blob,
// Mach-O, shared library, ELF at offset zero, and an ELF located by an
// appended trailer. The first format that identifies the file decides the
// result.
//
// A nil Snapshot with a nil error means the file is not a snapshot. An error
// is always a *LoadError.
func (l *Loader) TryLoad(path string, opts LoadOptions) (Snapshot, error) {
	if opts.DecodeURI {
		decoded, err := URIToPath(path)
		if err != nil {
			l.log().Debug("snapshot probe", "path", path, "result", "no match", "reason", err.Error())
			return nil, nil
		}
		path = decoded
	}

	if !l.regular(path) {
		return nil, nil
	}

	if snap, err := l.tryBlob(path); snap != nil || err != nil {
		return snap, err
	}
	if !l.Precompiled {
		return nil, nil
	}

	if l.MachO {
		if snap, err := l.tryMachO(path); snap != nil || err != nil {
			return snap, err
		}
	}

	resolved := realpath(path)

	if !opts.ForceLoadFromMemory {
		if snap, err := l.tryDylib(resolved); snap != nil || err != nil {
			return snap, err
		}
	} else {
		l.miss(resolved, FormatDylib, "load from memory forced")
	}

	if snap, err := l.tryELF(resolved, opts.ForceLoadFromMemory); snap != nil || err != nil {
		return snap, err
	}

	return l.tryAppended(resolved)
}

// TryLoadAppended loads a snapshot embedded in an executable. When Mach-O
// support is enabled and the container is a Mach-O file, only its reserved
// section is consulted. Otherwise the appended trailer is used.
func (l *Loader) TryLoadAppended(path string) (Snapshot, error) {
	if !l.regular(path) {
		return nil, nil
	}
	if l.MachO && macho.IsMachO(path) {
		return l.tryMachO(path)
	}
	return l.tryAppended(path)
}

// regular reports whether path is a regular file. Opening anything else,
// such as a FIFO, may block.
func (l *Loader) regular(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		l.log().Debug("snapshot probe", "path", path, "result", "no match", "reason", err.Error())
		return false
	}
	if !st.Mode().IsRegular() {
		l.log().Debug("snapshot probe", "path", path, "result", "no match", "reason", "not a regular file")
		return false
	}
	return true
}

func (l *Loader) tryBlob(path string) (Snapshot, error) {
	m, err := blob.Open(path)
	if errors.Is(err, blob.ErrNotBlob) {
		l.miss(path, FormatBlob, "magic mismatch")
		return nil, nil
	}
	if err != nil {
		return nil, l.fail(path, FormatBlob, err)
	}
	if m.Buffers().IsolateData == 0 {
		m.Close()
		return nil, l.fail(path, FormatBlob, errNoIsolateData)
	}

	l.hit(path, FormatBlob)
	return &mappedSnapshot{blob: m}, nil
}

func (l *Loader) tryMachO(path string) (Snapshot, error) {
	payload, err := macho.ReadPayloadFile(path)
	if errors.Is(err, macho.ErrNotMachO) || errors.Is(err, macho.ErrNoPayload) {
		l.miss(path, FormatMachO, err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, l.fail(path, FormatMachO, err)
	}

	img, err := l.elf().LoadMemory(payload)
	if err != nil {
		return nil, l.fail(path, FormatMachO, err)
	}
	return l.elfSnapshot(path, FormatMachO, img)
}

func (l *Loader) tryDylib(path string) (Snapshot, error) {
	lib, err := l.open(path)
	if err != nil {
		l.miss(path, FormatDylib, err.Error())
		return nil, nil
	}

	buffers, err := dylib.Resolve(lib)
	if err != nil {
		lib.Close()
		return nil, l.fail(path, FormatDylib, err)
	}

	l.hit(path, FormatDylib)
	return &dylibSnapshot{lib: lib, buffers: buffers}, nil
}

func (l *Loader) tryELF(path string, fromMemory bool) (Snapshot, error) {
	if !hasELFMagic(path, 0) {
		l.miss(path, FormatELF, "magic mismatch")
		return nil, nil
	}
	return l.loadELF(path, 0, fromMemory, FormatELF)
}

func (l *Loader) tryAppended(path string) (Snapshot, error) {
	offset, err := trailer.FindFile(path)
	if err != nil {
		l.miss(path, FormatAppendedELF, err.Error())
		return nil, nil
	}
	if !hasELFMagic(path, offset) {
		return nil, l.fail(path, FormatAppendedELF, fmt.Errorf("no ELF image at trailer offset %#x", offset))
	}
	return l.loadELF(path, offset, false, FormatAppendedELF)
}

func (l *Loader) loadELF(path string, offset int64, fromMemory bool, format Format) (Snapshot, error) {
	var (
		img LoadedELF
		err error
	)
	if fromMemory {
		img, err = l.loadELFFromMemory(path, offset)
	} else {
		img, err = l.elf().LoadFile(path, offset)
	}
	if err != nil {
		return nil, l.fail(path, format, err)
	}
	return l.elfSnapshot(path, format, img)
}

func (l *Loader) loadELFFromMemory(path string, offset int64) (LoadedELF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	region, err := mmap.MapFile(f, 0, int(st.Size()), mmap.ReadOnly)
	if errors.Is(err, mmap.ErrUnsupported) {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return l.elf().LoadMemory(data[offset:])
	}
	if err != nil {
		return nil, err
	}
	defer region.Close()

	return l.elf().LoadMemory(region.Bytes()[offset:])
}

func (l *Loader) elfSnapshot(path string, format Format, img LoadedELF) (Snapshot, error) {
	buffers := img.Buffers()
	if buffers.IsolateData == 0 {
		img.Unload()
		return nil, l.fail(path, format, fmt.Errorf("%w: missing %s", errNoIsolateData, sections.IsolateData.Symbol()))
	}

	l.hit(path, format)
	return &elfSnapshot{format: format, image: img, buffers: buffers}, nil
}

func hasELFMagic(path string, offset int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [len(elf.ELFMAG)]byte
	if _, err := f.ReadAt(magic[:], offset); err != nil {
		return false
	}
	return string(magic[:]) == elf.ELFMAG
}

// realpath resolves path to an absolute path without symlinks. The
// original path is returned when resolution fails.
func realpath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

// URIToPath converts a file URI or a percent-encoded path to a native path.
func URIToPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file:") {
		return url.PathUnescape(uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file uri with remote host %q", u.Host)
	}
	if u.Opaque != "" {
		return url.PathUnescape(u.Opaque)
	}
	return filepath.FromSlash(u.Path), nil
}
