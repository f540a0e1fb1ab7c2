// Package snapshot loads precompiled runtime snapshots from the container
// formats a snapshot can be shipped in, and writes the blob container.
//
// A load either succeeds, finds that the file is in none of the known
// formats, or fails after a format was positively identified. Only the last
// case is an error, and callers must not continue with such a file.
package snapshot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/appsnap/internal/blob"
	"github.com/tinyrange/appsnap/internal/sections"
)

// Format names the container a snapshot was loaded from.
type Format int

const (
	FormatBlob Format = iota
	FormatELF
	FormatAppendedELF
	FormatMachO
	FormatDylib
)

func (f Format) String() string {
	switch f {
	case FormatBlob:
		return "blob"
	case FormatELF:
		return "elf"
	case FormatAppendedELF:
		return "appended-elf"
	case FormatMachO:
		return "macho-elf"
	case FormatDylib:
		return "dylib"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ErrAlreadyClosed is returned by a second Close of a Snapshot.
var ErrAlreadyClosed = errors.New("snapshot already closed")

// Snapshot is a loaded snapshot. It owns the memory behind its buffers
// until Close, which must be called exactly once.
type Snapshot interface {
	// Buffers returns the section addresses. IsolateData is never zero.
	Buffers() sections.Buffers
	// Format reports the container the snapshot came from.
	Format() Format
	// Close releases the mappings, image or library behind the buffers.
	Close() error
}

// SectionData is implemented by snapshots whose section sizes are known,
// which is only the case for blob containers.
type SectionData interface {
	Data() sections.Data
}

// LoadError reports a snapshot that was recognized but could not be loaded.
type LoadError struct {
	Format Format
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	return "load " + e.Format.String() + " snapshot " + e.Path + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// release runs a cleanup function at most once.
type release struct {
	mu   sync.Mutex
	done bool
}

func (r *release) do(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return ErrAlreadyClosed
	}
	r.done = true
	return fn()
}

type mappedSnapshot struct {
	blob    *blob.Mapped
	release release
}

func (s *mappedSnapshot) Buffers() sections.Buffers { return s.blob.Buffers() }
func (s *mappedSnapshot) Format() Format            { return FormatBlob }
func (s *mappedSnapshot) Data() sections.Data       { return s.blob.Data() }

func (s *mappedSnapshot) Close() error {
	return s.release.do(s.blob.Close)
}

type elfSnapshot struct {
	format  Format
	image   LoadedELF
	buffers sections.Buffers
	release release
}

func (s *elfSnapshot) Buffers() sections.Buffers { return s.buffers }
func (s *elfSnapshot) Format() Format            { return s.format }

func (s *elfSnapshot) Close() error {
	return s.release.do(s.image.Unload)
}

// library is an open shared library.
type library interface {
	Lookup(name string) (uintptr, bool)
	Close() error
}

type dylibSnapshot struct {
	lib     library
	buffers sections.Buffers
	release release
}

func (s *dylibSnapshot) Buffers() sections.Buffers { return s.buffers }
func (s *dylibSnapshot) Format() Format            { return FormatDylib }

func (s *dylibSnapshot) Close() error {
	return s.release.do(s.lib.Close)
}

var (
	_ Snapshot    = (*mappedSnapshot)(nil)
	_ SectionData = (*mappedSnapshot)(nil)
	_ Snapshot    = (*elfSnapshot)(nil)
	_ Snapshot    = (*dylibSnapshot)(nil)
)
