// Package elfload loads a snapshot shared object into anonymous memory and
// resolves the four snapshot symbols. It does not run relocations or
// initializers: snapshot images are position independent data plus code
// that the runtime enters through the resolved addresses.
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/tinyrange/appsnap/internal/mmap"
	"github.com/tinyrange/appsnap/internal/sections"
)

var (
	ErrNotELF        = errors.New("not an ELF image")
	ErrAlreadyClosed = errors.New("ELF image already unloaded")
)

// Loader loads snapshot ELF images. The zero value checks the image machine
// against the running program.
type Loader struct {
	// AnyMachine disables the machine check.
	AnyMachine bool
}

// Image is a loaded snapshot ELF image.
type Image struct {
	mu      sync.Mutex
	region  *mmap.Region
	buffers sections.Buffers
	closed  bool
}

// Buffers returns the resolved section addresses.
func (img *Image) Buffers() sections.Buffers {
	return img.buffers
}

// Unload releases the image memory. Addresses returned by Buffers are
// invalid afterwards.
func (img *Image) Unload() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.closed {
		return ErrAlreadyClosed
	}
	img.closed = true
	return img.region.Close()
}

// LoadFile loads the ELF image that starts at offset inside path.
func (l Loader) LoadFile(path string, offset int64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if offset < 0 || offset >= st.Size() {
		return nil, fmt.Errorf("offset %#x outside %s (%d bytes)", offset, path, st.Size())
	}

	return l.load(io.NewSectionReader(f, offset, st.Size()-offset), st.Size()-offset)
}

// LoadMemory loads an ELF image held in memory. The image is copied, so the
// caller may release image once LoadMemory returns.
func (l Loader) LoadMemory(image []byte) (*Image, error) {
	return l.load(bytes.NewReader(image), int64(len(image)))
}

// HostMachine returns the ELF machine of the running program, or EM_NONE
// when the architecture has no mapping.
func HostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	case "386":
		return elf.EM_386
	case "arm":
		return elf.EM_ARM
	default:
		return elf.EM_NONE
	}
}

func (l Loader) checkHeader(f *elf.File) error {
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("unsupported ELF class %v", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("unsupported ELF byte order %v", f.Data)
	}
	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return fmt.Errorf("unsupported ELF type %v", f.Type)
	}
	if host := HostMachine(); !l.AnyMachine && host != elf.EM_NONE && f.Machine != host {
		return fmt.Errorf("ELF machine %v does not match host %v", f.Machine, host)
	}
	return nil
}

func (l Loader) load(r io.ReaderAt, size int64) (*Image, error) {
	var magic [len(elf.ELFMAG)]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil || string(magic[:]) != elf.ELFMAG {
		return nil, ErrNotELF
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if err := l.checkHeader(f); err != nil {
		return nil, err
	}

	region, base, err := mapSegments(f, size)
	if err != nil {
		return nil, err
	}

	buffers, err := resolve(f, region, base)
	if err != nil {
		region.Close()
		return nil, err
	}

	return &Image{region: region, buffers: buffers}, nil
}

func resolve(f *elf.File, region *mmap.Region, base uint64) (sections.Buffers, error) {
	values := make(map[string]uint64)
	collect := func(syms []elf.Symbol, err error) {
		if err != nil {
			return
		}
		for _, sym := range syms {
			if _, ok := values[sym.Name]; !ok && sym.Section != elf.SHN_UNDEF {
				values[sym.Name] = sym.Value
			}
		}
	}
	collect(f.DynamicSymbols())
	collect(f.Symbols())

	var b sections.Buffers
	for _, s := range sections.All {
		value, ok := values[s.Symbol()]
		if !ok {
			continue
		}
		if value < base || value-base >= uint64(region.Len()) {
			return b, fmt.Errorf("symbol %s at %#x is outside the loaded image", s.Symbol(), value)
		}
		b.Set(s, region.Addr()+uintptr(value-base))
	}

	if b.IsolateData == 0 {
		return b, fmt.Errorf("missing symbol %s", sections.IsolateDataSymbol)
	}
	return b, nil
}
