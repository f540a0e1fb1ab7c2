package blob

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tinyrange/appsnap/internal/mmap"
	"github.com/tinyrange/appsnap/internal/sections"
)

// ErrAlreadyClosed is returned by a second Close of a Mapped blob.
var ErrAlreadyClosed = errors.New("blob already closed")

// Mapped is a blob container whose non-empty sections are mapped into
// memory. Data sections are read-only, instruction sections read-execute.
type Mapped struct {
	mu      sync.Mutex
	layout  Layout
	regions [sections.Count]*mmap.Region
	closed  bool
}

// Open maps the blob container at path. It returns ErrNotBlob when the file
// is too short for a header or the magic does not match. Any error after the
// magic matched means the container is damaged.
func Open(path string) (*Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrNotBlob
	}
	defer f.Close()

	return Map(f)
}

// Map maps the blob container in f. The header is read from the start of
// the file.
func Map(f *os.File) (*Mapped, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, ErrNotBlob
	}
	if st.Size() < HeaderSize {
		return nil, ErrNotBlob
	}

	var buf [HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return nil, ErrNotBlob
	}
	hdr, err := DecodeHeader(buf[:])
	if err != nil {
		return nil, err
	}

	// From here on the file claims to be a blob.
	if err := hdr.Validate(st.Size()); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	m := &Mapped{layout: ComputeLayout(hdr)}
	for _, s := range sections.All {
		size := hdr.Size(s)
		if size == 0 {
			continue
		}

		prot := mmap.ReadOnly
		if s.Executable() {
			prot = mmap.ReadExecute
		}

		region, err := mmap.MapFile(f, m.layout.Offset(s), int(size), prot)
		if err != nil {
			m.release()
			return nil, fmt.Errorf("map %v: %w", s, err)
		}
		m.regions[s] = region
	}

	return m, nil
}

// Layout returns the section placement recorded in the header.
func (m *Mapped) Layout() Layout {
	return m.layout
}

// Data returns the mapped contents. Slices of empty sections are nil. The
// slices are only valid until Close.
func (m *Mapped) Data() sections.Data {
	var d sections.Data
	for _, s := range sections.All {
		if r := m.regions[s]; r != nil {
			d.Set(s, r.Bytes())
		}
	}
	return d
}

// Buffers returns the start address of every mapped section.
func (m *Mapped) Buffers() sections.Buffers {
	var b sections.Buffers
	for _, s := range sections.All {
		if r := m.regions[s]; r != nil {
			b.Set(s, r.Addr())
		}
	}
	return b
}

// Close unmaps every section.
func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true
	return m.release()
}

func (m *Mapped) release() error {
	var errs []error
	for i, r := range m.regions {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unmap %v: %w", sections.Section(i), err))
		}
		m.regions[i] = nil
	}
	return errors.Join(errs...)
}
