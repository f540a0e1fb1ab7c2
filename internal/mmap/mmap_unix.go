//go:build unix

package mmap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize returns the host page size.
func PageSize() int {
	return unix.Getpagesize()
}

func (p Prot) unix() int {
	switch p {
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return unix.PROT_READ
	}
}

// MapFile maps length bytes of f starting at offset as a private mapping.
func MapFile(f *os.File, offset int64, length int, prot Prot) (*Region, error) {
	if length <= 0 {
		return nil, fmt.Errorf("map %s: invalid length %d", f.Name(), length)
	}
	if offset < 0 {
		return nil, fmt.Errorf("map %s: invalid offset %d", f.Name(), offset)
	}

	// mmap needs a page aligned file offset.
	pageSize := int64(unix.Getpagesize())
	delta := offset % pageSize
	aligned := offset - delta

	mem, err := unix.Mmap(int(f.Fd()), aligned, int(delta)+length, prot.unix(), unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("map %s at %#x (%d bytes, %v): %w", f.Name(), offset, length, prot, err)
	}

	return &Region{
		mem:  mem,
		data: mem[delta : int(delta)+length],
	}, nil
}

// Anonymous maps length zeroed bytes as read-write memory.
func Anonymous(length int) (*Region, error) {
	if length <= 0 {
		return nil, fmt.Errorf("map anonymous: invalid length %d", length)
	}

	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("map anonymous (%d bytes): %w", length, err)
	}

	return &Region{mem: mem, data: mem}, nil
}

// Addr returns the address of the first byte of the mapped window.
func (r *Region) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// Protect changes the protection of the pages covering [off, off+length) of
// the window. off must be page aligned relative to the window start.
func (r *Region) Protect(off, length int, prot Prot) error {
	if r.closed {
		return ErrClosed
	}
	if off < 0 || length <= 0 || off+length > len(r.data) {
		return fmt.Errorf("protect [%#x, %#x): out of range (len %#x)", off, off+length, len(r.data))
	}
	if err := unix.Mprotect(r.data[off:off+length], prot.unix()); err != nil {
		return fmt.Errorf("protect [%#x, %#x) %v: %w", off, off+length, prot, err)
	}
	return nil
}

// Close unmaps the region. It fails with ErrClosed when called twice.
func (r *Region) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true

	mem := r.mem
	r.mem, r.data = nil, nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	return nil
}
