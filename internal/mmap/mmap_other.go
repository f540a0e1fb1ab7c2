//go:build !unix

package mmap

import "os"

// PageSize returns the host page size.
func PageSize() int {
	return os.Getpagesize()
}

// MapFile maps length bytes of f starting at offset as a private mapping.
// Memory mapping is not available on this platform, so it always fails
// with ErrUnsupported.
func MapFile(f *os.File, offset int64, length int, prot Prot) (*Region, error) {
	return nil, ErrUnsupported
}

// Anonymous maps length zeroed bytes as read-write memory. It always fails
// with ErrUnsupported on this platform.
func Anonymous(length int) (*Region, error) {
	return nil, ErrUnsupported
}

// Addr returns the address of the first byte of the mapped window.
func (r *Region) Addr() uintptr {
	return 0
}

// Protect changes the protection of the pages covering [off, off+length) of
// the window. It always fails with ErrUnsupported on this platform.
func (r *Region) Protect(off, length int, prot Prot) error {
	return ErrUnsupported
}

// Close unmaps the region. It always fails with ErrUnsupported on this
// platform.
func (r *Region) Close() error {
	return ErrUnsupported
}
