//go:build !darwin && !linux

package dylib

import "fmt"

// Library is an open shared library. No library can be opened on this
// platform.
type Library struct {
	path string
}

// Open loads path with immediate binding and local symbol scope. It always
// fails with ErrOpen on this platform.
func Open(path string) (*Library, error) {
	return nil, fmt.Errorf("%w: %s: dynamic libraries are not supported on this platform", ErrOpen, path)
}

// Path returns the path the library was opened from.
func (l *Library) Path() string {
	return l.path
}

// Lookup returns the address of symbol name.
func (l *Library) Lookup(name string) (uintptr, bool) {
	return 0, false
}

// Close unloads the library.
func (l *Library) Close() error {
	return ErrAlreadyClosed
}
