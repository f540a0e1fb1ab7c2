//go:build darwin || linux

package dylib

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// Library is an open shared library.
type Library struct {
	mu     sync.Mutex
	path   string
	handle uintptr
	closed bool
}

// Open loads path with immediate binding and local symbol scope. path
// should be absolute: dlopen searches the library path for bare names.
func Open(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	return &Library{path: path, handle: handle}, nil
}

// Path returns the path the library was opened from.
func (l *Library) Path() string {
	return l.path
}

// Lookup returns the address of symbol name.
func (l *Library) Lookup(name string) (uintptr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, false
	}
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil || addr == 0 {
		return 0, false
	}
	return addr, true
}

// Close unloads the library.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}
	l.closed = true
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("dlclose %s: %w", l.path, err)
	}
	return nil
}
