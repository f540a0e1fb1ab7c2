// Package dylib resolves snapshot sections from a shared library that
// exports them as symbols.
package dylib

import (
	"errors"
	"fmt"

	"github.com/tinyrange/appsnap/internal/sections"
)

var (
	// ErrOpen reports that a file could not be opened as a library.
	ErrOpen = errors.New("not a loadable library")
	// ErrMissingSymbol reports that a mandatory section symbol is absent.
	ErrMissingSymbol = errors.New("missing mandatory symbol")

	ErrAlreadyClosed = errors.New("library already closed")
)

// SymbolTable looks up exported symbols.
type SymbolTable interface {
	Lookup(name string) (uintptr, bool)
}

// Resolve looks up the four section symbols in t. The isolate symbols are
// mandatory; the VM symbols resolve to zero when absent.
func Resolve(t SymbolTable) (sections.Buffers, error) {
	var b sections.Buffers
	for _, s := range sections.All {
		addr, ok := t.Lookup(s.CSymbol())
		if !ok {
			if s.Mandatory() {
				return sections.Buffers{}, fmt.Errorf("%w '%s'", ErrMissingSymbol, s.CSymbol())
			}
			continue
		}
		b.Set(s, addr)
	}
	return b, nil
}
