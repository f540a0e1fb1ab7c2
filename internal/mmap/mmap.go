// Package mmap creates page mappings of files and anonymous memory with
// explicit protections. A mapping is never writable and executable at once.
package mmap

import (
	"errors"
	"fmt"
)

// Prot is the access granted to a mapping.
type Prot int

const (
	ReadOnly Prot = iota
	ReadWrite
	ReadExecute
)

func (p Prot) String() string {
	switch p {
	case ReadOnly:
		return "r--"
	case ReadWrite:
		return "rw-"
	case ReadExecute:
		return "r-x"
	default:
		return fmt.Sprintf("prot(%d)", int(p))
	}
}

var (
	ErrClosed      = errors.New("mmap: region already unmapped")
	ErrUnsupported = errors.New("mmap: not supported on this platform")
)

// Region is a live mapping. Bytes returns the requested window, which may
// start inside the first page of the underlying mapping when the file offset
// was not aligned to the host page size.
type Region struct {
	mem    []byte
	data   []byte
	closed bool
}

// Bytes returns the mapped window.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the length of the mapped window.
func (r *Region) Len() int {
	return len(r.data)
}
