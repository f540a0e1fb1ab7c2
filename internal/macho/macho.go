// Package macho finds a snapshot embedded in a Mach-O executable. Mach-O
// binaries cannot carry appended bytes once signed, so the snapshot ELF image
// is linked into a reserved section instead.
package macho

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	SegmentName = "__CUSTOM"
	SectionName = "__dart_app_snap"
)

// Raw Mach-O magic numbers as read in host byte order. The CIGAM variants
// are what a container built for the other byte order looks like.
const (
	magic32   uint32 = 0xfeedface
	cigam32   uint32 = 0xcefaedfe
	magic64   uint32 = 0xfeedfacf
	cigam64   uint32 = 0xcffaedfe
	magicSize        = 4
)

var (
	// ErrNotMachO reports a file that does not start with a Mach-O magic.
	ErrNotMachO = errors.New("not a Mach-O binary")
	// ErrNoPayload reports a Mach-O binary without the reserved section.
	ErrNoPayload = errors.New("no embedded snapshot section")

	ErrByteSwapped = errors.New("byte-swapped Mach-O containers are not supported")
	Err32Bit       = errors.New("32-bit Mach-O containers are not supported")
)

// Kind classifies the first four bytes of a file.
type Kind int

const (
	KindNone Kind = iota
	Kind64
	Kind64Swapped
	Kind32
	Kind32Swapped
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case Kind64:
		return "mach-o 64"
	case Kind64Swapped:
		return "mach-o 64 (byte-swapped)"
	case Kind32:
		return "mach-o 32"
	case Kind32Swapped:
		return "mach-o 32 (byte-swapped)"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Identify reads the magic at the start of r.
func Identify(r io.ReaderAt) Kind {
	var buf [magicSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return KindNone
	}

	switch binary.NativeEndian.Uint32(buf[:]) {
	case magic64:
		return Kind64
	case cigam64:
		return Kind64Swapped
	case magic32:
		return Kind32
	case cigam32:
		return Kind32Swapped
	default:
		return KindNone
	}
}

// IsMachO reports whether path starts with any single-architecture Mach-O
// magic, in either byte order.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	return Identify(f) != KindNone
}

// ReadPayload returns a copy of the reserved section of the Mach-O file in r.
//
// ErrNotMachO and ErrNoPayload mean the file does not carry a snapshot.
// Every other error means the file is a Mach-O container that could not be
// used.
func ReadPayload(r io.ReaderAt) ([]byte, error) {
	switch Identify(r) {
	case KindNone:
		return nil, ErrNotMachO
	case Kind64Swapped, Kind32Swapped:
		return nil, ErrByteSwapped
	case Kind32:
		return nil, Err32Bit
	}

	f, err := macho.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse Mach-O: %w", err)
	}
	defer f.Close()

	for _, sect := range f.Sections {
		if sect.Seg != SegmentName || sect.Name != SectionName {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("read %s,%s: %w", SegmentName, SectionName, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s,%s is empty", SegmentName, SectionName)
		}
		return data, nil
	}

	return nil, ErrNoPayload
}

// ReadPayloadFile opens path and returns its embedded snapshot section.
func ReadPayloadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrNotMachO
	}
	defer f.Close()

	return ReadPayload(f)
}
