// Package blob implements the page-aligned snapshot container.
//
// The container starts with a 40 byte header:
//
//	+0x00 magic (8 bytes)
//	+0x08 vm data size (int64, little endian)
//	+0x10 vm instructions size
//	+0x18 isolate data size
//	+0x20 isolate instructions size
//
// followed by the four sections in the same order. Every non-empty section
// starts at a multiple of PageSize. Empty sections take no space and add no
// padding.
package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/appsnap/internal/sections"
)

const (
	HeaderSize = sections.MagicSize + sections.Count*8
	PageSize   = 16 * 1024
)

// static assert for HeaderSize
var _ [0]struct{} = [HeaderSize - 5*8]struct{}{}

// ErrNotBlob reports that a file is not a blob container. It is the only
// error a reader returns before the header magic has been verified.
var ErrNotBlob = errors.New("not a snapshot blob")

// Header is the decoded container header.
type Header struct {
	Sizes [sections.Count]int64
}

// Size returns the recorded size of section s.
func (h Header) Size(s sections.Section) int64 {
	return h.Sizes[s]
}

// Encode returns the 40 byte on-disk form of h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, sections.Magic[:])
	for i, size := range h.Sizes {
		binary.LittleEndian.PutUint64(buf[sections.MagicSize+8*i:], uint64(size))
	}
	return buf
}

// DecodeHeader parses a header from buf. A short buffer or a magic mismatch
// yields ErrNotBlob.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrNotBlob
	}
	if !bytes.Equal(buf[:sections.MagicSize], sections.Magic[:]) {
		return Header{}, ErrNotBlob
	}

	var h Header
	for i := range h.Sizes {
		h.Sizes[i] = int64(binary.LittleEndian.Uint64(buf[sections.MagicSize+8*i:]))
	}
	return h, nil
}

// ReadHeader reads exactly one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrNotBlob
		}
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return DecodeHeader(buf[:])
}

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// Layout records where each section lives in the file. Offsets of empty
// sections are meaningless and reported as the running end of the previous
// section.
type Layout struct {
	Offsets [sections.Count]int64
	Sizes   [sections.Count]int64
	End     int64
}

// Offset returns the file offset of section s.
func (l Layout) Offset(s sections.Section) int64 {
	return l.Offsets[s]
}

// ComputeLayout places the sections of h. Each non-empty section starts at
// the end of the previous one rounded up once to PageSize.
func ComputeLayout(h Header) Layout {
	l := Layout{Sizes: h.Sizes}
	cursor := int64(HeaderSize)
	for i, size := range h.Sizes {
		if size == 0 {
			l.Offsets[i] = cursor
			continue
		}
		l.Offsets[i] = RoundUp(cursor, PageSize)
		cursor = l.Offsets[i] + size
	}
	l.End = cursor
	return l
}

// Validate checks that the sizes in h are usable for a file of fileSize bytes.
func (h Header) Validate(fileSize int64) error {
	for i, size := range h.Sizes {
		if size < 0 {
			return fmt.Errorf("%v size is negative: %d", sections.Section(i), size)
		}
	}

	l := ComputeLayout(h)
	for i, size := range h.Sizes {
		if size == 0 {
			continue
		}
		if end := l.Offsets[i] + size; end < l.Offsets[i] || end > fileSize {
			return fmt.Errorf("%v [%#x, %#x) extends past end of file (%#x)",
				sections.Section(i), l.Offsets[i], l.Offsets[i]+size, fileSize)
		}
	}
	return nil
}
