// Package trailer reads and writes the 16 byte record that marks a snapshot
// payload appended to a host executable:
//
//	[payload offset: uint64 little endian][magic: 8 bytes]
//
// The record is always the last 16 bytes of the file.
package trailer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/appsnap/internal/blob"
	"github.com/tinyrange/appsnap/internal/sections"
)

// Size is the length of the trailer record.
const Size = 8 + sections.MagicSize

// ErrNoTrailer reports that a file carries no valid trailer.
var ErrNoTrailer = errors.New("no appended snapshot trailer")

// Encode returns the trailer pointing at offset.
func Encode(offset int64) [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(offset))
	copy(buf[8:], sections.Magic[:])
	return buf
}

// Decode parses a trailer record. The offset must be strictly positive and
// the magic must match.
func Decode(buf []byte) (int64, error) {
	if len(buf) != Size {
		return 0, ErrNoTrailer
	}
	if !bytes.Equal(buf[8:], sections.Magic[:]) {
		return 0, ErrNoTrailer
	}
	offset := int64(binary.LittleEndian.Uint64(buf[:8]))
	if offset <= 0 {
		return 0, ErrNoTrailer
	}
	return offset, nil
}

// Find reads the trailer at the end of r, which holds size bytes, and
// returns the payload offset. An offset that points into the trailer itself
// or past it is rejected.
func Find(r io.ReaderAt, size int64) (int64, error) {
	if size < Size {
		return 0, ErrNoTrailer
	}

	var buf [Size]byte
	if _, err := r.ReadAt(buf[:], size-Size); err != nil {
		return 0, ErrNoTrailer
	}

	offset, err := Decode(buf[:])
	if err != nil {
		return 0, err
	}
	if offset >= size-Size {
		return 0, ErrNoTrailer
	}
	return offset, nil
}

// FindFile opens path and returns the payload offset of its trailer.
func FindFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ErrNoTrailer
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		return 0, ErrNoTrailer
	}
	return Find(f, st.Size())
}

// Embed writes host followed by payload and a trailer pointing at payload.
// The payload starts on a blob page boundary so loaders can map it in place.
// It returns the payload offset.
func Embed(w io.Writer, host, payload io.Reader) (int64, error) {
	n, err := io.Copy(w, host)
	if err != nil {
		return 0, fmt.Errorf("copy host: %w", err)
	}

	offset := blob.RoundUp(n, blob.PageSize)
	if offset == 0 {
		// A zero offset is never a valid trailer.
		offset = blob.PageSize
	}
	if _, err := io.CopyN(w, zeroReader{}, offset-n); err != nil {
		return 0, fmt.Errorf("pad host: %w", err)
	}

	m, err := io.Copy(w, payload)
	if err != nil {
		return 0, fmt.Errorf("copy payload: %w", err)
	}
	if m == 0 {
		return 0, errors.New("empty payload")
	}

	rec := Encode(offset)
	if _, err := w.Write(rec[:]); err != nil {
		return 0, fmt.Errorf("write trailer: %w", err)
	}
	return offset, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
