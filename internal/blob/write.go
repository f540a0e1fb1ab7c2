package blob

import (
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/appsnap/internal/sections"
)

var paddingBytes [PageSize]byte

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) pad(to int64) error {
	for c.n < to {
		chunk := to - c.n
		if chunk > PageSize {
			chunk = PageSize
		}
		if _, err := c.Write(paddingBytes[:chunk]); err != nil {
			return err
		}
	}
	return nil
}

// Write serializes d as a blob container. It only writes forward, so w does
// not need to support seeking. It returns the number of bytes written.
func Write(w io.Writer, d sections.Data) (int64, error) {
	cw := &countingWriter{w: w}

	hdr := Header{Sizes: d.Sizes()}
	if _, err := cw.Write(hdr.Encode()); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}

	for _, s := range sections.All {
		buf := d.Get(s)
		if len(buf) == 0 {
			continue
		}
		if err := cw.pad(RoundUp(cw.n, PageSize)); err != nil {
			return cw.n, fmt.Errorf("pad before %v: %w", s, err)
		}
		if _, err := cw.Write(buf); err != nil {
			return cw.n, fmt.Errorf("write %v: %w", s, err)
		}
	}

	return cw.n, nil
}

// WriteFile writes d to path, truncating any existing file.
func WriteFile(path string, d sections.Data) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	if _, err := Write(f, d); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
