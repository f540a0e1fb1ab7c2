//go:build unix

package mmap

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mapped")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMapFileWindow(t *testing.T) {
	pageSize := PageSize()
	data := make([]byte, 3*pageSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	f := writeTemp(t, data)

	for _, tc := range []struct {
		name   string
		offset int64
		length int
		prot   Prot
	}{
		{"aligned", int64(pageSize), pageSize, ReadOnly},
		{"unaligned", 100, 500, ReadOnly},
		{"executable", int64(2 * pageSize), 64, ReadExecute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := MapFile(f, tc.offset, tc.length, tc.prot)
			if err != nil {
				t.Fatalf("MapFile failed: %v", err)
			}
			defer r.Close()

			want := data[tc.offset : tc.offset+int64(tc.length)]
			if !bytes.Equal(r.Bytes(), want) {
				t.Fatalf("mapped window does not match file contents")
			}
			if r.Len() != tc.length {
				t.Fatalf("Len()=%d, want %d", r.Len(), tc.length)
			}
			if r.Addr() == 0 {
				t.Fatalf("Addr()=0 for a live mapping")
			}
		})
	}
}

func TestMapFileInvalid(t *testing.T) {
	f := writeTemp(t, []byte("data"))

	if _, err := MapFile(f, 0, 0, ReadOnly); err == nil {
		t.Fatalf("expected error for zero length")
	}
	if _, err := MapFile(f, -1, 4, ReadOnly); err == nil {
		t.Fatalf("expected error for negative offset")
	}
}

func TestAnonymousProtect(t *testing.T) {
	pageSize := PageSize()
	r, err := Anonymous(2 * pageSize)
	if err != nil {
		t.Fatalf("Anonymous failed: %v", err)
	}

	copy(r.Bytes(), "hello")
	if err := r.Protect(0, pageSize, ReadExecute); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if got := string(r.Bytes()[:5]); got != "hello" {
		t.Fatalf("contents after protect=%q, want hello", got)
	}
	if err := r.Protect(pageSize, 2*pageSize, ReadOnly); err == nil {
		t.Fatalf("expected out of range error")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close=%v, want ErrClosed", err)
	}
	if err := r.Protect(0, pageSize, ReadOnly); !errors.Is(err, ErrClosed) {
		t.Fatalf("Protect after Close=%v, want ErrClosed", err)
	}
}
