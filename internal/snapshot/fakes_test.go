package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/appsnap/internal/sections"
)

type elfCall struct {
	path   string
	offset int64
	memory []byte
}

type fakeImage struct {
	buffers  sections.Buffers
	unloaded int
}

func (img *fakeImage) Buffers() sections.Buffers { return img.buffers }

func (img *fakeImage) Unload() error {
	img.unloaded++
	return nil
}

type fakeELF struct {
	buffers sections.Buffers
	err     error
	calls   []elfCall
	images  []*fakeImage
}

func (f *fakeELF) load(call elfCall) (LoadedELF, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	img := &fakeImage{buffers: f.buffers}
	f.images = append(f.images, img)
	return img, nil
}

func (f *fakeELF) LoadFile(path string, offset int64) (LoadedELF, error) {
	return f.load(elfCall{path: path, offset: offset})
}

func (f *fakeELF) LoadMemory(image []byte) (LoadedELF, error) {
	return f.load(elfCall{memory: append([]byte(nil), image...)})
}

type fakeLibrary struct {
	symbols map[string]uintptr
	closed  int
}

func (l *fakeLibrary) Lookup(name string) (uintptr, bool) {
	addr, ok := l.symbols[name]
	return addr, ok
}

func (l *fakeLibrary) Close() error {
	l.closed++
	return nil
}

var errNotALibrary = errors.New("not a shared library")

// testLoader returns a loader whose ELF and shared library backends are
// fakes. Opening a library fails unless lib is set.
func testLoader(elf *fakeELF, lib *fakeLibrary) (*Loader, *[]string) {
	var opened []string
	l := &Loader{
		ELF:         elf,
		Precompiled: true,
		openLibrary: func(path string) (library, error) {
			opened = append(opened, path)
			if lib == nil {
				return nil, errNotALibrary
			}
			return lib, nil
		},
	}
	return l, &opened
}

func fullBuffers() sections.Buffers {
	return sections.Buffers{
		VMData:              0x1000,
		VMInstructions:      0x2000,
		IsolateData:         0x3000,
		IsolateInstructions: 0x4000,
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func mustClose(t *testing.T, snap Snapshot) {
	t.Helper()

	if err := snap.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := snap.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second Close error=%v, want ErrAlreadyClosed", err)
	}
}
