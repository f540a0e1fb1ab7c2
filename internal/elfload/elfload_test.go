//go:build unix

package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/tinyrange/appsnap/internal/sections"
	"github.com/tinyrange/appsnap/internal/snaptest"
)

func peek(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func fullData() sections.Data {
	return sections.Data{
		VMData:              []byte("vm data section"),
		VMInstructions:      bytes.Repeat([]byte{0xc3}, 40),
		IsolateData:         []byte("isolate data section"),
		IsolateInstructions: bytes.Repeat([]byte{0x90}, 70),
	}
}

func checkBuffers(t *testing.T, img *Image, d sections.Data) {
	t.Helper()

	b := img.Buffers()
	for _, s := range sections.All {
		want := d.Get(s)
		addr := b.Get(s)
		if len(want) == 0 {
			if addr != 0 {
				t.Fatalf("%v resolved to %#x, want absent", s, addr)
			}
			continue
		}
		if addr == 0 {
			t.Fatalf("%v not resolved", s)
		}
		if got := peek(addr, len(want)); !bytes.Equal(got, want) {
			t.Fatalf("%v contents=%q, want %q", s, got, want)
		}
	}
}

func TestLoadMemory(t *testing.T) {
	for _, dynamic := range []bool{false, true} {
		d := fullData()
		img, err := Loader{}.LoadMemory(snaptest.BuildELF(d, snaptest.ELFOptions{Dynamic: dynamic}))
		if err != nil {
			t.Fatalf("dynamic=%v: LoadMemory failed: %v", dynamic, err)
		}
		checkBuffers(t, img, d)
		if err := img.Unload(); err != nil {
			t.Fatalf("Unload failed: %v", err)
		}
	}
}

func TestLoadOptionalSections(t *testing.T) {
	d := sections.Data{
		IsolateData:         []byte("isolate only"),
		IsolateInstructions: []byte{0xc3},
	}
	img, err := Loader{}.LoadMemory(snaptest.BuildELF(d, snaptest.ELFOptions{}))
	if err != nil {
		t.Fatalf("LoadMemory failed: %v", err)
	}
	defer img.Unload()

	checkBuffers(t, img, d)
}

func TestLoadFileAtOffset(t *testing.T) {
	d := fullData()
	image := snaptest.BuildELF(d, snaptest.ELFOptions{})
	prefix := bytes.Repeat([]byte("host"), 1000)

	path := filepath.Join(t.TempDir(), "container")
	if err := os.WriteFile(path, append(prefix, image...), 0o755); err != nil {
		t.Fatal(err)
	}

	img, err := Loader{}.LoadFile(path, int64(len(prefix)))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	defer img.Unload()
	checkBuffers(t, img, d)

	if _, err := (Loader{}).LoadFile(path, 0); !errors.Is(err, ErrNotELF) {
		t.Fatalf("LoadFile at offset 0=%v, want ErrNotELF", err)
	}
	if _, err := (Loader{}).LoadFile(path, int64(len(prefix)+len(image))); err == nil {
		t.Fatalf("expected error for offset at end of file")
	}
}

func TestLoadRejects(t *testing.T) {
	foreign := elf.EM_MIPS
	if HostMachine() == foreign {
		foreign = elf.EM_X86_64
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"missing isolate data", snaptest.BuildELF(sections.Data{VMData: []byte("vm")}, snaptest.ELFOptions{})},
		{"writable text", snaptest.BuildELF(fullData(), snaptest.ELFOptions{WritableText: true})},
		{"foreign machine", snaptest.BuildELF(fullData(), snaptest.ELFOptions{Machine: foreign})},
		{"truncated", snaptest.BuildELF(fullData(), snaptest.ELFOptions{})[:100]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "foreign machine" && HostMachine() == elf.EM_NONE {
				t.Skip("host machine has no ELF mapping")
			}
			img, err := Loader{}.LoadMemory(tt.data)
			if err == nil {
				img.Unload()
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrNotELF) {
				t.Fatalf("error=%v, want a load error", err)
			}
		})
	}
}

func TestLoadAnyMachine(t *testing.T) {
	image := snaptest.BuildELF(fullData(), snaptest.ELFOptions{Machine: elf.EM_MIPS})
	img, err := Loader{AnyMachine: true}.LoadMemory(image)
	if err != nil {
		t.Fatalf("LoadMemory failed: %v", err)
	}
	if err := img.Unload(); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if err := img.Unload(); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second Unload=%v, want ErrAlreadyClosed", err)
	}
}

func TestLoadNotELF(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("\x7fEL"), []byte("MZ\x90\x00 not an elf")} {
		if _, err := (Loader{}).LoadMemory(data); !errors.Is(err, ErrNotELF) {
			t.Fatalf("LoadMemory(%q)=%v, want ErrNotELF", data, err)
		}
	}
}

// patchProg overwrites a 64-bit field of program header index in image.
func patchProg(image []byte, index, field int, value uint64) []byte {
	out := append([]byte(nil), image...)
	off := 64 + index*56 + field
	binary.LittleEndian.PutUint64(out[off:], value)
	return out
}

func TestLoadCorruptSegments(t *testing.T) {
	const (
		pOffset = 8
		pVaddr  = 16
		pFilesz = 32
		pMemsz  = 40
	)
	image := snaptest.BuildELF(fullData(), snaptest.ELFOptions{Dynamic: true})

	tests := []struct {
		name string
		data []byte
	}{
		{"huge memory size", patchProg(image, 0, pMemsz, 1<<60)},
		{"memory size above limit", patchProg(image, 0, pMemsz, maxImageSize+1)},
		{"file size past end", patchProg(patchProg(image, 0, pMemsz, 1<<20), 0, pFilesz, 1<<20)},
		{"file offset past end", patchProg(image, 0, pOffset, uint64(len(image)))},
		{"segments far apart", patchProg(image, 1, pVaddr, 1<<40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Loader{}.LoadMemory(tt.data)
			if err == nil {
				img.Unload()
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrNotELF) {
				t.Fatalf("error=%v, want a load error", err)
			}
		})
	}
}
