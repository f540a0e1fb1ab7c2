package macho

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/appsnap/internal/snaptest"
)

func TestReadPayload(t *testing.T) {
	payload := []byte("\x7fELF embedded snapshot")
	bin := snaptest.BuildMachO(SegmentName, SectionName, payload, snaptest.MachO64)

	got, err := ReadPayload(bytes.NewReader(bin))
	if err != nil {
		t.Fatalf("ReadPayload failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload=%q, want %q", got, payload)
	}

	// The returned payload must not alias the input.
	bin[len(bin)-1] ^= 0xff
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload changed with the container bytes")
	}
}

func TestReadPayloadNonMatches(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), ErrNotMachO},
		{"empty", nil, ErrNotMachO},
		{"fat", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 0}, ErrNotMachO},
		{"wrong section", snaptest.BuildMachO(SegmentName, "__other", []byte("x"), snaptest.MachO64), ErrNoPayload},
		{"wrong segment", snaptest.BuildMachO("__DATA", SectionName, []byte("x"), snaptest.MachO64), ErrNoPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadPayload(bytes.NewReader(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("ReadPayload=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadPayloadUnsupported(t *testing.T) {
	tests := []struct {
		name    string
		variant snaptest.MachOVariant
		want    error
	}{
		{"byte swapped", snaptest.MachO64Swapped, ErrByteSwapped},
		{"32 bit", snaptest.MachO32, Err32Bit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := snaptest.BuildMachO(SegmentName, SectionName, []byte("payload"), tt.variant)
			_, err := ReadPayload(bytes.NewReader(bin))
			if !errors.Is(err, tt.want) {
				t.Fatalf("ReadPayload=%v, want %v", err, tt.want)
			}
			if errors.Is(err, ErrNotMachO) || errors.Is(err, ErrNoPayload) {
				t.Fatalf("unsupported container reported as non-match")
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	for _, tc := range []struct {
		variant snaptest.MachOVariant
		want    Kind
	}{
		{snaptest.MachO64, Kind64},
		{snaptest.MachO64Swapped, Kind64Swapped},
		{snaptest.MachO32, Kind32},
	} {
		bin := snaptest.BuildMachO(SegmentName, SectionName, []byte("p"), tc.variant)
		if got := Identify(bytes.NewReader(bin)); got != tc.want {
			t.Fatalf("Identify(%d)=%v, want %v", tc.variant, got, tc.want)
		}
	}
}

func TestIsMachOFile(t *testing.T) {
	dir := t.TempDir()

	bin := filepath.Join(dir, "app")
	if err := os.WriteFile(bin, snaptest.BuildMachO(SegmentName, SectionName, []byte("p"), snaptest.MachO64Swapped), 0o755); err != nil {
		t.Fatal(err)
	}
	if !IsMachO(bin) {
		t.Fatalf("IsMachO(%s)=false", bin)
	}

	short := filepath.Join(dir, "short")
	if err := os.WriteFile(short, []byte{0xcf, 0xfa}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsMachO(short) {
		t.Fatalf("IsMachO on a 2 byte file=true")
	}
	if IsMachO(filepath.Join(dir, "missing")) {
		t.Fatalf("IsMachO on a missing file=true")
	}
}
