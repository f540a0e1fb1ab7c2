// Package sections names the four buffers a runtime snapshot is made of and
// the identifiers shared by every container format that carries them.
package sections

import "fmt"

// Section identifies one of the four snapshot buffers. The numeric order is
// the order sections appear in a blob container.
type Section uint8

const (
	VMData Section = iota
	VMInstructions
	IsolateData
	IsolateInstructions
)

// Count is the number of sections in a snapshot.
const Count = 4

// All lists the sections in container order.
var All = [Count]Section{VMData, VMInstructions, IsolateData, IsolateInstructions}

func (s Section) String() string {
	switch s {
	case VMData:
		return "vm-data"
	case VMInstructions:
		return "vm-instructions"
	case IsolateData:
		return "isolate-data"
	case IsolateInstructions:
		return "isolate-instructions"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Executable reports whether the section holds machine code. Executable
// sections are mapped read-execute, all others read-only.
func (s Section) Executable() bool {
	return s == VMInstructions || s == IsolateInstructions
}

// Symbol returns the assembler-level name of the section symbol, as it
// appears in the symbol tables of snapshot ELF images.
func (s Section) Symbol() string {
	switch s {
	case VMData:
		return VMDataSymbol
	case VMInstructions:
		return VMInstructionsSymbol
	case IsolateData:
		return IsolateDataSymbol
	case IsolateInstructions:
		return IsolateInstructionsSymbol
	default:
		return ""
	}
}

// Mandatory reports whether a loader must fail when the section's symbol is
// missing. Stripped and merged builds omit the VM pair.
func (s Section) Mandatory() bool {
	return s == IsolateData || s == IsolateInstructions
}

// CSymbol returns the C name of the section symbol, the name dlsym
// resolves in a shared library. The loader adds any platform prefix.
func (s Section) CSymbol() string {
	switch s {
	case VMData:
		return VMDataCSymbol
	case VMInstructions:
		return VMInstructionsCSymbol
	case IsolateData:
		return IsolateDataCSymbol
	case IsolateInstructions:
		return IsolateInstructionsCSymbol
	default:
		return ""
	}
}

// Symbol names in ELF symbol tables.
const (
	VMDataSymbol              = "_kDartVmSnapshotData"
	VMInstructionsSymbol      = "_kDartVmSnapshotInstructions"
	IsolateDataSymbol         = "_kDartIsolateSnapshotData"
	IsolateInstructionsSymbol = "_kDartIsolateSnapshotInstructions"
)

// Symbol names passed to dlsym.
const (
	VMDataCSymbol              = "kDartVmSnapshotData"
	VMInstructionsCSymbol      = "kDartVmSnapshotInstructions"
	IsolateDataCSymbol         = "kDartIsolateSnapshotData"
	IsolateInstructionsCSymbol = "kDartIsolateSnapshotInstructions"
)

// MagicSize is the length of Magic.
const MagicSize = 8

// Magic identifies both the blob container header and the appended trailer.
// It is a format identity, not a version number.
var Magic = [MagicSize]byte{0xdc, 0xdc, 0xf6, 0xf6, 0x00, 0x00, 0x00, 0x00}

// Buffers holds the start addresses of the four sections of a loaded
// snapshot. A zero address means the section is absent.
type Buffers struct {
	VMData              uintptr
	VMInstructions      uintptr
	IsolateData         uintptr
	IsolateInstructions uintptr
}

// Get returns the address of section s.
func (b Buffers) Get(s Section) uintptr {
	switch s {
	case VMData:
		return b.VMData
	case VMInstructions:
		return b.VMInstructions
	case IsolateData:
		return b.IsolateData
	case IsolateInstructions:
		return b.IsolateInstructions
	default:
		return 0
	}
}

// Set stores the address of section s.
func (b *Buffers) Set(s Section, addr uintptr) {
	switch s {
	case VMData:
		b.VMData = addr
	case VMInstructions:
		b.VMInstructions = addr
	case IsolateData:
		b.IsolateData = addr
	case IsolateInstructions:
		b.IsolateInstructions = addr
	}
}

// Data holds the contents of the four sections as byte slices. It is the
// input of the blob writer and the view a mapped blob exposes.
type Data struct {
	VMData              []byte
	VMInstructions      []byte
	IsolateData         []byte
	IsolateInstructions []byte
}

// Get returns the contents of section s.
func (d Data) Get(s Section) []byte {
	switch s {
	case VMData:
		return d.VMData
	case VMInstructions:
		return d.VMInstructions
	case IsolateData:
		return d.IsolateData
	case IsolateInstructions:
		return d.IsolateInstructions
	default:
		return nil
	}
}

// Set stores the contents of section s.
func (d *Data) Set(s Section, b []byte) {
	switch s {
	case VMData:
		d.VMData = b
	case VMInstructions:
		d.VMInstructions = b
	case IsolateData:
		d.IsolateData = b
	case IsolateInstructions:
		d.IsolateInstructions = b
	}
}

// Sizes returns the length of each section in container order.
func (d Data) Sizes() [Count]int64 {
	var sizes [Count]int64
	for i, s := range All {
		sizes[i] = int64(len(d.Get(s)))
	}
	return sizes
}
