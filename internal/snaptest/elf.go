// Package snaptest builds small ELF and Mach-O images carrying snapshot
// sections for tests.
package snaptest

import (
	"debug/elf"
	"encoding/binary"
	"runtime"

	"github.com/tinyrange/appsnap/internal/sections"
)

const (
	elfHeaderSize     = 64
	programHeaderSize = 56
	sectionHeaderSize = 64
	symbolSize        = 24

	// TextBias is added to the file offset of the text segment to get its
	// virtual address, like a linker placing text on its own pages.
	TextBias = 0x10000
)

// ELFOptions controls BuildELF.
type ELFOptions struct {
	// Machine overrides the ELF machine. Zero selects the host machine.
	Machine elf.Machine
	// Dynamic emits the symbols as .dynsym instead of .symtab.
	Dynamic bool
	// WritableText marks the text segment writable in addition to
	// executable.
	WritableText bool
}

// HostMachine returns the ELF machine of the running program.
func HostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	case "386":
		return elf.EM_386
	default:
		return elf.EM_NONE
	}
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

// BuildELF returns a shared object with a read-only segment holding the data
// sections and a read-execute segment holding the instruction sections. Each
// non-empty section gets a global symbol with its well-known name.
func BuildELF(d sections.Data, opts ELFOptions) []byte {
	machine := opts.Machine
	if machine == elf.EM_NONE {
		machine = HostMachine()
	}

	type placed struct {
		section sections.Section
		offset  int
		vaddr   int
	}
	var symbols []placed

	// Read-only segment starts at offset 0 and covers the headers.
	cursor := align(elfHeaderSize+2*programHeaderSize, 16)
	for _, s := range []sections.Section{sections.VMData, sections.IsolateData} {
		if buf := d.Get(s); len(buf) > 0 {
			cursor = align(cursor, 16)
			symbols = append(symbols, placed{s, cursor, cursor})
			cursor += len(buf)
		}
	}
	roEnd := cursor

	textOffset := align(roEnd, 16)
	cursor = textOffset
	for _, s := range []sections.Section{sections.VMInstructions, sections.IsolateInstructions} {
		if buf := d.Get(s); len(buf) > 0 {
			cursor = align(cursor, 16)
			symbols = append(symbols, placed{s, cursor, cursor + TextBias})
			cursor += len(buf)
		}
	}
	textEnd := cursor
	if textEnd == textOffset {
		// Keep a non-empty text segment.
		textEnd++
		cursor++
	}

	// String tables.
	strtab := []byte{0}
	nameOffsets := make([]uint32, len(symbols))
	for i, sym := range symbols {
		nameOffsets[i] = uint32(len(strtab))
		strtab = append(strtab, sym.section.Symbol()...)
		strtab = append(strtab, 0)
	}

	symName, symType := ".symtab", elf.SHT_SYMTAB
	if opts.Dynamic {
		symName, symType = ".dynsym", elf.SHT_DYNSYM
	}
	shstrtab := []byte{0}
	shName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}
	rodataName := shName(".rodata")
	textName := shName(".text")
	symtabName := shName(symName)
	strtabName := shName(".strtab")
	shstrtabName := shName(".shstrtab")

	symtabOffset := align(textEnd, 8)
	symtabSize := (len(symbols) + 1) * symbolSize
	strtabOffset := symtabOffset + symtabSize
	shstrtabOffset := strtabOffset + len(strtab)
	sectionOffset := align(shstrtabOffset+len(shstrtab), 8)
	const sectionCount = 6 // null, .rodata, .text, symbols, .strtab, .shstrtab
	totalSize := sectionOffset + sectionCount*sectionHeaderSize

	buf := make([]byte, totalSize)
	le := binary.LittleEndian

	// ELF header.
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[32:], elfHeaderSize)         // e_phoff
	le.PutUint64(buf[40:], uint64(sectionOffset)) // e_shoff
	le.PutUint16(buf[52:], elfHeaderSize)
	le.PutUint16(buf[54:], programHeaderSize)
	le.PutUint16(buf[56:], 2)
	le.PutUint16(buf[58:], sectionHeaderSize)
	le.PutUint16(buf[60:], sectionCount)
	le.PutUint16(buf[62:], sectionCount-1) // e_shstrndx

	// Program headers.
	putProg := func(ph []byte, flags elf.ProgFlag, off, vaddr, size int) {
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], uint64(off))
		le.PutUint64(ph[16:], uint64(vaddr))
		le.PutUint64(ph[24:], uint64(vaddr))
		le.PutUint64(ph[32:], uint64(size))
		le.PutUint64(ph[40:], uint64(size))
		le.PutUint64(ph[48:], TextBias)
	}
	textFlags := elf.PF_R | elf.PF_X
	if opts.WritableText {
		textFlags |= elf.PF_W
	}
	putProg(buf[elfHeaderSize:], elf.PF_R, 0, 0, roEnd)
	putProg(buf[elfHeaderSize+programHeaderSize:], textFlags, textOffset, textOffset+TextBias, textEnd-textOffset)

	// Section contents.
	for _, sym := range symbols {
		copy(buf[sym.offset:], d.Get(sym.section))
	}
	for i, sym := range symbols {
		ent := buf[symtabOffset+(i+1)*symbolSize:]
		shndx := uint16(1)
		if sym.section.Executable() {
			shndx = 2
		}
		le.PutUint32(ent[0:], nameOffsets[i])
		ent[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT))
		le.PutUint16(ent[6:], shndx)
		le.PutUint64(ent[8:], uint64(sym.vaddr))
		le.PutUint64(ent[16:], uint64(len(d.Get(sym.section))))
	}
	copy(buf[strtabOffset:], strtab)
	copy(buf[shstrtabOffset:], shstrtab)

	// Section headers.
	putSection := func(idx int, name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, off, size, link, info, entsize int) {
		sh := buf[sectionOffset+idx*sectionHeaderSize:]
		le.PutUint32(sh[0:], name)
		le.PutUint32(sh[4:], uint32(typ))
		le.PutUint64(sh[8:], uint64(flags))
		le.PutUint64(sh[16:], uint64(addr))
		le.PutUint64(sh[24:], uint64(off))
		le.PutUint64(sh[32:], uint64(size))
		le.PutUint32(sh[40:], uint32(link))
		le.PutUint32(sh[44:], uint32(info))
		le.PutUint64(sh[48:], 16)
		le.PutUint64(sh[56:], uint64(entsize))
	}
	roStart := align(elfHeaderSize+2*programHeaderSize, 16)
	putSection(1, rodataName, elf.SHT_PROGBITS, elf.SHF_ALLOC, roStart, roStart, roEnd-roStart, 0, 0, 0)
	putSection(2, textName, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, textOffset+TextBias, textOffset, textEnd-textOffset, 0, 0, 0)
	putSection(3, symtabName, symType, 0, 0, symtabOffset, symtabSize, 4, 1, symbolSize)
	putSection(4, strtabName, elf.SHT_STRTAB, 0, 0, strtabOffset, len(strtab), 0, 0, 0)
	putSection(5, shstrtabName, elf.SHT_STRTAB, 0, 0, shstrtabOffset, len(shstrtab), 0, 0, 0)

	return buf
}
