package elfload

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/appsnap/internal/mmap"
)

// maxImageSize bounds the address range the loadable segments may span.
const maxImageSize = 1 << 32

// mapSegments copies every PT_LOAD segment into one anonymous region and
// applies the segment protections page by page. size is the length of the
// image file. It returns the region and the virtual address its first byte
// corresponds to.
func mapSegments(f *elf.File, size int64) (*mmap.Region, uint64, error) {
	pageSize := uint64(mmap.PageSize())

	var loads []*elf.Prog
	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, 0, fmt.Errorf("segment at %#x: file size %#x exceeds memory size %#x", p.Vaddr, p.Filesz, p.Memsz)
		}
		if p.Vaddr+p.Memsz < p.Vaddr {
			return nil, 0, fmt.Errorf("segment at %#x overflows the address space", p.Vaddr)
		}
		if p.Memsz > maxImageSize {
			return nil, 0, fmt.Errorf("segment at %#x: memory size %#x exceeds %#x", p.Vaddr, p.Memsz, maxImageSize)
		}
		if end := p.Off + p.Filesz; end < p.Off || end > uint64(size) {
			return nil, 0, fmt.Errorf("segment at %#x: file range [%#x, %#x) outside the %d byte image", p.Vaddr, p.Off, p.Off+p.Filesz, size)
		}
		loads = append(loads, p)
		lo = min(lo, p.Vaddr)
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if len(loads) == 0 {
		return nil, 0, errors.New("no loadable segments")
	}

	base := lo &^ (pageSize - 1)
	if hi-base > maxImageSize {
		return nil, 0, fmt.Errorf("segments span %#x bytes, more than %#x", hi-base, maxImageSize)
	}
	span := (hi - base + pageSize - 1) &^ (pageSize - 1)

	pages := make([]elf.ProgFlag, span/pageSize)
	for _, p := range loads {
		first := (p.Vaddr - base) / pageSize
		last := (p.Vaddr + p.Memsz - base - 1) / pageSize
		for i := first; i <= last; i++ {
			pages[i] |= p.Flags
		}
	}
	for i, flags := range pages {
		if flags&elf.PF_W != 0 && flags&elf.PF_X != 0 {
			return nil, 0, fmt.Errorf("page at %#x would be writable and executable", base+uint64(i)*pageSize)
		}
	}

	region, err := mmap.Anonymous(int(span))
	if err != nil {
		return nil, 0, err
	}

	mem := region.Bytes()
	for _, p := range loads {
		dst := mem[p.Vaddr-base : p.Vaddr-base+p.Filesz]
		if _, err := io.ReadFull(p.Open(), dst); err != nil {
			region.Close()
			return nil, 0, fmt.Errorf("read segment at %#x: %w", p.Vaddr, err)
		}
	}

	// Protect runs of pages that share the same flags.
	for start := 0; start < len(pages); {
		end := start + 1
		for end < len(pages) && pages[end] == pages[start] {
			end++
		}
		if err := region.Protect(start*int(pageSize), (end-start)*int(pageSize), protFor(pages[start])); err != nil {
			region.Close()
			return nil, 0, err
		}
		start = end
	}

	return region, base, nil
}

func protFor(flags elf.ProgFlag) mmap.Prot {
	switch {
	case flags&elf.PF_X != 0:
		return mmap.ReadExecute
	case flags&elf.PF_W != 0:
		return mmap.ReadWrite
	default:
		return mmap.ReadOnly
	}
}
