package snaptest

import "encoding/binary"

const (
	machHeader64Size = 32
	segment64Size    = 72
	section64Size    = 80

	lcSegment64 = 0x19
	lcUUID      = 0x1b
	lcUUIDSize  = 24

	cpuTypeARM64 = 0x0100000c
	mhExecute    = 0x2
)

// MachOVariant selects the header BuildMachO writes.
type MachOVariant int

const (
	MachO64 MachOVariant = iota
	MachO64Swapped
	MachO32
)

func putName(dst []byte, name string) {
	copy(dst[:16], name)
}

// BuildMachO returns a 64-bit little-endian Mach-O executable with a __TEXT
// segment, an LC_UUID command and a segment named segment holding one
// section named section whose contents are payload.
func BuildMachO(segment, section string, payload []byte, variant MachOVariant) []byte {
	le := binary.LittleEndian

	const ncmds = 3
	sizeofcmds := segment64Size + lcUUIDSize + segment64Size + section64Size
	payloadOffset := align(machHeader64Size+sizeofcmds, 16)
	buf := make([]byte, payloadOffset+len(payload))

	switch variant {
	case MachO64Swapped:
		binary.BigEndian.PutUint32(buf[0:], 0xfeedfacf)
	case MachO32:
		le.PutUint32(buf[0:], 0xfeedface)
	default:
		le.PutUint32(buf[0:], 0xfeedfacf)
	}
	le.PutUint32(buf[4:], cpuTypeARM64)
	le.PutUint32(buf[12:], mhExecute)
	le.PutUint32(buf[16:], ncmds)
	le.PutUint32(buf[20:], uint32(sizeofcmds))

	cmd := buf[machHeader64Size:]

	// __TEXT with no sections.
	le.PutUint32(cmd[0:], lcSegment64)
	le.PutUint32(cmd[4:], segment64Size)
	putName(cmd[8:], "__TEXT")
	le.PutUint64(cmd[24:], 0x100000000)
	le.PutUint64(cmd[32:], 0x4000)
	le.PutUint32(cmd[56:], 5)
	le.PutUint32(cmd[60:], 5)
	cmd = cmd[segment64Size:]

	// An unrelated command the scanner must skip.
	le.PutUint32(cmd[0:], lcUUID)
	le.PutUint32(cmd[4:], lcUUIDSize)
	for i := 8; i < lcUUIDSize; i++ {
		cmd[i] = byte(i)
	}
	cmd = cmd[lcUUIDSize:]

	// The segment carrying the payload.
	le.PutUint32(cmd[0:], lcSegment64)
	le.PutUint32(cmd[4:], segment64Size+section64Size)
	putName(cmd[8:], segment)
	le.PutUint64(cmd[24:], 0x100004000)
	le.PutUint64(cmd[32:], uint64(align(len(payload), 0x4000)))
	le.PutUint64(cmd[40:], uint64(payloadOffset))
	le.PutUint64(cmd[48:], uint64(len(payload)))
	le.PutUint32(cmd[56:], 1)
	le.PutUint32(cmd[60:], 1)
	le.PutUint32(cmd[64:], 1) // nsects

	sect := cmd[segment64Size:]
	putName(sect[0:], section)
	putName(sect[16:], segment)
	le.PutUint64(sect[32:], 0x100004000)
	le.PutUint64(sect[40:], uint64(len(payload)))
	le.PutUint32(sect[48:], uint32(payloadOffset))

	copy(buf[payloadOffset:], payload)
	return buf
}
