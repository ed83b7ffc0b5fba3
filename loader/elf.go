//go:build linux && (amd64 || arm64)

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	headerSize     = 64
	progHeaderSize = 56
	dynEntrySize   = 16
	symEntrySize   = 24
	relaEntrySize  = 24

	// maxProgHeaders bounds the caller-provided program-header buffer. Real
	// shared objects carry around ten entries; anything past this is treated
	// as malformed input.
	maxProgHeaders = 16
)

var (
	ErrBadImage       = errors.New("malformed or unsupported ELF image")
	ErrTooManyHeaders = errors.New("program-header table exceeds buffer")
)

// header mirrors Elf64_Ehdr.
type header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// progHeader mirrors Elf64_Phdr.
type progHeader struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// dynEntry mirrors Elf64_Dyn.
type dynEntry struct {
	Tag int64
	Val uint64
}

// symEntry mirrors Elf64_Sym.
type symEntry struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// relaEntry mirrors Elf64_Rela.
type relaEntry struct {
	Off    uint64
	Info   uint64
	Addend int64
}

func (s *symEntry) bind() elf.SymBind { return elf.ST_BIND(s.Info) }

func (r *relaEntry) symIndex() uint32 { return uint32(r.Info >> 32) }
func (r *relaEntry) relType() uint32  { return uint32(r.Info) }

func hasELFMagic(ident []byte) bool {
	return len(ident) >= 4 &&
		ident[0] == 0x7f && ident[1] == 'E' && ident[2] == 'L' && ident[3] == 'F'
}

// parseHeader decodes and validates an ELF header from raw bytes. Any
// mismatch against the running machine is a hard failure with no partial
// output.
func parseHeader(raw []byte) (header, error) {
	var hdr header
	if len(raw) < headerSize {
		return hdr, fmt.Errorf("%w: short header (%d bytes)", ErrBadImage, len(raw))
	}
	if !hasELFMagic(raw) {
		return hdr, fmt.Errorf("%w: bad magic", ErrBadImage)
	}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return header{}, fmt.Errorf("%w: not a 64-bit object", ErrBadImage)
	}
	if elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return header{}, fmt.Errorf("%w: not little-endian", ErrBadImage)
	}
	if elf.Machine(hdr.Machine) != elfMachine {
		return header{}, fmt.Errorf("%w: foreign machine %s (expected %s)",
			ErrBadImage, elf.Machine(hdr.Machine), elfMachine)
	}
	return hdr, nil
}

// readHeader reads and validates the ELF header at offset 0 of an open file.
func readHeader(fd int) (header, error) {
	var raw [headerSize]byte
	n, err := unix.Pread(fd, raw[:], 0)
	if err != nil {
		return header{}, fmt.Errorf("read ELF header: %w", err)
	}
	if n != headerSize {
		return header{}, fmt.Errorf("%w: short header (%d bytes)", ErrBadImage, n)
	}
	return parseHeader(raw[:])
}

// readProgHeaders reads the program-header table into the caller-provided
// buffer and returns the entry count. Exceeding the buffer is a hard failure.
func readProgHeaders(fd int, hdr *header, buf *[maxProgHeaders]progHeader) (int, error) {
	if hdr.Phentsize != progHeaderSize {
		return 0, fmt.Errorf("%w: program-header entry size %d", ErrBadImage, hdr.Phentsize)
	}
	count := int(hdr.Phnum)
	if count == 0 {
		return 0, fmt.Errorf("%w: no program headers", ErrBadImage)
	}
	if count > maxProgHeaders {
		return 0, fmt.Errorf("%w: %d entries", ErrTooManyHeaders, count)
	}

	raw := make([]byte, count*progHeaderSize)
	n, err := unix.Pread(fd, raw, int64(hdr.Phoff))
	if err != nil {
		return 0, fmt.Errorf("read program headers: %w", err)
	}
	if n != len(raw) {
		return 0, fmt.Errorf("%w: short program-header table (%d/%d bytes)", ErrBadImage, n, len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, buf[:count]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return count, nil
}
