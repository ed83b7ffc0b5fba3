//go:build linux && (amd64 || arm64)

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

// SegmentInfo describes one program header of an object file.
type SegmentInfo struct {
	Type   string
	Flags  string
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ObjectInfo is a file-level view of a shared object or executable,
// produced without mapping anything into the address space.
type ObjectInfo struct {
	Path                string
	Type                string
	Machine             string
	PositionIndependent bool
	Entry               uint64
	Segments            []SegmentInfo
	Needed              []string
	InitAddr            uint64
	FiniAddr            uint64
	RelaCount           int
	PltRelCount         int
}

// InspectFile parses an object's header, program headers, and dynamic
// section straight from the file. Used by tooling; the load path never goes
// through here.
func InspectFile(path string) (*ObjectInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fd := int(f.Fd())

	hdr, err := readHeader(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var phdrs [maxProgHeaders]progHeader
	phnum, err := readProgHeaders(fd, &hdr, &phdrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	info := &ObjectInfo{
		Path:                path,
		Type:                elf.Type(hdr.Type).String(),
		Machine:             elf.Machine(hdr.Machine).String(),
		PositionIndependent: elf.Type(hdr.Type) == elf.ET_DYN,
		Entry:               hdr.Entry,
	}

	var dynamic *progHeader
	for i := 0; i < phnum; i++ {
		ph := &phdrs[i]
		info.Segments = append(info.Segments, SegmentInfo{
			Type:   elf.ProgType(ph.Type).String(),
			Flags:  elf.ProgFlag(ph.Flags).String(),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		})
		if elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			dynamic = ph
		}
	}
	if dynamic == nil {
		return info, nil
	}

	raw := make([]byte, dynamic.Filesz)
	if err := preadFull(fd, raw, int64(dynamic.Off)); err != nil {
		return nil, fmt.Errorf("%s: read dynamic section: %w", path, err)
	}

	var (
		strtabAddr, strtabSize uint64
		neededOffs             []uint64
	)
	entries := make([]dynEntry, len(raw)/dynEntrySize)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrBadImage, err)
	}
scan:
	for _, ent := range entries {
		switch elf.DynTag(ent.Tag) {
		case elf.DT_NULL:
			break scan
		case elf.DT_NEEDED:
			neededOffs = append(neededOffs, ent.Val)
		case elf.DT_STRTAB:
			strtabAddr = ent.Val
		case elf.DT_STRSZ:
			strtabSize = ent.Val
		case elf.DT_INIT:
			info.InitAddr = ent.Val
		case elf.DT_FINI:
			info.FiniAddr = ent.Val
		case elf.DT_RELASZ:
			info.RelaCount = int(ent.Val / relaEntrySize)
		case elf.DT_PLTRELSZ:
			info.PltRelCount = int(ent.Val / relaEntrySize)
		}
	}

	if len(neededOffs) > 0 && strtabAddr != 0 && strtabSize > 0 {
		strOff, ok := vaddrToOffset(phdrs[:phnum], strtabAddr)
		if !ok {
			return nil, fmt.Errorf("%s: %w: string table outside loadable segments", path, ErrBadImage)
		}
		strs := make([]byte, strtabSize)
		if err := preadFull(fd, strs, int64(strOff)); err != nil {
			return nil, fmt.Errorf("%s: read string table: %w", path, err)
		}
		for _, off := range neededOffs {
			if off >= strtabSize {
				continue
			}
			end := bytes.IndexByte(strs[off:], 0)
			if end < 0 {
				continue
			}
			info.Needed = append(info.Needed, string(strs[off:off+uint64(end)]))
		}
	}
	return info, nil
}

// vaddrToOffset translates a virtual address to its file offset through the
// PT_LOAD table.
func vaddrToOffset(phdrs []progHeader, vaddr uint64) (uint64, bool) {
	for i := range phdrs {
		ph := &phdrs[i]
		if ph.Type != uint32(elf.PT_LOAD) {
			continue
		}
		if vaddr >= ph.Vaddr && vaddr < ph.Vaddr+ph.Filesz {
			return ph.Off + (vaddr - ph.Vaddr), true
		}
	}
	return 0, false
}

// Locate resolves a dependency name against an ordered directory list the
// same way the loader does, without opening the object.
func Locate(name string, dirs []string) (string, error) {
	for _, dir := range dirs {
		path := dir + "/" + name
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// DefaultSearchPath returns a copy of the fixed dependency search
// directories.
func DefaultSearchPath() []string {
	return append([]string(nil), defaultSearchPath...)
}
