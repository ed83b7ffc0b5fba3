//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"unsafe"
)

// maxDynEntries caps the linear tag scan so a missing DT_NULL terminator in
// a corrupt object cannot walk off into unmapped memory forever.
const maxDynEntries = 4096

// dynInfo holds the parse results of one object's dynamic section. Address
// values are already slide-adjusted; zero means the tag was absent, which is
// not an error.
type dynInfo struct {
	symtab   uintptr
	strtab   uintptr
	strsz    uint64
	rela     uintptr
	relasz   uint64
	jmprel   uintptr
	pltrelsz uint64
	initFn   uintptr
	finiFn   uintptr
	needed   []uint64 // string-table offsets of DT_NEEDED entries
}

// parseDynamic scans the mapped dynamic section at dyn in one linear pass up
// to the DT_NULL terminator.
func parseDynamic(dyn uintptr, slide uintptr) dynInfo {
	var info dynInfo
	if dyn == 0 {
		return info
	}
	for i := 0; i < maxDynEntries; i++ {
		ent := (*dynEntry)(unsafe.Pointer(dyn + uintptr(i)*dynEntrySize))
		switch elf.DynTag(ent.Tag) {
		case elf.DT_NULL:
			return info
		case elf.DT_NEEDED:
			info.needed = append(info.needed, ent.Val)
		case elf.DT_SYMTAB:
			info.symtab = slide + uintptr(ent.Val)
		case elf.DT_STRTAB:
			info.strtab = slide + uintptr(ent.Val)
		case elf.DT_STRSZ:
			info.strsz = ent.Val
		case elf.DT_RELA:
			info.rela = slide + uintptr(ent.Val)
		case elf.DT_RELASZ:
			info.relasz = ent.Val
		case elf.DT_JMPREL:
			info.jmprel = slide + uintptr(ent.Val)
		case elf.DT_PLTRELSZ:
			info.pltrelsz = ent.Val
		case elf.DT_INIT:
			info.initFn = slide + uintptr(ent.Val)
		case elf.DT_FINI:
			info.finiFn = slide + uintptr(ent.Val)
		}
	}
	return info
}

// estimateSymCount guesses the symbol-table entry count from the gap between
// the symbol table and the string table, which follows it in the layouts the
// usual linkers emit. Zero means unknown; the lookup then stops at an
// all-zero trailing entry instead, a documented but non-guaranteed
// assumption about table layout.
func estimateSymCount(info *dynInfo) int {
	if info.symtab == 0 || info.strtab <= info.symtab {
		return 0
	}
	return int((info.strtab - info.symtab) / symEntrySize)
}
