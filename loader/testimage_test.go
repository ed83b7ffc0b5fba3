//go:build linux && (amd64 || arm64)

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// The test images are hand-assembled ELF64 objects: a PT_LOAD covering the
// whole file (split into code and data segments when the image carries init
// code) plus a PT_DYNAMIC, with the dynamic entries, symbol table, string
// table, relocation tables, and a small data area laid out back to back.
// Keeping file offset 0 at virtual address vbase makes the offset/vaddr
// congruence hold for any page size.

type imgSym struct {
	name  string
	value uint64 // offset into the data area
	undef bool
	weak  bool
}

type imgRela struct {
	off    uint64 // target offset into the data area
	typ    uint32
	sym    int // symbol-table index, 0 for none
	addend int64
	plt    bool // emit into the PLT relocation table
}

type imgSpec struct {
	objType elf.Type
	vbase   uint64 // nonzero only for fixed-address objects
	needed  []string
	syms    []imgSym
	relas   []imgRela
	data    []byte
	bssSize uint64

	// Machine code for a DT_INIT function. When present the image carries
	// two load segments: a read-execute one holding everything up to the
	// data area and a read-write one for the data area, split on a page
	// boundary so their protections cannot collide. initPatch, when
	// positive, is the offset of an address-sized slot inside the code
	// that a RELATIVE relocation fills with the data area's address.
	init      []byte
	initPatch int
}

type imgLayout struct {
	dataVaddr uint64
	filesz    uint64
	memsz     uint64
}

func align8(v uint64) uint64 { return (v + 7) &^ 7 }

func buildImage(t *testing.T, spec imgSpec) ([]byte, imgLayout) {
	t.Helper()

	// String table: leading NUL, symbol names, needed names.
	strtab := []byte{0}
	symNameOff := make([]uint32, len(spec.syms))
	for i, s := range spec.syms {
		symNameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	neededOff := make([]uint64, len(spec.needed))
	for i, n := range spec.needed {
		neededOff[i] = uint64(len(strtab))
		strtab = append(strtab, n...)
		strtab = append(strtab, 0)
	}

	var relas, plts []imgRela
	for _, r := range spec.relas {
		if r.plt {
			plts = append(plts, r)
		} else {
			relas = append(relas, r)
		}
	}

	nrelas := len(relas)
	if len(spec.init) > 0 && spec.initPatch > 0 {
		nrelas++
	}

	ndyn := len(spec.needed) + 3 + 1 // NEEDED..., SYMTAB/STRTAB/STRSZ, NULL
	if nrelas > 0 {
		ndyn += 2
	}
	if len(plts) > 0 {
		ndyn += 2
	}
	if len(spec.init) > 0 {
		ndyn++
	}

	nph := 2
	if len(spec.init) > 0 {
		nph = 3
	}

	dynOff := uint64(headerSize + nph*progHeaderSize)
	symOff := dynOff + uint64(ndyn*dynEntrySize)
	nsyms := 1 + len(spec.syms) + 1 // reserved index 0 plus a zero terminator
	strOff := symOff + uint64(nsyms*symEntrySize)
	relaOff := align8(strOff + uint64(len(strtab)))
	pltOff := relaOff + uint64(nrelas*relaEntrySize)
	initOff := pltOff + uint64(len(plts)*relaEntrySize)
	dataOff := align8(initOff + uint64(len(spec.init)))
	if len(spec.init) > 0 {
		// The code and data segments must not share a page.
		page := uint64(unix.Getpagesize())
		initOff = (initOff + 15) &^ 15
		dataOff = (initOff + uint64(len(spec.init)) + page - 1) &^ (page - 1)
	}
	filesz := dataOff + uint64(len(spec.data))

	lay := imgLayout{
		dataVaddr: spec.vbase + dataOff,
		filesz:    filesz,
		memsz:     filesz + spec.bssSize,
	}

	var buf bytes.Buffer
	emit := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("emit %T: %v", v, err)
		}
	}
	padTo := func(off uint64) {
		if uint64(buf.Len()) > off {
			t.Fatalf("layout overrun: at %#x, want %#x", buf.Len(), off)
		}
		buf.Write(make([]byte, off-uint64(buf.Len())))
	}

	hdr := header{
		Type:      uint16(spec.objType),
		Machine:   uint16(elfMachine),
		Version:   1,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(nph),
	}
	hdr.Ident[0] = 0x7f
	copy(hdr.Ident[1:], "ELF")
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = 1
	emit(&hdr)

	if len(spec.init) > 0 {
		emit(&progHeader{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    0,
			Vaddr:  spec.vbase,
			Paddr:  spec.vbase,
			Filesz: dataOff,
			Memsz:  dataOff,
			Align:  0x10000,
		})
		emit(&progHeader{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    dataOff,
			Vaddr:  spec.vbase + dataOff,
			Paddr:  spec.vbase + dataOff,
			Filesz: filesz - dataOff,
			Memsz:  filesz - dataOff + spec.bssSize,
			Align:  0x10000,
		})
	} else {
		emit(&progHeader{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    0,
			Vaddr:  spec.vbase,
			Paddr:  spec.vbase,
			Filesz: filesz,
			Memsz:  lay.memsz,
			Align:  0x10000,
		})
	}
	emit(&progHeader{
		Type:   uint32(elf.PT_DYNAMIC),
		Flags:  uint32(elf.PF_R),
		Off:    dynOff,
		Vaddr:  spec.vbase + dynOff,
		Paddr:  spec.vbase + dynOff,
		Filesz: uint64(ndyn * dynEntrySize),
		Memsz:  uint64(ndyn * dynEntrySize),
		Align:  8,
	})

	for _, off := range neededOff {
		emit(&dynEntry{Tag: int64(elf.DT_NEEDED), Val: off})
	}
	emit(&dynEntry{Tag: int64(elf.DT_SYMTAB), Val: spec.vbase + symOff})
	emit(&dynEntry{Tag: int64(elf.DT_STRTAB), Val: spec.vbase + strOff})
	emit(&dynEntry{Tag: int64(elf.DT_STRSZ), Val: uint64(len(strtab))})
	if nrelas > 0 {
		emit(&dynEntry{Tag: int64(elf.DT_RELA), Val: spec.vbase + relaOff})
		emit(&dynEntry{Tag: int64(elf.DT_RELASZ), Val: uint64(nrelas * relaEntrySize)})
	}
	if len(plts) > 0 {
		emit(&dynEntry{Tag: int64(elf.DT_JMPREL), Val: spec.vbase + pltOff})
		emit(&dynEntry{Tag: int64(elf.DT_PLTRELSZ), Val: uint64(len(plts) * relaEntrySize)})
	}
	if len(spec.init) > 0 {
		emit(&dynEntry{Tag: int64(elf.DT_INIT), Val: spec.vbase + initOff})
	}
	emit(&dynEntry{Tag: int64(elf.DT_NULL)})

	emit(&symEntry{}) // reserved index 0
	for i, s := range spec.syms {
		bind := elf.STB_GLOBAL
		if s.weak {
			bind = elf.STB_WEAK
		}
		ent := symEntry{
			Name: symNameOff[i],
			Info: uint8(bind)<<4 | uint8(elf.STT_OBJECT),
			Size: 8,
		}
		if !s.undef {
			ent.Shndx = 1
			ent.Value = spec.vbase + dataOff + s.value
		}
		emit(&ent)
	}
	emit(&symEntry{}) // zero terminator

	buf.Write(strtab)
	padTo(relaOff)
	for _, r := range relas {
		emit(&relaEntry{
			Off:    spec.vbase + dataOff + r.off,
			Info:   uint64(r.sym)<<32 | uint64(r.typ),
			Addend: r.addend,
		})
	}
	if len(spec.init) > 0 && spec.initPatch > 0 {
		emit(&relaEntry{
			Off:    spec.vbase + initOff + uint64(spec.initPatch),
			Info:   uint64(relocRelative),
			Addend: int64(spec.vbase + dataOff),
		})
	}
	for _, r := range plts {
		emit(&relaEntry{
			Off:    spec.vbase + dataOff + r.off,
			Info:   uint64(r.sym)<<32 | uint64(r.typ),
			Addend: r.addend,
		})
	}
	if len(spec.init) > 0 {
		padTo(initOff)
		buf.Write(spec.init)
	}
	padTo(dataOff)
	buf.Write(spec.data)

	if uint64(buf.Len()) != filesz {
		t.Fatalf("layout mismatch: built %#x bytes, want %#x", buf.Len(), filesz)
	}
	return buf.Bytes(), lay
}

func writeImage(t *testing.T, dir, name string, spec imgSpec) imgLayout {
	t.Helper()
	img, lay := buildImage(t, spec)
	if err := os.WriteFile(filepath.Join(dir, name), img, 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return lay
}

func testContext(dir string) *Context {
	ctx := NewContext()
	ctx.SetSearchPath(dir)
	return ctx
}
