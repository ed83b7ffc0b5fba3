//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Auxiliary-vector tags consumed at process start.
// See System V ABI, AMD64 supplement, section 3.4.3.
const (
	atNull  = 0
	atPhdr  = 3
	atPhent = 4
	atPhnum = 5
	atEntry = 9
)

// bootFailureStatus is the distinguished exit status for an unrecoverable
// bootstrap failure.
const bootFailureStatus = 127

// maxBaseScanPages bounds the backward scan for the main executable's ELF
// header.
const maxBaseScanPages = 4096

const wordSize = unsafe.Sizeof(uintptr(0))

// startupInfo is everything parsed off the fresh-process stack: the
// argument and environment arrays plus the auxiliary-vector values needed
// to locate the main executable.
type startupInfo struct {
	argc     int
	argv     uintptr // address of the argv[0] slot
	envp     uintptr
	auxv     uintptr
	progName string

	phdrAddr uintptr
	phent    int
	phnum    int
	entry    uintptr
}

// parseStartupStack walks the initial stack: argc, the null-terminated argv
// array, the null-terminated envp array, then tag/value auxiliary-vector
// pairs ending at a zero tag.
func parseStartupStack(sp uintptr) startupInfo {
	var info startupInfo
	info.argc = int(loadWord(sp))
	info.argv = sp + wordSize

	p := info.argv
	for loadWord(p) != 0 {
		p += wordSize
	}
	info.envp = p + wordSize

	p = info.envp
	for loadWord(p) != 0 {
		p += wordSize
	}
	info.auxv = p + wordSize

	for p = info.auxv; ; p += 2 * wordSize {
		tag := loadWord(p)
		if tag == atNull {
			break
		}
		val := loadWord(p + wordSize)
		switch tag {
		case atPhdr:
			info.phdrAddr = val
		case atPhent:
			info.phent = int(val)
		case atPhnum:
			info.phnum = int(val)
		case atEntry:
			info.entry = val
		}
	}

	if info.argc > 0 {
		info.progName = cStringAt(loadWord(info.argv))
	}
	return info
}

func hasELFMagicAt(addr uintptr) bool {
	ident := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4)
	return hasELFMagic(ident)
}

// pageMapped reports whether the page at addr belongs to a mapping, without
// touching it. Probing with mincore keeps the scan from faulting once it
// walks off the executable's mapping.
func pageMapped(addr, page uintptr) bool {
	var vec [1]byte
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, addr, page, uintptr(unsafe.Pointer(&vec[0])))
	return errno == 0
}

// mainObjectBase derives the address the main executable's ELF header was
// mapped at. The program-header table conventionally sits immediately after
// the header, so the direct relation base = phdrAddr - e_phoff is tried
// first. Failing that, pages below the table are probed for the ELF magic
// in fixed strides, stopping at the first unmapped page; this is a
// best-effort heuristic and can silently pick a wrong base if an unrelated
// mapping below the table carries the magic bytes.
func mainObjectBase(phdrAddr uintptr) (uintptr, bool) {
	page := uintptr(unix.Getpagesize())

	candidate := phdrAddr - headerSize
	if pageMapped(alignDown(candidate, page), page) && hasELFMagicAt(candidate) {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(candidate)), headerSize)
		if hdr, err := parseHeader(raw); err == nil && uintptr(hdr.Phoff) == phdrAddr-candidate {
			return candidate, true
		}
	}

	addr := alignDown(phdrAddr, page)
	for i := 0; i < maxBaseScanPages && addr >= page; i++ {
		if !pageMapped(addr, page) {
			break
		}
		if hasELFMagicAt(addr) {
			return addr, true
		}
		addr -= page
	}
	return 0, false
}

func bootFatal(format string, args ...any) {
	diag.Printf(format, args...)
	unix.Exit(bootFailureStatus)
}

// Bootstrap is the first portable code executed in a fresh dynamically
// linked process. It receives the raw initial stack pointer from the entry
// trampoline, loads the main executable's dependency closure, applies its
// relocations, and transfers control to the application entry point. It
// never returns; any failure terminates the process.
func Bootstrap(sp uintptr) {
	info := parseStartupStack(sp)
	if info.entry == 0 {
		bootFatal("no entry point in auxiliary vector")
	}
	if info.phdrAddr == 0 || info.phnum <= 0 {
		bootFatal("no program-header table in auxiliary vector")
	}
	if info.phent != progHeaderSize {
		bootFatal("unexpected program-header entry size %d", info.phent)
	}

	base, ok := mainObjectBase(info.phdrAddr)
	if !ok {
		bootFatal("cannot locate main executable base")
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(base)), headerSize)
	hdr, err := parseHeader(raw)
	if err != nil {
		bootFatal("main executable: %v", err)
	}

	phdrs := unsafe.Slice((*progHeader)(unsafe.Pointer(info.phdrAddr)), info.phnum)

	// Fixed-address executables run where they were linked; only
	// position-independent ones carry a bias.
	var slide uintptr
	if elf.Type(hdr.Type) == elf.ET_DYN {
		page := uintptr(unix.Getpagesize())
		minV, _, err := loadSpan(phdrs, page)
		if err != nil {
			bootFatal("main executable: %v", err)
		}
		slide = base - minV
	}

	var dyn uintptr
	for i := range phdrs {
		if elf.ProgType(phdrs[i].Type) == elf.PT_DYNAMIC {
			dyn = slide + uintptr(phdrs[i].Vaddr)
			break
		}
	}

	name := info.progName
	if name == "" {
		name = "main"
	}

	ctx := NewContext()
	slot := ctx.register(name, slide, dyn, parseDynamic(dyn, slide), nil)
	if err := ctx.finishObject(slot); err != nil {
		bootFatal("%s: %v", name, err)
	}
	// The kernel mapped the main executable with its declared protections,
	// so its DT_INIT can run as soon as the closure is relocated.
	if initFn := ctx.objects[slot].info.initFn; initFn != 0 {
		ccall0(initFn)
	}

	jumpToEntry(info.entry, sp)
}

// jumpToEntry hands control to the application entry point with the
// general-purpose registers cleared and the stack pointer restored to the
// fresh-process position, still pointing at argc. It never returns.
func jumpToEntry(entry, sp uintptr)

// loaderStart is the raw process entry used when this binary is installed
// as the program interpreter. It captures the initial stack pointer before
// any higher-level calling convention can disturb it and hands it to
// Bootstrap. It is the only architecture-specific entry into the loader.
func loaderStart()
