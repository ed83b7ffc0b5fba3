//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"fmt"
	"unsafe"
)

// resolveRelocSymbol produces the value for a relocation's symbol reference.
// Definitions inside the owning object win; otherwise the name is searched
// across every loaded object. An unresolved non-weak symbol gets a
// diagnostic and a zero value, and the pass continues.
func (c *Context) resolveRelocSymbol(obj *LoadedObject, index uint32) uintptr {
	sym := obj.symAt(int(index))
	if elf.SectionIndex(sym.Shndx) != elf.SHN_UNDEF {
		return obj.symValue(sym)
	}

	name := obj.symName(sym)
	if addr, ok := c.lookupGlobal(name); ok {
		return addr
	}
	if sym.bind() != elf.STB_WEAK {
		diag.Printf("undefined symbol %q needed by %s", name, obj.name)
	}
	return 0
}

// applyRelocations applies one contiguous RELA-format table against the
// object. The mapped pages must still be writable. Unhandled relocation
// types abort the load rather than leaving a silently broken image.
func (c *Context) applyRelocations(obj *LoadedObject, table uintptr, size uint64) error {
	if table == 0 || size == 0 {
		return nil
	}
	count := size / relaEntrySize
	for i := uint64(0); i < count; i++ {
		rel := (*relaEntry)(unsafe.Pointer(table + uintptr(i)*relaEntrySize))

		var symval uintptr
		if idx := rel.symIndex(); idx != 0 {
			symval = c.resolveRelocSymbol(obj, idx)
		}

		target := obj.base + uintptr(rel.Off)
		switch rel.relType() {
		case relocRelative:
			storeWord(target, obj.base+uintptr(rel.Addend))
		case relocGlobDat:
			storeWord(target, symval)
		case relocJumpSlot:
			// Always bound immediately; the addend is ignored.
			storeWord(target, symval)
		case relocAbs:
			storeWord(target, symval+uintptr(rel.Addend))
		default:
			return fmt.Errorf("unhandled relocation type %s in %s",
				relocTypeName(rel.relType()), obj.name)
		}
	}
	return nil
}
