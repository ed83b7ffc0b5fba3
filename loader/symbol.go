//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"unsafe"
)

func (o *LoadedObject) symAt(index int) *symEntry {
	return (*symEntry)(unsafe.Pointer(o.symtab + uintptr(index)*symEntrySize))
}

func (o *LoadedObject) symName(sym *symEntry) string {
	if sym.Name == 0 {
		return ""
	}
	return cStringAt(o.strtab + uintptr(sym.Name))
}

// symValue resolves a defined symbol to its address. Absolute symbols carry
// their final value; everything else gets the object's slide added.
func (o *LoadedObject) symValue(sym *symEntry) uintptr {
	if elf.SectionIndex(sym.Shndx) == elf.SHN_ABS {
		return uintptr(sym.Value)
	}
	return o.base + uintptr(sym.Value)
}

// lookup scans the object's dynamic symbol table for a defined, non-local
// symbol with the given name. The scan starts at index 1 (index 0 is
// reserved) and ends at the known count, or at an all-zero trailing entry
// when the count is unknown.
func (o *LoadedObject) lookup(name string) (uintptr, bool) {
	if o.symtab == 0 || o.strtab == 0 || name == "" {
		return 0, false
	}
	for i := 1; o.symCount == 0 || i < o.symCount; i++ {
		sym := o.symAt(i)
		if o.symCount == 0 && sym.Name == 0 && sym.Info == 0 && sym.Shndx == 0 && sym.Value == 0 {
			break
		}
		if elf.SectionIndex(sym.Shndx) == elf.SHN_UNDEF {
			continue
		}
		if sym.bind() == elf.STB_LOCAL {
			continue
		}
		if !cStringEqual(o.strtab+uintptr(sym.Name), name) {
			continue
		}
		return o.symValue(sym), true
	}
	return 0, false
}

// lookupGlobal searches every active object in load order, main executable
// first, and returns the first definition found. Read-only; allocates
// nothing.
func (c *Context) lookupGlobal(name string) (uintptr, bool) {
	for i := 0; i < c.count; i++ {
		obj := &c.objects[i]
		if !obj.active {
			continue
		}
		if addr, ok := obj.lookup(name); ok {
			return addr, true
		}
	}
	return 0, false
}
