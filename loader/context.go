//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// diag is the loader's diagnostic stream. Everything the loader reports,
// fatal or not, goes through it with the same identifying prefix.
var diag = log.New(os.Stderr, "ldso: ", 0)

var (
	ErrNotFound  = errors.New("shared object not found")
	ErrTableFull = errors.New("loaded-object table is full")
	ErrBadHandle = errors.New("invalid object handle")
)

// Handle identifies a loaded object by its slot in the loaded-object table.
// Slots are stable for the remaining process lifetime.
type Handle int

// GlobalHandle selects a search across every loaded object in load order.
const GlobalHandle Handle = -1

// maxObjects bounds the loaded-object table. The table is append-only and
// entries are never destroyed.
const maxObjects = 64

// defaultSearchPath is the fixed, ordered directory list consulted for
// dependency names. There is no environment override.
var defaultSearchPath = []string{"/lib", "/usr/lib", "/usr/local/lib"}

// LoadedObject is one entry in the loaded-object table. Once registered it
// is owned for the remaining process lifetime; its mapped memory is never
// reclaimed, even on a failed load.
type LoadedObject struct {
	name     string
	base     uintptr // slide: actual base minus lowest declared address
	dynamic  uintptr
	symtab   uintptr
	strtab   uintptr
	symCount int // estimated; 0 means scan to the zero terminator
	active   bool
	info     dynInfo
	img      *image
}

// Name returns the name the object was resolved under.
func (o *LoadedObject) Name() string { return o.name }

// Base returns the object's load bias.
func (o *LoadedObject) Base() uintptr { return o.base }

// Context is the loader state: the loaded-object table plus the search
// path. It is deliberately not a hidden singleton; every operation threads
// through one Context value. The bootstrap path runs before any other
// thread exists and takes no locks; later callers must synchronize
// externally (the public dl API in the parent package does).
type Context struct {
	objects [maxObjects]LoadedObject
	count   int
	search  []string
	trace   bool
}

func NewContext() *Context {
	return &Context{search: defaultSearchPath}
}

// SetSearchPath replaces the dependency search directories. Intended for
// tools and tests; dependency resolution itself never reads the
// environment.
func (c *Context) SetSearchPath(dirs ...string) {
	c.search = append([]string(nil), dirs...)
}

// SetTrace enables per-object load reporting on the diagnostic stream.
func (c *Context) SetTrace(v bool) { c.trace = v }

// ObjectCount returns the number of table slots in use, active or not.
func (c *Context) ObjectCount() int { return c.count }

// Object returns the table entry for a handle.
func (c *Context) Object(h Handle) (*LoadedObject, error) {
	if h < 0 || int(h) >= c.count {
		return nil, ErrBadHandle
	}
	return &c.objects[h], nil
}

// Lookup resolves a symbol. GlobalHandle searches every object in load
// order; any other handle searches only that object.
func (c *Context) Lookup(h Handle, symbol string) (uintptr, error) {
	if h == GlobalHandle {
		if addr, ok := c.lookupGlobal(symbol); ok {
			return addr, nil
		}
		return 0, fmt.Errorf("symbol %q not found in any loaded object", symbol)
	}
	obj, err := c.Object(h)
	if err != nil {
		return 0, err
	}
	if addr, ok := obj.lookup(symbol); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("symbol %q not found in %s", symbol, obj.name)
}

// CallExport resolves a symbol in the given object and calls it with no
// arguments, returning the raw result register.
func (c *Context) CallExport(h Handle, symbol string) (uintptr, error) {
	addr, err := c.Lookup(h, symbol)
	if err != nil {
		return 0, err
	}
	return ccall0(addr), nil
}

// Resolve loads the named object and, transitively, every object it
// depends on, exactly once. Names already present in the table are
// deduplicated by name equality only; two different path resolutions of
// the same name are treated as identical. A failed load leaves its mapped
// memory in place and its slot inactive.
func (c *Context) Resolve(name string) (Handle, error) {
	if name == "" {
		return 0, errors.New("empty object name")
	}
	for i := 0; i < c.count; i++ {
		if c.objects[i].active && c.objects[i].name == name {
			return Handle(i), nil
		}
	}
	if c.count == maxObjects {
		return 0, ErrTableFull
	}

	fd, path, err := c.openObject(name)
	if err != nil {
		diag.Printf("cannot load %s: %v", name, err)
		return 0, err
	}
	defer unix.Close(fd)

	hdr, err := readHeader(fd)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	var phdrs [maxProgHeaders]progHeader
	phnum, err := readProgHeaders(fd, &hdr, &phdrs)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	var pic bool
	switch elf.Type(hdr.Type) {
	case elf.ET_DYN:
		pic = true
	case elf.ET_EXEC:
		pic = false
	default:
		return 0, fmt.Errorf("%s: %w: object type %s", path, ErrBadImage, elf.Type(hdr.Type))
	}

	img, err := mapSegments(fd, phdrs[:phnum], pic, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if c.trace {
		diag.Printf("mapped %s with bias %#x", path, img.slide)
	}

	info := parseDynamic(img.dynamic, img.slide)
	slot := c.register(name, img.slide, img.dynamic, info, img)

	// The slot is registered before any DT_NEEDED recursion so dependency
	// diamonds resolve to it instead of loading the object twice.
	if err := c.finishObject(slot); err != nil {
		c.objects[slot].active = false
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	// Declared protections must be in place before DT_INIT runs: the init
	// code lives in a segment that is only executable once demoted.
	img.protect()
	if initFn := c.objects[slot].info.initFn; initFn != 0 {
		ccall0(initFn)
	}
	return Handle(slot), nil
}

// openObject opens a dependency. A name containing a slash is opened as a
// path; anything else is tried against the fixed search directories in
// order, first openable match wins.
func (c *Context) openObject(name string) (int, string, error) {
	if strings.ContainsRune(name, '/') {
		fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, "", fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
		}
		return fd, name, nil
	}
	for _, dir := range c.search {
		path := dir + "/" + name
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, path, nil
		}
	}
	return -1, "", fmt.Errorf("%w: %s (searched %s)", ErrNotFound, name, strings.Join(c.search, ":"))
}

func (c *Context) register(name string, base, dynamic uintptr, info dynInfo, img *image) int {
	slot := c.count
	c.objects[slot] = LoadedObject{
		name:     name,
		base:     base,
		dynamic:  dynamic,
		symtab:   info.symtab,
		strtab:   info.strtab,
		symCount: estimateSymCount(&info),
		active:   true,
		info:     info,
		img:      img,
	}
	c.count++
	return slot
}

// finishObject loads the object's DT_NEEDED dependencies and applies its
// RELA and PLT relocation tables. Dependencies complete fully, relocations
// and DT_INIT included, before this object's own relocation passes run.
// The caller runs this object's DT_INIT once protections are restored.
func (c *Context) finishObject(slot int) error {
	obj := &c.objects[slot]
	for _, off := range obj.info.needed {
		dep := cStringAt(obj.info.strtab + uintptr(off))
		if _, err := c.Resolve(dep); err != nil {
			return err
		}
	}
	if err := c.applyRelocations(obj, obj.info.rela, obj.info.relasz); err != nil {
		return err
	}
	return c.applyRelocations(obj, obj.info.jmprel, obj.info.pltrelsz)
}
