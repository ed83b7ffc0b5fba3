//go:build !(linux && (amd64 || arm64))

package loader

import "errors"

var errUnsupported = errors.New("loader is only supported on linux amd64 and arm64")

type Handle int

const GlobalHandle Handle = -1

var (
	ErrNotFound  = errors.New("shared object not found")
	ErrTableFull = errors.New("loaded-object table is full")
	ErrBadHandle = errors.New("invalid object handle")
)

type Context struct{}

func NewContext() *Context { return &Context{} }

func (c *Context) SetSearchPath(dirs ...string) {}
func (c *Context) SetTrace(v bool)              {}
func (c *Context) ObjectCount() int             { return 0 }

func (c *Context) Resolve(name string) (Handle, error) {
	return 0, errUnsupported
}

func (c *Context) Lookup(h Handle, symbol string) (uintptr, error) {
	return 0, errUnsupported
}

func (c *Context) CallExport(h Handle, symbol string) (uintptr, error) {
	return 0, errUnsupported
}

type SegmentInfo struct {
	Type   string
	Flags  string
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

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

func InspectFile(path string) (*ObjectInfo, error) { return nil, errUnsupported }

func Locate(name string, dirs []string) (string, error) { return "", errUnsupported }

func DefaultSearchPath() []string { return nil }
