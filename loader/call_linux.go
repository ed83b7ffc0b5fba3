//go:build linux && (amd64 || arm64)

package loader

// ccall0 calls fn with the platform C calling convention and no arguments,
// returning the raw result register. Used for DT_INIT and exported entry
// functions.
//
//go:noescape
func ccall0(fn uintptr) uintptr
