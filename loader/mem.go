//go:build linux && (amd64 || arm64)

package loader

import "unsafe"

// storeWord writes an address-sized value at addr. This is the single raw
// write primitive used by the relocation pass; the target pages must still
// be mapped writable when it runs.
func storeWord(addr uintptr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}

// loadWord reads an address-sized value at addr.
func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func alignDown(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}

func cStringAt(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < 4096; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

func cStringEqual(ptr uintptr, want string) bool {
	if ptr == 0 {
		return false
	}
	for i := 0; i < len(want); i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b != want[i] {
			return false
		}
	}
	return *(*byte)(unsafe.Pointer(ptr + uintptr(len(want)))) == 0
}
