//go:build linux && (amd64 || arm64)

package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrNoLoadSegments = errors.New("object has no loadable segments")

// segment records one mapped PT_LOAD range so declared protections can be
// restored after every relocation pass has run.
type segment struct {
	start    uintptr
	length   uintptr
	prot     int
	writable bool
}

// image is the in-memory result of mapping one object.
type image struct {
	slide   uintptr
	dynamic uintptr // slid PT_DYNAMIC address, 0 if absent
	segs    []segment
}

func progFlagsToProt(flags uint32) (prot int) {
	if flags&uint32(elf.PF_R) != 0 {
		prot |= unix.PROT_READ
	}
	if flags&uint32(elf.PF_W) != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&uint32(elf.PF_X) != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// loadSpan computes the page-aligned [min, max) virtual-address span across
// all PT_LOAD entries.
func loadSpan(phdrs []progHeader, page uintptr) (minV, maxV uintptr, err error) {
	minV = uintptr(math.MaxUint64)
	for i := range phdrs {
		ph := &phdrs[i]
		if ph.Type != uint32(elf.PT_LOAD) || ph.Memsz == 0 {
			continue
		}
		start := uintptr(ph.Vaddr)
		end := uintptr(ph.Vaddr + ph.Memsz)
		if start < minV {
			minV = start
		}
		if end > maxV {
			maxV = end
		}
	}
	if minV == uintptr(math.MaxUint64) || maxV <= minV {
		return 0, 0, ErrNoLoadSegments
	}
	return alignDown(minV, page), alignUp(maxV, page), nil
}

// mapSegments maps every PT_LOAD segment of an open object file.
//
// The whole [min, max) span is mapped read-write in one anonymous mapping:
// kernel-chosen (unless preferred is nonzero) for position-independent
// objects, fixed at the declared addresses otherwise. Segment contents are
// then copied in. Mapping each segment separately would zero a neighbour's
// tail whenever two segments share a page.
//
// Everything stays writable so the relocation passes can patch it; the
// owner must call protect once those passes are done. On any failure the
// partial mapping is intentionally left in place and the object must be
// treated as unusable.
func mapSegments(fd int, phdrs []progHeader, pic bool, preferred uintptr) (*image, error) {
	page := uintptr(unix.Getpagesize())
	minV, maxV, err := loadSpan(phdrs, page)
	if err != nil {
		return nil, err
	}

	img := &image{}
	addr := unsafe.Pointer(preferred)
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if !pic {
		addr = unsafe.Pointer(minV)
		flags |= unix.MAP_FIXED
	}
	base, err := unix.MmapPtr(-1, 0, addr, maxV-minV,
		unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("map %#x bytes: %w", maxV-minV, err)
	}
	if pic {
		img.slide = uintptr(base) - minV
	}

	for i := range phdrs {
		ph := &phdrs[i]
		switch elf.ProgType(ph.Type) {
		case elf.PT_DYNAMIC:
			img.dynamic = img.slide + uintptr(ph.Vaddr)
			continue
		case elf.PT_LOAD:
		default:
			continue
		}
		if ph.Memsz == 0 {
			continue
		}

		segStart := alignDown(img.slide+uintptr(ph.Vaddr), page)
		segEnd := alignUp(img.slide+uintptr(ph.Vaddr+ph.Memsz), page)

		if ph.Filesz > 0 {
			dst := unsafe.Slice((*byte)(unsafe.Pointer(img.slide+uintptr(ph.Vaddr))), ph.Filesz)
			if err := preadFull(fd, dst, int64(ph.Off)); err != nil {
				return nil, fmt.Errorf("read segment at %#x: %w", ph.Off, err)
			}
		}

		// The anonymous pages arrive zeroed, but clear the boundary between
		// file content and the zero-fill tail explicitly so a partial page
		// never carries stale bytes.
		if ph.Memsz > ph.Filesz {
			tailStart := img.slide + uintptr(ph.Vaddr+ph.Filesz)
			tailEnd := alignUp(tailStart, page)
			if limit := img.slide + uintptr(ph.Vaddr+ph.Memsz); tailEnd > limit {
				tailEnd = limit
			}
			if tailEnd > tailStart {
				tail := unsafe.Slice((*byte)(unsafe.Pointer(tailStart)), tailEnd-tailStart)
				clear(tail)
			}
		}

		img.segs = append(img.segs, segment{
			start:    segStart,
			length:   segEnd - segStart,
			prot:     progFlagsToProt(ph.Flags),
			writable: ph.Flags&uint32(elf.PF_W) != 0,
		})
	}

	if len(img.segs) == 0 {
		return nil, ErrNoLoadSegments
	}
	return img, nil
}

// protect demotes segments lacking a declared write flag back to their
// declared protection. Must run only after all relocation passes; failures
// are reported but not fatal.
func (img *image) protect() {
	for i := range img.segs {
		seg := &img.segs[i]
		if seg.writable {
			continue
		}
		pages := unsafe.Slice((*byte)(unsafe.Pointer(seg.start)), seg.length)
		if err := unix.Mprotect(pages, seg.prot); err != nil {
			diag.Printf("mprotect %#x-%#x: %v", seg.start, seg.start+seg.length, err)
		}
	}
}

func preadFull(fd int, buf []byte, off int64) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Pread(fd, buf[read:], off+int64(read))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n <= 0 {
			return fmt.Errorf("short read (%d/%d)", read, len(buf))
		}
		read += n
	}
	return nil
}
